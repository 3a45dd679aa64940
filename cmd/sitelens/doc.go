// Package main hosts the sitelens service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, submission and
//     status endpoints. Submissions are normalized and quota-checked by the
//     admission controller, persisted via the JobStore, then enqueued for work.
//   - Dispatcher & queue: jobs flow through a bounded in-memory queue sized by
//     queue.depth and are fanned out to a fixed worker pool sized by
//     worker.concurrency. Context cancellation stops workers cleanly on
//     shutdown, with a bounded grace for in-flight jobs.
//   - Analysis pipeline: each worker drives the external design-analysis
//     collaborator (trigger + poll) under a hard per-job deadline, retrying
//     transient failures with jittered backoff and streaming advisory progress
//     into the store.
//   - Recovery: a periodic sweep requeues processing jobs stranded by crashes
//     and re-enqueues queued rows whose hand-off was lost, so the durable row
//     is always the source of truth.
//   - Persistence & fanout: job metadata lives in Postgres (or memory for
//     dev/tests), quota counters in Redis, and terminal job events are
//     published to Pub/Sub when a topic is configured.
//   - Configuration & plumbing: Viper populates config from env/files; zap
//     provides structured logging; Prometheus metrics are exported via the
//     /metrics handler.
//
// Operational notes:
//   - Shutdown is coordinated via context cancellation propagated from main
//     through the dispatcher to workers; jobs cut off past the grace window
//     stay processing and are reclaimed by the recovery sweep.
//   - Run locally: go run ./cmd/sitelens -config config.yaml (or rely solely
//     on SITELENS_* env overrides).
package main
