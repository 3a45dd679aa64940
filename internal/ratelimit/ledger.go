// Package ratelimit implements the admission rate-limit ledger: durable
// counters keyed by identity with a fixed window starting at the first
// submission. Reservations are atomic check-and-increment; a request at
// the limit is denied, one below is admitted.
package ratelimit

// Identity classes used to build ledger keys. Anonymous callers are
// keyed by IP with a daily window; free accounts by account id with a
// weekly window.
const (
	ClassAnonymous = "ip"
	ClassAccount   = "account"
)

// Key builds the ledger key for an identity.
func Key(class, id string) string {
	return class + ":" + id
}
