package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{ timeout bool }

func (e *timeoutErr) Error() string   { return "net failure" }
func (e *timeoutErr) Timeout() bool   { return e.timeout }
func (e *timeoutErr) Temporary() bool { return e.timeout }

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 100*time.Millisecond, time.Second)

	require.False(t, p.ShouldRetry(nil, 0))
	require.True(t, p.ShouldRetry(errors.New("upstream 503"), 0))
	require.False(t, p.ShouldRetry(errors.New("upstream 503"), 3))
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 0))
	require.False(t, p.ShouldRetry(Permanent(errors.New("target unreachable")), 0))
	require.True(t, p.ShouldRetry(&timeoutErr{timeout: true}, 1))
	require.False(t, p.ShouldRetry(&timeoutErr{timeout: false}, 1))
}

func TestRetryPolicy_BackoffWithinBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, 100*time.Millisecond, time.Second)
	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Second)
	}
}

func TestPermanentError_WrapsAndUnwraps(t *testing.T) {
	t.Parallel()

	base := errors.New("bad response shape")
	err := Permanent(base)
	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, base)
	require.Nil(t, Permanent(nil))
	require.False(t, IsPermanent(base))
}
