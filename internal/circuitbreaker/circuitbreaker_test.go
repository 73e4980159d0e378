package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute, 50*time.Millisecond)
	require.False(t, b.IsOpen())

	b.RecordFailure()
	b.RecordFailure()
	require.False(t, b.IsOpen())

	b.RecordFailure()
	require.True(t, b.IsOpen())
}

func TestBreakerClosesAfterCooldown(t *testing.T) {
	b := New(1, time.Minute, 10*time.Millisecond)
	b.RecordFailure()
	require.True(t, b.IsOpen())

	time.Sleep(20 * time.Millisecond)
	require.False(t, b.IsOpen())
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	b := New(2, time.Minute, time.Minute)
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	require.False(t, b.IsOpen())
}

func TestNilBreakerIsAlwaysClosed(t *testing.T) {
	var b *Breaker
	require.False(t, b.IsOpen())
	b.RecordFailure()
	b.RecordSuccess()
}
