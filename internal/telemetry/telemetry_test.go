package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterEmitterIsCalled(t *testing.T) {
	var gotName string
	var gotValue any
	RegisterEmitter(func(ctx context.Context, name string, labels map[string]string, value any) {
		gotName = name
		gotValue = value
	})
	defer RegisterEmitter(nil)

	EmitQueryLatency(context.Background(), "scan", 42)
	require.Equal(t, "query_latency_ms", gotName)
	require.Equal(t, int64(42), gotValue)
}

func TestDefaultEmitterIsNoop(t *testing.T) {
	RegisterEmitter(nil)
	require.NotPanics(t, func() {
		EmitRowGroupsScanned(context.Background(), "widgets", 2, 10)
	})
}
