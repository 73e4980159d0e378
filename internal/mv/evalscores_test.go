package mv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lychee-technology/parquedb"
)

func scoreEvent(suite, scorer string, score float64) parquedb.Event {
	return parquedb.Event{
		Collection: "evalite_scores",
		Type:       parquedb.EventCreate,
		Timestamp:  time.Now(),
		Data: map[string]any{
			"runId":      "run-1",
			"suiteName":  suite,
			"scorerName": scorer,
			"score":      score,
		},
	}
}

func TestEvalScoresProcessAndStats(t *testing.T) {
	ctx := context.Background()
	h, err := NewEvalScores(ctx, 100, zap.NewNop())
	require.NoError(t, err)

	events := []parquedb.Event{
		scoreEvent("suite-a", "accuracy", 0.5),
		scoreEvent("suite-a", "accuracy", 0.7),
		scoreEvent("suite-a", "accuracy", 0.9),
	}
	require.NoError(t, h.Process(ctx, events))

	stats, err := h.Stats(ctx, "suite-a", "accuracy", 4)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Count)
	require.Equal(t, 0.5, stats.Min)
	require.Equal(t, 0.9, stats.Max)
	require.InDelta(t, 0.7, stats.Average, 0.0001)
}

func TestEvalScoresIgnoresMissingRequiredFields(t *testing.T) {
	ctx := context.Background()
	h, err := NewEvalScores(ctx, 100, zap.NewNop())
	require.NoError(t, err)

	ev := parquedb.Event{
		Collection: "evalite_scores",
		Data:       map[string]any{"suiteName": "suite-a"}, // missing scorerName, score
	}
	require.NoError(t, h.Process(ctx, []parquedb.Event{ev}))
	require.Empty(t, h.Recent(10))

	stats, err := h.Stats(ctx, "suite-a", "accuracy", 4)
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Count)
}

func TestEvalScoresRecentRingBufferBounded(t *testing.T) {
	ctx := context.Background()
	h, err := NewEvalScores(ctx, 2, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, h.Process(ctx, []parquedb.Event{
		scoreEvent("s", "sc", 1),
		scoreEvent("s", "sc", 2),
		scoreEvent("s", "sc", 3),
	}))

	recent := h.Recent(10)
	require.Len(t, recent, 2)
	require.Equal(t, 2.0, recent[0].Score)
	require.Equal(t, 3.0, recent[1].Score)
}

func TestEvalScoresResetClearsState(t *testing.T) {
	ctx := context.Background()
	h, err := NewEvalScores(ctx, 10, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, h.Process(ctx, []parquedb.Event{scoreEvent("s", "sc", 1)}))
	h.Reset()
	require.Empty(t, h.Recent(10))

	stats, err := h.Stats(ctx, "s", "sc", 4)
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Count)
}

func TestPercentileEdgeCases(t *testing.T) {
	require.Equal(t, 0.0, percentile(nil, 0.5))
	require.Equal(t, 5.0, percentile([]float64{5}, 0.99))
	require.Equal(t, 2.0, percentile([]float64{1, 2, 3}, 0.5))
}
