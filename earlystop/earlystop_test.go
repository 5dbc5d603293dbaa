package earlystop

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
)

// TestStoppingSchedule checks the epoch accounting: a metric that improves
// only on the first epoch and then stays flat must stop the loop at epoch
// 1+patience+1.
func TestStoppingSchedule(t *testing.T) {
	ctx := context.New()
	ctx.In("model").VariableWithValue("w", float32(0))

	const patience = 2
	m := &Monitor{
		ctx:      ctx,
		metricFn: func() (float64, error) { return 0.5, nil },
		patience: patience,
		minDelta: 1e-4,
	}

	epoch := 0
	var err error
	for err == nil {
		epoch++
		err = m.check(&train.Loop{LoopStep: epoch * 10}, nil)
		require.LessOrEqual(t, epoch, 10, "monitor never stopped")
	}
	require.True(t, errors.Is(err, ErrStopped))
	require.Equal(t, 1+patience+1, epoch)

	best, bestStep := m.Best()
	require.Equal(t, 0.5, best)
	require.Equal(t, 10, bestStep)
}

// TestSnapshotRestore checks RestoreBest brings back the weights from the
// last improvement, not the final ones.
func TestSnapshotRestore(t *testing.T) {
	ctx := context.New()
	wVar := ctx.In("model").VariableWithValue("w", []float32{1, 2})

	values := []float64{0.5, 0.8, 0.8, 0.8, 0.8}
	epoch := 0
	m := &Monitor{
		ctx:      ctx,
		metricFn: func() (float64, error) { v := values[epoch]; epoch++; return v, nil },
		patience: 2,
		minDelta: 1e-4,
	}
	step := func(n int) error { return m.check(&train.Loop{LoopStep: n}, nil) }

	require.NoError(t, step(1)) // First observation, snapshots {1, 2}.
	wVar.SetValue(tensors.FromValue([]float32{10, 20}))
	require.NoError(t, step(2)) // Improvement, snapshots {10, 20}.
	wVar.SetValue(tensors.FromValue([]float32{-1, -1}))
	require.NoError(t, step(3))
	require.NoError(t, step(4))
	require.True(t, errors.Is(step(5), ErrStopped))

	require.NoError(t, m.RestoreBest())
	require.Equal(t, []float32{10, 20}, wVar.Value().Value())
}

func TestNonFiniteMetric(t *testing.T) {
	ctx := context.New()
	ctx.In("model").VariableWithValue("w", float32(0))
	m := &Monitor{
		ctx:      ctx,
		metricFn: func() (float64, error) { return math.NaN(), nil },
		patience: 2,
	}
	err := m.check(&train.Loop{LoopStep: 1}, nil)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrStopped), "a NaN metric is a failure, not a normal stop")
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	m := &Monitor{ctx: context.New()}
	require.Error(t, m.RestoreBest())
}
