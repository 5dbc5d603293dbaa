// Package earlystop halts a training loop once a monitored validation metric
// stops improving, keeping a snapshot of the best weights seen so far and
// restoring them when the halt triggers.
//
// It plugs into a train.Loop as an every-N-steps hook (one check per epoch).
// The hook returns ErrStopped when the patience budget is exhausted, which
// aborts Loop.RunSteps; the driver then calls Monitor.RestoreBest before
// evaluating or saving.
package earlystop

import (
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
)

// ErrStopped is the sentinel returned through Loop.RunSteps when the monitor
// decides to stop. Check for it with errors.Is -- the loop machinery wraps
// hook errors with a message.
var ErrStopped = errors.New("early stopping: monitored validation metric stopped improving")

// MetricFn reports the current value of the monitored validation metric.
// Higher must mean better.
type MetricFn func() (float64, error)

// Monitor tracks the best value of a validation metric across epochs and the
// trainable variables' values at the time it was observed.
type Monitor struct {
	ctx      *context.Context
	metricFn MetricFn
	patience int
	minDelta float64

	haveBest bool
	best     float64
	bestStep int
	wait     int
	snapshot map[string]*tensors.Tensor
}

// Attach creates a Monitor and registers it on the loop, evaluating metricFn
// every stepsPerEpoch steps. An epoch "improves" when the metric exceeds the
// best seen so far by at least minDelta; after patience consecutive epochs
// without improvement the next stale epoch stops the loop with ErrStopped.
//
// ctx must be the context holding the model's trainable variables: those are
// what gets snapshotted and restored. Optimizer slot variables are not part
// of the snapshot.
func Attach(loop *train.Loop, ctx *context.Context, stepsPerEpoch, patience int, minDelta float64, metricFn MetricFn) *Monitor {
	m := &Monitor{
		ctx:      ctx,
		metricFn: metricFn,
		patience: patience,
		minDelta: minDelta,
	}
	train.EveryNSteps(loop, stepsPerEpoch, "early stopping", 100, m.check)
	return m
}

// check runs at every epoch boundary. Exported indirectly through Attach;
// split out so tests can drive the epoch sequence directly.
func (m *Monitor) check(loop *train.Loop, _ []*tensors.Tensor) error {
	value, err := m.metricFn()
	if err != nil {
		return errors.WithMessage(err, "early stopping: evaluating validation metric")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return errors.Errorf("early stopping: validation metric is not finite (%v) at step %d", value, loop.LoopStep)
	}
	if !m.haveBest || value >= m.best+m.minDelta {
		m.best = value
		m.bestStep = loop.LoopStep
		m.wait = 0
		m.haveBest = true
		m.takeSnapshot()
		return nil
	}
	m.wait++
	if m.wait > m.patience {
		klog.V(1).Infof("early stopping at step %d: no improvement over %v for %d epochs",
			loop.LoopStep, m.best, m.wait)
		return ErrStopped
	}
	return nil
}

func (m *Monitor) takeSnapshot() {
	m.snapshot = make(map[string]*tensors.Tensor)
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		m.snapshot[v.ParameterName()] = v.Value().LocalClone()
	})
}

// RestoreBest copies the snapshot taken at the last improvement back into the
// live variables. Variables created after the snapshot was taken are left
// untouched (notably optimizer slots).
func (m *Monitor) RestoreBest() error {
	if !m.haveBest {
		return errors.New("early stopping: no best-weights snapshot taken yet")
	}
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		value, found := m.snapshot[v.ParameterName()]
		if !found {
			return
		}
		v.SetValue(value.LocalClone())
	})
	return nil
}

// Best returns the best metric value observed and the loop step at which it
// was observed. Only meaningful after at least one check.
func (m *Monitor) Best() (metric float64, step int) {
	return m.best, m.bestStep
}
