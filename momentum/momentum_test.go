package momentum

import (
	"testing"

	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
)

// TestUpdateGraph minimizes (w-5)^2 from w=0 with learning rate 0.1 and
// momentum 0.9 and checks the first two steps analytically:
//
//	step 1: grad = -10, velocity = -1.0, w = 1.0
//	step 2: grad = -8,  velocity = -1.7, w = 2.7
func TestUpdateGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	wVar := ctx.In("model").VariableWithValue("w", float32(0))
	opt := New().LearningRate(0.1).Momentum(0.9).Done()

	stepExec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		w := wVar.ValueGraph(g)
		loss := Square(Sub(w, Scalar(g, w.DType(), 5)))
		opt.UpdateGraph(ctx, g, loss)
		return loss
	})

	stepExec.Call()
	require.InDelta(t, 1.0, float64(tensors.ToScalar[float32](wVar.Value())), 1e-5)
	velocityVar := ctx.GetVariableByScopeAndName("/"+DefaultScope+"/model", "w_velocity")
	require.NotNil(t, velocityVar, "velocity slot variable must be created")
	require.False(t, velocityVar.Trainable)
	require.InDelta(t, -1.0, float64(tensors.ToScalar[float32](velocityVar.Value())), 1e-5)

	stepExec.Call()
	require.InDelta(t, 2.7, float64(tensors.ToScalar[float32](wVar.Value())), 1e-5)
	require.InDelta(t, -1.7, float64(tensors.ToScalar[float32](velocityVar.Value())), 1e-5)
}

// TestZeroMomentum checks the optimizer degrades to plain SGD.
func TestZeroMomentum(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	wVar := ctx.In("model").VariableWithValue("w", float32(0))
	opt := New().LearningRate(0.1).Momentum(0).Done()

	stepExec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		w := wVar.ValueGraph(g)
		loss := Square(Sub(w, Scalar(g, w.DType(), 5)))
		opt.UpdateGraph(ctx, g, loss)
		return loss
	})

	// w_{n+1} = w_n + 0.1 * 2 * (5 - w_n): 0 -> 1 -> 1.8
	stepExec.Call()
	require.InDelta(t, 1.0, float64(tensors.ToScalar[float32](wVar.Value())), 1e-5)
	stepExec.Call()
	require.InDelta(t, 1.8, float64(tensors.ToScalar[float32](wVar.Value())), 1e-5)
}

func TestFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamMomentum: 0.5})
	config := New().FromContext(ctx)
	require.Equal(t, 0.5, config.momentum)
}

func TestNonScalarLossPanics(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	wVar := ctx.In("model").VariableWithValue("w", []float32{0, 0})
	opt := New().Done()
	stepExec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		loss := wVar.ValueGraph(g) // Not reduced to a scalar.
		opt.UpdateGraph(ctx, g, loss)
		return loss
	})
	require.Panics(t, func() { stepExec.Call() })
}
