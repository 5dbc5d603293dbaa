package citegat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/citenet/citegat/attention"
	"github.com/citenet/citegat/graphs"
)

// newTestStore builds a 12-node, 2-class toy graph: class c nodes carry an
// indicator in feature c, plus a per-node varying component, and every node
// cites its next same-class neighbor. Linearly separable, so a few epochs
// reach high accuracy.
func newTestStore(t *testing.T) (*graphs.Store, *graphs.Splits) {
	t.Helper()
	const numNodes, numFeatures = 12, 4
	features := make([]float32, 0, numNodes*numFeatures)
	labels := make([]int32, numNodes)
	var edgeTargets, edgeSources []int32
	for node := 0; node < numNodes; node++ {
		class := node % 2
		labels[node] = int32(class)
		row := []float32{0, 0, float32(node) / numNodes, 1}
		row[class] = 1
		features = append(features, row...)
		edgeTargets = append(edgeTargets, int32(node))
		edgeSources = append(edgeSources, int32((node+2)%numNodes))
	}
	store, err := graphs.New(numNodes, numFeatures, features, edgeTargets, edgeSources, labels)
	require.NoError(t, err)
	splits := &graphs.Splits{
		Train:      []int32{0, 1, 2, 3, 4, 5, 6, 7},
		Validation: []int32{8, 9},
		Test:       []int32{10, 11},
	}
	return store, splits
}

// newTestContext shrinks the default hyperparameters to the toy graph.
func newTestContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamNumClasses:              2,
		attention.ParamHiddenUnits:   4,
		attention.ParamNumHeads:      2,
		attention.ParamNumLayers:     1,
		ParamBatchSize:               4,
		ParamMaxEpochs:               10,
		ParamPatience:                3,
		ParamMinDelta:                1e-4,
		optimizers.ParamLearningRate: 0.1,
	})
	return ctx
}

func TestModelGraphShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext()
	store, _ := newTestStore(t)
	store.Upload(ctx)

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, indices *Node) *Node {
		return ModelGraph(ctx, nil, []*Node{indices})[0]
	})
	logits := exec.Call(tensors.FromValue([]int32{0, 5, 11}))[0]
	require.Equal(t, []int{3, 2}, logits.Shape().Dimensions)
}

func TestTrainEndToEnd(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext()
	store, splits := newTestStore(t)

	require.NoError(t, Train(backend, ctx, store, splits, ""))

	predictor := NewPredictor(backend, ctx, store)
	allNodes := make([]int32, store.NumNodes())
	for i := range allNodes {
		allNodes[i] = int32(i)
	}
	probabilities, err := predictor.Predict(allNodes)
	require.NoError(t, err)
	require.Len(t, probabilities, store.NumNodes())
	for node, row := range probabilities {
		require.Lenf(t, row, 2, "node %d", node)
		sum := float32(0)
		for _, p := range row {
			assert.GreaterOrEqualf(t, p, float32(0), "node %d has a negative probability", node)
			sum += p
		}
		assert.InDeltaf(t, 1.0, float64(sum), 1e-4, "node %d probabilities must sum to 1", node)
	}

	_, err = predictor.Predict([]int32{int32(store.NumNodes())})
	assert.Error(t, err, "out-of-range node must be rejected")
	_, err = predictor.Predict(nil)
	assert.Error(t, err, "empty query must be rejected")
}

func TestTrainRejectsOverlappingSplits(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext()
	store, splits := newTestStore(t)
	splits.Validation = []int32{splits.Train[0]}
	err := Train(backend, ctx, store, splits, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "splits")
}

func TestTrainRejectsInvalidConfig(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext()
	ctx.SetParams(map[string]any{attention.ParamMergeType: attention.MergeAverage})
	store, splits := newTestStore(t)
	err := Train(backend, ctx, store, splits, "")
	require.Error(t, err, "average merge with 2 heads breaks the residual width invariant")
}
