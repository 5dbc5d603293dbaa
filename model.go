package citegat

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"

	"github.com/citenet/citegat/attention"
	"github.com/citenet/citegat/graphs"
)

// ModelGraph computes class logits for the batch of node indices in
// inputs[0] (int32, shape [batchSize]), returning one output shaped
// [batchSize, numClasses].
//
// The node features and edge list must have been uploaded to the context
// beforehand (graphs.Store.Upload): the forward pass always covers the full
// graph, only the gathering at the end is per-batch. It has the train.ModelFn
// signature.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	indices := inputs[0]
	g := indices.Graph()
	ctx = ctx.WithInitializer(initializers.GlorotUniformFn(ctx))

	features := graphs.NodeFeatures(ctx, g)
	edgeTargets := graphs.EdgeTargets(ctx, g)
	edgeSources := graphs.EdgeSources(ctx, g)
	config := attention.ConfigFromContext(ctx)
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 7)

	logits := attention.NodeClassification(ctx, config, features, edgeTargets, edgeSources, numClasses)
	return []*Node{Gather(logits, InsertAxes(indices, -1))}
}
