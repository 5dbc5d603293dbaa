// Package attention implements sparse graph-attention aggregation (GAT,
// https://arxiv.org/abs/1710.10903) over a static directed edge list, and its
// multi-head / multi-layer composition into a node classification network.
//
// The unit of computation is Head: project node states, score each edge with
// a learned attention vector, normalize the scores per target node with a
// segment softmax over its incoming edges, and accumulate the weighted source
// states back into the targets. Everything is expressed as dense gather /
// scatter-add operations over the edge list, so one call covers the whole
// graph at once.
//
// Hyperparameters are read from the context parameters (see ConfigFromContext),
// following the usual convention of Param* keys.
package attention

import (
	"github.com/pkg/errors"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
)

const (
	// ParamHiddenUnits is the context parameter with the number of hidden
	// units per attention head. Default is 8.
	ParamHiddenUnits = "gat_hidden_units"

	// ParamNumHeads is the context parameter with the number of independent
	// attention heads per layer. Default is 8.
	ParamNumHeads = "gat_num_heads"

	// ParamNumLayers is the context parameter with the number of stacked
	// multi-head aggregation layers (residual). It may be 0, in which case
	// classification happens directly on the preprocessed features. Default
	// is 1.
	ParamNumLayers = "gat_num_layers"

	// ParamMergeType is the context parameter selecting how the heads of a
	// layer are merged: MergeConcat or MergeAverage. Default is MergeConcat.
	ParamMergeType = "gat_merge"

	// ParamScoreClip is the context parameter with the symmetric range the
	// raw attention scores are clipped to before exponentiation. Default is
	// 2.0, meaning scores are clipped to [-2, 2].
	ParamScoreClip = "gat_score_clip"

	// ParamLeakySlope is the context parameter with the negative slope of
	// the leaky-rectifier applied to raw attention scores. Default is 0.2.
	ParamLeakySlope = "gat_leaky_slope"
)

// Merge strategies for the heads of a layer.
const (
	MergeConcat  = "concat"
	MergeAverage = "average"
)

// Config bundles the attention network hyperparameters. Zero values are not
// meaningful, build it with ConfigFromContext or fill every field.
type Config struct {
	// HiddenUnits is the output width of each attention head.
	HiddenUnits int

	// NumHeads is the number of independent heads per layer.
	NumHeads int

	// NumLayers is the number of stacked aggregation layers. Each layer's
	// output is added to its input (residual), which constrains the merged
	// width to match the preprocessed width -- see Validate.
	NumLayers int

	// Merge is either MergeConcat or MergeAverage.
	Merge string

	// ScoreClip bounds raw attention scores to [-ScoreClip, ScoreClip]
	// before exponentiation.
	ScoreClip float64

	// LeakySlope is the negative slope of the leaky-rectifier on raw scores.
	LeakySlope float64
}

// ConfigFromContext reads the hyperparameters from the context parameters,
// using the documented defaults for the ones not set.
func ConfigFromContext(ctx *context.Context) *Config {
	return &Config{
		HiddenUnits: context.GetParamOr(ctx, ParamHiddenUnits, 8),
		NumHeads:    context.GetParamOr(ctx, ParamNumHeads, 8),
		NumLayers:   context.GetParamOr(ctx, ParamNumLayers, 1),
		Merge:       context.GetParamOr(ctx, ParamMergeType, MergeConcat),
		ScoreClip:   context.GetParamOr(ctx, ParamScoreClip, 2.0),
		LeakySlope:  context.GetParamOr(ctx, ParamLeakySlope, 0.2),
	}
}

// hiddenWidth is the width the preprocessing projection lifts the raw
// features to, and hence the width every residual layer must preserve.
func (c *Config) hiddenWidth() int { return c.HiddenUnits * c.NumHeads }

// mergedWidth is the width of a layer's output after merging its heads.
func (c *Config) mergedWidth() int {
	if c.Merge == MergeAverage {
		return c.HiddenUnits
	}
	return c.HiddenUnits * c.NumHeads
}

// Validate checks the configuration is structurally sound. It must be called
// (and pass) before any network is assembled; NodeClassification enforces it.
func (c *Config) Validate() error {
	if c.HiddenUnits <= 0 {
		return errors.Errorf("hidden units per head must be positive, got %d", c.HiddenUnits)
	}
	if c.NumHeads < 1 {
		return errors.Errorf("number of heads must be >= 1, got %d", c.NumHeads)
	}
	if c.NumLayers < 0 {
		return errors.Errorf("number of layers must be >= 0, got %d", c.NumLayers)
	}
	if c.Merge != MergeConcat && c.Merge != MergeAverage {
		return errors.Errorf("unknown merge strategy %q: valid values are %q and %q",
			c.Merge, MergeConcat, MergeAverage)
	}
	if c.NumLayers > 0 && c.mergedWidth() != c.hiddenWidth() {
		return errors.Errorf(
			"residual connections require each layer's merged output width (%d) to equal its input width (%d): "+
				"merge=%q with %d heads of %d units",
			c.mergedWidth(), c.hiddenWidth(), c.Merge, c.NumHeads, c.HiddenUnits)
	}
	return nil
}

// Head runs one graph-attention head: it projects state ([numNodes, depth])
// to [numNodes, units], scores every edge of the (edgeTargets, edgeSources)
// list, softmax-normalizes the scores over each target's incoming edges and
// returns the attention-weighted sum of source states per target, shaped
// [numNodes, units].
//
// edgeTargets and edgeSources must be int32 with shape [numEdges, 1]. A
// target with no incoming edges gets a zero output row. The raw scores are
// clipped to [-scoreClip, scoreClip] before exponentiation, which bounds the
// exponent instead of shifting by the per-target maximum.
func Head(ctx *context.Context, state, edgeTargets, edgeSources *Node, units int, scoreClip, leakySlope float64) *Node {
	pooled, _ := headParts(ctx, state, edgeTargets, edgeSources, units, scoreClip, leakySlope)
	return pooled
}

// headParts is Head, additionally returning the [numEdges, 1] normalized
// attention weights for inspection in tests.
func headParts(ctx *context.Context, state, edgeTargets, edgeSources *Node, units int, scoreClip, leakySlope float64) (pooled, weights *Node) {
	g := state.Graph()
	dtype := state.DType()
	numNodes := state.Shape().Dimensions[0]

	projected := layers.Dense(ctx.In("projection"), state, false, units) // [numNodes, units]
	targetStates := Gather(projected, edgeTargets)                       // [numEdges, units]
	sourceStates := Gather(projected, edgeSources)                       // [numEdges, units]

	// Raw score per edge: attention vector applied to the concatenated
	// (target, source) pair, then leaky-rectified and clipped.
	pairs := Concatenate([]*Node{targetStates, sourceStates}, -1) // [numEdges, 2*units]
	scores := layers.Dense(ctx.In("score"), pairs, false, 1)      // [numEdges, 1]
	scores = activations.LeakyReluWithAlpha(scores, leakySlope)
	scores = ClipScalar(scores, -scoreClip, scoreClip)
	scores = Exp(scores)

	// Segment softmax: sum the exponentiated scores of each target's
	// incoming edges, and normalize each edge by its target's total. Targets
	// without incoming edges never show up in edgeTargets, so no division by
	// a zero total can happen.
	totals := ScatterAdd(Zeros(g, shapes.Make(dtype, numNodes, 1)), edgeTargets, scores, false, false)
	weights = Div(scores, Gather(totals, edgeTargets)) // [numEdges, 1]

	weighted := Mul(sourceStates, weights)
	pooled = ScatterAdd(Zeros(g, shapes.Make(dtype, numNodes, units)), edgeTargets, weighted, false, false)
	return
}

// MultiHead runs config.NumHeads independent attention heads over the same
// (state, edges) pair, merges them according to config.Merge and applies a
// rectifier to the merged result. Output is [numNodes, units*heads] for
// concat merge and [numNodes, units] for average merge.
func MultiHead(ctx *context.Context, config *Config, state, edgeTargets, edgeSources *Node) *Node {
	heads := make([]*Node, config.NumHeads)
	for headIdx := range heads {
		heads[headIdx] = Head(ctx.Inf("head_%d", headIdx), state, edgeTargets, edgeSources,
			config.HiddenUnits, config.ScoreClip, config.LeakySlope)
	}
	var merged *Node
	switch config.Merge {
	case MergeConcat:
		if len(heads) == 1 {
			merged = heads[0]
		} else {
			merged = Concatenate(heads, -1)
		}
	case MergeAverage:
		merged = heads[0]
		for _, head := range heads[1:] {
			merged = Add(merged, head)
		}
		if len(heads) > 1 {
			merged = DivScalar(merged, float64(len(heads)))
		}
	default:
		Panicf("unknown merge strategy %q: valid values are %q and %q", config.Merge, MergeConcat, MergeAverage)
	}
	return activations.Relu(merged)
}

// NodeClassification assembles the full network: a dense preprocessing
// projection (with rectifier) from the raw features to width units*heads,
// config.NumLayers residual multi-head aggregation layers, and a final dense
// projection to numClasses raw logits, shaped [numNodes, numClasses].
//
// It panics with a structural error if the configuration is invalid, before
// creating any variable.
func NodeClassification(ctx *context.Context, config *Config, features, edgeTargets, edgeSources *Node, numClasses int) *Node {
	if err := config.Validate(); err != nil {
		Panicf("invalid attention network configuration: %+v", err)
	}
	if numClasses < 2 {
		Panicf("node classification needs at least 2 classes, got %d", numClasses)
	}

	hidden := layers.DenseWithBias(ctx.In("preprocess"), features, config.hiddenWidth())
	hidden = activations.Relu(hidden)
	for layerIdx := range config.NumLayers {
		merged := MultiHead(ctx.Inf("layer_%d", layerIdx), config, hidden, edgeTargets, edgeSources)
		hidden = Add(hidden, merged)
	}
	return layers.DenseWithBias(ctx.In("readout"), hidden, numClasses)
}
