// Package citegat trains, evaluates and serves a graph-attention (GAT) node
// classifier over a static citation graph: the full graph lives in frozen
// context variables, every forward pass covers all nodes, and batches carry
// only node indices whose logits are gathered for the loss.
//
// The model itself is in the attention package; the graph container in
// graphs; this package wires them to a train.Loop with momentum SGD and
// early stopping on validation accuracy.
package citegat

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"

	"github.com/citenet/citegat/attention"
	"github.com/citenet/citegat/momentum"
)

const (
	// ParamNumClasses is the context parameter with the number of output
	// classes. Default is 7 (Cora's topic count).
	ParamNumClasses = "num_classes"

	// ParamBatchSize is the context parameter with the training batch size.
	ParamBatchSize = "batch_size"

	// ParamMaxEpochs is the context parameter with the maximum number of
	// training epochs; early stopping usually halts before it.
	ParamMaxEpochs = "max_epochs"

	// ParamPatience is the context parameter with the number of consecutive
	// epochs without validation improvement tolerated before stopping.
	ParamPatience = "early_stop_patience"

	// ParamMinDelta is the context parameter with the minimum validation
	// accuracy improvement that resets the patience counter.
	ParamMinDelta = "early_stop_min_delta"

	// ParamNumCheckpoints is the context parameter with how many checkpoints
	// to keep, when a checkpoint directory is configured.
	ParamNumCheckpoints = "num_checkpoints"
)

// CreateDefaultContext creates a context with the default hyperparameters.
// They can be overridden with a yaml config file or --set on the command
// line, or programmatically via Context.SetParams.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		// Model:
		ParamNumClasses:            7,
		attention.ParamHiddenUnits: 100,
		attention.ParamNumHeads:    8,
		attention.ParamNumLayers:   3,
		attention.ParamMergeType:   attention.MergeConcat,
		attention.ParamScoreClip:   2.0,
		attention.ParamLeakySlope:  0.2,

		// Training:
		ParamBatchSize:               256,
		ParamMaxEpochs:               100,
		ParamPatience:                5,
		ParamMinDelta:                1e-5,
		optimizers.ParamLearningRate: 0.3,
		momentum.ParamMomentum:       0.9,
		ParamNumCheckpoints:          3,
	})
	return ctx
}
