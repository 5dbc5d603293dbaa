package citegat

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"

	"github.com/citenet/citegat/attention"
	"github.com/citenet/citegat/earlystop"
	"github.com/citenet/citegat/graphs"
	"github.com/citenet/citegat/momentum"
)

// Train runs the full training driver: it uploads the graph to the context,
// loops over shuffled training batches with momentum SGD, checks validation
// accuracy once per epoch for early stopping, restores the best weights if
// the stop triggers, and finally reports loss/accuracy on all three splits.
//
// If checkpointDir is not empty, checkpoints are saved there periodically and
// at the end (graph tensors excluded -- they are data, not parameters).
func Train(backend backends.Backend, ctx *context.Context, store *graphs.Store, splits *graphs.Splits, checkpointDir string) error {
	// Structural validation happens before any computation graph is built.
	if err := splits.Validate(store.NumNodes()); err != nil {
		return err
	}
	if err := attention.ConfigFromContext(ctx).Validate(); err != nil {
		return err
	}
	store.Upload(ctx)

	batchSize := context.GetParamOr(ctx, ParamBatchSize, 256)
	maxEpochs := context.GetParamOr(ctx, ParamMaxEpochs, 100)
	patience := context.GetParamOr(ctx, ParamPatience, 5)
	minDelta := context.GetParamOr(ctx, ParamMinDelta, 1e-5)
	if batchSize > len(splits.Train) {
		batchSize = len(splits.Train)
	}

	trainLabels, err := store.LabelsFor(splits.Train)
	if err != nil {
		return err
	}
	validationLabels, err := store.LabelsFor(splits.Validation)
	if err != nil {
		return err
	}
	trainDS, err := NewDataset("train", splits.Train, trainLabels, batchSize)
	if err != nil {
		return err
	}
	trainDS.Shuffle().Infinite()

	trainer := newTrainer(backend, ctx)
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	var checkpoint *checkpoints.Handler
	if checkpointDir != "" {
		// The frozen graph tensors are uploaded from the Store on every run,
		// no point saving them alongside the weights.
		var graphVars []*context.Variable
		ctx.InAbsPath(graphs.VariablesScope).EnumerateVariablesInScope(func(v *context.Variable) {
			graphVars = append(graphVars, v)
		})
		numKeep := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint, err = checkpoints.Build(ctx).Dir(checkpointDir).Keep(numKeep).
			ExcludeVars(graphVars...).Done()
		if err != nil {
			return errors.WithMessagef(err, "setting up checkpointing in %q", checkpointDir)
		}
		train.PeriodicCallback(loop, time.Minute, false, "checkpointing", 100,
			func(loop *train.Loop, _ []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	stepsPerEpoch := (len(splits.Train) + batchSize - 1) / batchSize
	monitor := earlystop.Attach(loop, ctx, stepsPerEpoch, patience, minDelta,
		newValidationMetric(backend, ctx, splits.Validation, validationLabels))

	_, err = loop.RunSteps(trainDS, stepsPerEpoch*maxEpochs)
	if err != nil {
		if !errors.Is(err, earlystop.ErrStopped) {
			return errors.WithMessage(err, "training loop")
		}
		best, bestStep := monitor.Best()
		klog.Infof("early stopping at step %d: best validation accuracy %.2f%% seen at step %d, restoring those weights",
			loop.LoopStep, 100*best, bestStep)
		if err = monitor.RestoreBest(); err != nil {
			return err
		}
	}
	if checkpoint != nil {
		if err = checkpoint.Save(); err != nil {
			return errors.WithMessage(err, "saving final checkpoint")
		}
	}

	fmt.Println()
	return evalAndReport(trainer, store, splits, batchSize)
}

// Eval reports loss and accuracy over every non-empty split, without updating
// any parameter. ctx must hold trained weights (from Train or a loaded
// checkpoint).
func Eval(backend backends.Backend, ctx *context.Context, store *graphs.Store, splits *graphs.Splits) error {
	if err := splits.Validate(store.NumNodes()); err != nil {
		return err
	}
	store.Upload(ctx)
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 256)
	return evalAndReport(newTrainer(backend, ctx), store, splits, batchSize)
}

func newTrainer(backend backends.Backend, ctx *context.Context) *train.Trainer {
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	return train.NewTrainer(backend, ctx,
		ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizerFromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics
}

// optimizerFromContext returns momentum SGD by default, or whatever the
// "optimizer" context parameter names (e.g. "adam", for experimentation).
func optimizerFromContext(ctx *context.Context) optimizers.Interface {
	name := context.GetParamOr(ctx, optimizers.ParamOptimizer, "sgd")
	if name == "sgd" {
		return momentum.New().FromContext(ctx).Done()
	}
	return optimizers.FromContext(ctx)
}

func evalAndReport(trainer *train.Trainer, store *graphs.Store, splits *graphs.Splits, batchSize int) error {
	var datasets []train.Dataset
	for _, part := range []struct {
		name    string
		indices []int32
	}{
		{"train", splits.Train},
		{"validation", splits.Validation},
		{"test", splits.Test},
	} {
		if len(part.indices) == 0 {
			continue
		}
		labels, err := store.LabelsFor(part.indices)
		if err != nil {
			return err
		}
		n := batchSize
		if n > len(part.indices) {
			n = len(part.indices)
		}
		ds, err := NewDataset(part.name, part.indices, labels, n)
		if err != nil {
			return err
		}
		datasets = append(datasets, ds)
	}
	return commandline.ReportEval(trainer, datasets...)
}

// newValidationMetric builds the per-epoch validation pass used for early
// stopping: mean loss and accuracy over the whole validation split in one
// call, logged per epoch. The returned metric (higher is better) is the
// accuracy.
func newValidationMetric(backend backends.Backend, ctx *context.Context, indices, labels []int32) earlystop.MetricFn {
	indicesT := tensors.FromFlatDataAndDimensions(indices, len(indices))
	labelsT := tensors.FromFlatDataAndDimensions(labels, len(labels), 1)
	evalExec := context.NewExec(backend, ctx.Reuse(),
		func(ctx *context.Context, indices, labels *Node) []*Node {
			logits := ModelGraph(ctx, nil, []*Node{indices})[0]
			loss := ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{labels}, []*Node{logits}))
			predictions := ArgMax(logits, -1, labels.DType())
			flatLabels := Reshape(labels, labels.Shape().Dimensions[0])
			accuracy := ReduceAllMean(ConvertDType(Equal(predictions, flatLabels), logits.DType()))
			return []*Node{loss, accuracy}
		})
	epoch := 0
	return func() (float64, error) {
		epoch++
		var results []*tensors.Tensor
		err := exceptions.TryCatch[error](func() { results = evalExec.Call(indicesT, labelsT) })
		if err != nil {
			return 0, errors.WithMessage(err, "validation evaluation")
		}
		loss := float64(tensors.ToScalar[float32](results[0]))
		accuracy := float64(tensors.ToScalar[float32](results[1]))
		klog.Infof("epoch %d: validation loss=%.4f, accuracy=%.2f%%", epoch, loss, 100*accuracy)
		return accuracy, nil
	}
}
