package citegat

import (
	"github.com/pkg/errors"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/citenet/citegat/graphs"
)

// Predictor serves per-node class probabilities from a trained model. It is
// safe to reuse for many queries; the compiled graph is cached per batch
// shape.
type Predictor struct {
	exec       *context.Exec
	numNodes   int
	numClasses int
}

// NewPredictor builds the inference path over the given graph. ctx must hold
// the trained weights, either still in memory after Train or loaded from a
// checkpoint.
func NewPredictor(backend backends.Backend, ctx *context.Context, store *graphs.Store) *Predictor {
	store.Upload(ctx)
	exec := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, indices *Node) *Node {
		logits := ModelGraph(ctx, nil, []*Node{indices})[0]
		return Softmax(logits)
	})
	return &Predictor{
		exec:       exec,
		numNodes:   store.NumNodes(),
		numClasses: context.GetParamOr(ctx, ParamNumClasses, 7),
	}
}

// Predict returns one probability distribution over the classes per queried
// node, as a [len(nodes)][numClasses] matrix.
func (p *Predictor) Predict(nodes []int32) ([][]float32, error) {
	if len(nodes) == 0 {
		return nil, errors.New("no nodes to predict")
	}
	for _, node := range nodes {
		if node < 0 || int(node) >= p.numNodes {
			return nil, errors.Errorf("node index %d outside valid range [0, %d)", node, p.numNodes)
		}
	}
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		outputs = p.exec.Call(tensors.FromFlatDataAndDimensions(nodes, len(nodes)))
	})
	if err != nil {
		return nil, errors.WithMessage(err, "computing class probabilities")
	}
	probabilities := make([][]float32, len(nodes))
	tensors.ConstFlatData[float32](outputs[0], func(flat []float32) {
		for row := range probabilities {
			probabilities[row] = append([]float32(nil), flat[row*p.numClasses:(row+1)*p.numClasses]...)
		}
	})
	return probabilities, nil
}
