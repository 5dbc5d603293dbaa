// Package graphs holds the static citation graph consumed by the attention
// model: the node feature matrix, the directed edge list and the per-node
// labels.
//
// A Store is immutable once built and is shared by training, evaluation and
// inference. Store.Upload copies its tensors into frozen (non-trainable)
// context variables under VariablesScope, so model graphs can refer to the
// full graph without it being fed as an input on every call -- only the batch
// of node indices travels through the feed.
package graphs

import (
	"github.com/pkg/errors"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
)

const (
	// VariablesScope is the absolute context scope where Upload stores the
	// graph tensors.
	VariablesScope = "/graph"

	// Variable names within VariablesScope.
	FeaturesName    = "features"
	EdgeTargetsName = "edge_targets"
	EdgeSourcesName = "edge_sources"
)

// UnlabeledNode marks nodes without a known label in the labels slice given
// to New. Such nodes can be aggregated over and predicted on, but cannot be
// part of a train/validation/test split.
const UnlabeledNode = int32(-1)

// Store is an in-memory citation graph: numNodes nodes with dense float32
// features, and a directed edge list in target/source ("cited"/"citing")
// form. It is read-only after New.
type Store struct {
	features    *tensors.Tensor // shape [numNodes, numFeatures]
	edgeTargets *tensors.Tensor // shape [numEdges, 1], int32
	edgeSources *tensors.Tensor // shape [numEdges, 1], int32
	labels      []int32

	numNodes, numFeatures, numEdges int
}

// New builds a Store from flat data. features must be row-major with
// numNodes*numFeatures values. edgeTargets[i] receives a message from
// edgeSources[i]; both must be node ids in [0, numNodes). labels must have
// one entry per node, with UnlabeledNode for nodes whose class is unknown;
// it may be nil for a label-free graph (inference only).
//
// All referential problems -- mismatched lengths, edge endpoints outside the
// node range -- are reported here, before any computation graph is built.
func New(numNodes, numFeatures int, features []float32, edgeTargets, edgeSources []int32, labels []int32) (*Store, error) {
	if numNodes <= 0 || numFeatures <= 0 {
		return nil, errors.Errorf("graph must have at least one node and one feature, got numNodes=%d, numFeatures=%d",
			numNodes, numFeatures)
	}
	if len(features) != numNodes*numFeatures {
		return nil, errors.Errorf("features has %d values, want numNodes*numFeatures=%d*%d=%d",
			len(features), numNodes, numFeatures, numNodes*numFeatures)
	}
	if len(edgeTargets) != len(edgeSources) {
		return nil, errors.Errorf("edge list is ragged: %d targets but %d sources",
			len(edgeTargets), len(edgeSources))
	}
	if labels != nil && len(labels) != numNodes {
		return nil, errors.Errorf("labels has %d entries, want one per node (%d)", len(labels), numNodes)
	}
	for i, t := range edgeTargets {
		if t < 0 || int(t) >= numNodes {
			return nil, errors.Errorf("edge %d: target node %d outside valid range [0, %d)", i, t, numNodes)
		}
		if s := edgeSources[i]; s < 0 || int(s) >= numNodes {
			return nil, errors.Errorf("edge %d: source node %d outside valid range [0, %d)", i, s, numNodes)
		}
	}
	numEdges := len(edgeTargets)
	s := &Store{
		features:    tensors.FromFlatDataAndDimensions(features, numNodes, numFeatures),
		edgeTargets: tensors.FromFlatDataAndDimensions(edgeTargets, numEdges, 1),
		edgeSources: tensors.FromFlatDataAndDimensions(edgeSources, numEdges, 1),
		labels:      labels,
		numNodes:    numNodes,
		numFeatures: numFeatures,
		numEdges:    numEdges,
	}
	return s, nil
}

// NumNodes returns the number of nodes in the graph.
func (s *Store) NumNodes() int { return s.numNodes }

// NumFeatures returns the width of the node feature vectors.
func (s *Store) NumFeatures() int { return s.numFeatures }

// NumEdges returns the number of directed edges.
func (s *Store) NumEdges() int { return s.numEdges }

// Labels returns the per-node labels slice (or nil for a label-free graph).
// The returned slice is owned by the Store and must not be modified.
func (s *Store) Labels() []int32 { return s.labels }

// LabelsFor gathers the labels of the given node indices. It fails if any
// index is out of range or refers to an unlabeled node -- split members must
// always be labeled.
func (s *Store) LabelsFor(indices []int32) ([]int32, error) {
	if s.labels == nil {
		return nil, errors.New("graph has no labels")
	}
	out := make([]int32, len(indices))
	for i, idx := range indices {
		if idx < 0 || int(idx) >= s.numNodes {
			return nil, errors.Errorf("node index %d outside valid range [0, %d)", idx, s.numNodes)
		}
		label := s.labels[idx]
		if label == UnlabeledNode {
			return nil, errors.Errorf("node %d has no label", idx)
		}
		out[i] = label
	}
	return out, nil
}

// Upload stores the graph tensors as frozen variables under VariablesScope,
// shared by every graph built from ctx afterwards. Calling it again on the
// same context resets the values.
func (s *Store) Upload(ctx *context.Context) {
	ctxG := ctx.InAbsPath(VariablesScope).Checked(false)
	ctxG.VariableWithValue(FeaturesName, s.features).SetTrainable(false)
	ctxG.VariableWithValue(EdgeTargetsName, s.edgeTargets).SetTrainable(false)
	ctxG.VariableWithValue(EdgeSourcesName, s.edgeSources).SetTrainable(false)
}

// NodeFeatures returns the [numNodes, numFeatures] features matrix as a node
// of the graph g. It panics if Store.Upload wasn't called on ctx.
func NodeFeatures(ctx *context.Context, g *Graph) *Node {
	return storeVar(ctx, g, FeaturesName)
}

// EdgeTargets returns the [numEdges, 1] int32 edge target ids as a node of
// the graph g.
func EdgeTargets(ctx *context.Context, g *Graph) *Node {
	return storeVar(ctx, g, EdgeTargetsName)
}

// EdgeSources returns the [numEdges, 1] int32 edge source ids as a node of
// the graph g.
func EdgeSources(ctx *context.Context, g *Graph) *Node {
	return storeVar(ctx, g, EdgeSourcesName)
}

func storeVar(ctx *context.Context, g *Graph, name string) *Node {
	v := ctx.GetVariableByScopeAndName(VariablesScope, name)
	if v == nil {
		Panicf("graph variable %q not found in scope %q -- call Store.Upload on the context before building the model",
			name, VariablesScope)
	}
	return v.ValueGraph(g)
}

// Splits partitions labeled node ids into the three disjoint sets used by the
// training driver.
type Splits struct {
	Train, Validation, Test []int32
}

// Validate checks every split index is a valid node id and that no node
// appears in more than one split.
func (sp *Splits) Validate(numNodes int) error {
	if len(sp.Train) == 0 {
		return errors.New("train split is empty")
	}
	seen := make(map[int32]string, len(sp.Train)+len(sp.Validation)+len(sp.Test))
	for _, part := range []struct {
		name    string
		indices []int32
	}{
		{"train", sp.Train},
		{"validation", sp.Validation},
		{"test", sp.Test},
	} {
		for _, idx := range part.indices {
			if idx < 0 || int(idx) >= numNodes {
				return errors.Errorf("%s split: node index %d outside valid range [0, %d)", part.name, idx, numNodes)
			}
			if prev, found := seen[idx]; found {
				return errors.Errorf("node %d appears in both the %s and %s splits", idx, prev, part.name)
			}
			seen[idx] = part.name
		}
	}
	return nil
}
