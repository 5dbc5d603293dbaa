package citegat

import (
	"io"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/gomlx/gomlx/types/tensors"
)

// Dataset yields batches of (node index, label) pairs from one split of the
// graph. It implements train.Dataset. The graph itself never travels in the
// batch -- ModelGraph reads it from the context -- so a batch is just an
// int32 indices tensor shaped [batchSize] plus a labels tensor shaped
// [batchSize, 1].
//
// In the default finite mode it yields every example once per Reset, with a
// possibly smaller final batch. Infinite mode reshuffles and restarts instead
// of returning io.EOF, always yielding full batches so the compiled training
// step keeps a single shape.
type Dataset struct {
	name      string
	indices   []int32
	labels    []int32
	batchSize int

	shuffle  bool
	infinite bool
	rng      *rand.Rand
	pos      int
}

// NewDataset creates a finite, unshuffled dataset over the given split.
// indices and labels must be parallel slices.
func NewDataset(name string, indices, labels []int32, batchSize int) (*Dataset, error) {
	if len(indices) == 0 {
		return nil, errors.Errorf("dataset %q: empty split", name)
	}
	if len(indices) != len(labels) {
		return nil, errors.Errorf("dataset %q: %d indices but %d labels", name, len(indices), len(labels))
	}
	if batchSize <= 0 || batchSize > len(indices) {
		return nil, errors.Errorf("dataset %q: batch size %d outside valid range [1, %d]",
			name, batchSize, len(indices))
	}
	ds := &Dataset{
		name:      name,
		indices:   append([]int32(nil), indices...),
		labels:    append([]int32(nil), labels...),
		batchSize: batchSize,
		rng:       rand.New(rand.NewSource(int64(len(indices)))),
	}
	return ds, nil
}

// Shuffle sets the dataset to reshuffle the examples at every restart.
// Returns the dataset for chaining.
func (ds *Dataset) Shuffle() *Dataset {
	ds.shuffle = true
	ds.reshuffle()
	return ds
}

// Infinite sets the dataset to loop forever, reshuffling (if Shuffle was set)
// whenever fewer than a full batch remains. Returns the dataset for chaining.
func (ds *Dataset) Infinite() *Dataset {
	ds.infinite = true
	return ds
}

// WithRandSeed reseeds the shuffling rng, for reproducible runs. Returns the
// dataset for chaining.
func (ds *Dataset) WithRandSeed(seed int64) *Dataset {
	ds.rng = rand.New(rand.NewSource(seed))
	if ds.shuffle {
		ds.reshuffle()
	}
	return ds
}

func (ds *Dataset) reshuffle() {
	ds.rng.Shuffle(len(ds.indices), func(i, j int) {
		ds.indices[i], ds.indices[j] = ds.indices[j], ds.indices[i]
		ds.labels[i], ds.labels[j] = ds.labels[j], ds.labels[i]
	})
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset restarts the dataset from the beginning, reshuffling if configured.
// It implements train.Dataset.
func (ds *Dataset) Reset() {
	ds.pos = 0
	if ds.shuffle {
		ds.reshuffle()
	}
}

// Yield returns the next batch. It implements train.Dataset: inputs is one
// [n] int32 indices tensor, labels one [n, 1] int32 tensor. Finite datasets
// return io.EOF after the last batch.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	remaining := len(ds.indices) - ds.pos
	if ds.infinite {
		if remaining < ds.batchSize {
			ds.Reset()
			remaining = len(ds.indices)
		}
	} else if remaining == 0 {
		return nil, nil, nil, io.EOF
	}

	n := ds.batchSize
	if n > remaining {
		n = remaining
	}
	batchIndices := ds.indices[ds.pos : ds.pos+n]
	batchLabels := ds.labels[ds.pos : ds.pos+n]
	ds.pos += n

	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batchIndices, n)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batchLabels, n, 1)}
	return
}
