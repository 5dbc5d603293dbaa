package citegat

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gomlx/types/tensors"
)

func yieldBatch(t *testing.T, ds *Dataset) (indices, labels []int32) {
	t.Helper()
	_, inputs, labelsT, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.Len(t, labelsT, 1)
	indices = tensors.CopyFlatData[int32](inputs[0])
	labels = tensors.CopyFlatData[int32](labelsT[0])
	require.Equal(t, []int{len(indices)}, inputs[0].Shape().Dimensions)
	require.Equal(t, []int{len(labels), 1}, labelsT[0].Shape().Dimensions)
	return
}

func TestDatasetFinite(t *testing.T) {
	ds, err := NewDataset("test", []int32{0, 1, 2, 3, 4}, []int32{10, 11, 12, 13, 14}, 2)
	require.NoError(t, err)

	indices, labels := yieldBatch(t, ds)
	assert.Equal(t, []int32{0, 1}, indices)
	assert.Equal(t, []int32{10, 11}, labels)

	indices, _ = yieldBatch(t, ds)
	assert.Equal(t, []int32{2, 3}, indices)

	// Final partial batch.
	indices, labels = yieldBatch(t, ds)
	assert.Equal(t, []int32{4}, indices)
	assert.Equal(t, []int32{14}, labels)

	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)

	ds.Reset()
	indices, _ = yieldBatch(t, ds)
	assert.Equal(t, []int32{0, 1}, indices)
}

func TestDatasetShufflePreservesPairing(t *testing.T) {
	indices := []int32{3, 5, 7, 9, 11, 13}
	labels := []int32{30, 50, 70, 90, 110, 130}
	ds, err := NewDataset("test", indices, labels, 3)
	require.NoError(t, err)
	ds.Shuffle().WithRandSeed(42)

	seen := make(map[int32]bool)
	for range 2 {
		batchIndices, batchLabels := yieldBatch(t, ds)
		for i, idx := range batchIndices {
			assert.Equalf(t, idx*10, batchLabels[i], "label must follow its index through shuffling")
			seen[idx] = true
		}
	}
	assert.Len(t, seen, len(indices), "one epoch must cover every example")
}

func TestDatasetInfinite(t *testing.T) {
	ds, err := NewDataset("test", []int32{0, 1, 2, 3, 4}, []int32{0, 1, 2, 3, 4}, 2)
	require.NoError(t, err)
	ds.Shuffle().Infinite()

	// Infinite datasets always yield full batches, restarting as needed.
	for range 10 {
		indices, _ := yieldBatch(t, ds)
		assert.Len(t, indices, 2)
	}
}

func TestDatasetValidation(t *testing.T) {
	_, err := NewDataset("test", []int32{0, 1}, []int32{0}, 1)
	assert.Error(t, err, "ragged indices/labels must be rejected")

	_, err = NewDataset("test", []int32{0, 1}, []int32{0, 1}, 3)
	assert.Error(t, err, "batch size larger than the split must be rejected")

	_, err = NewDataset("test", nil, nil, 1)
	assert.Error(t, err, "empty split must be rejected")
}
