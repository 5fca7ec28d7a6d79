package io

import (
	"math/rand"
)

// DataSet iterates over records in batches, in the original or a shuffled order.
type DataSet struct {
	Data      []*DataRecord
	BatchSize int
	Rand      *rand.Rand

	// dataIndices selects the records of Data belonging to the set
	dataIndices  []int
	currentOrder []int
	currentIndex int
}

type DatasetOrder int

const (
	OriginalOrder DatasetOrder = iota
	RandomOrder
)

func NewDataSet(data []*DataRecord, batchSize int) *DataSet {
	dataIndices := make([]int, len(data))
	for i := range dataIndices {
		dataIndices[i] = i
	}
	return newDataSet(data, batchSize, dataIndices, nil)
}

func newDataSet(data []*DataRecord, batchSize int, indices []int, generator *rand.Rand) *DataSet {
	ds := &DataSet{Data: data, BatchSize: batchSize, Rand: generator, dataIndices: indices}
	ds.ResetOrder(OriginalOrder)
	return ds
}

// ResetOrder rewinds the set. RandomOrder requires Rand.
func (d *DataSet) ResetOrder(order DatasetOrder) {
	if d.currentOrder == nil {
		d.currentOrder = make([]int, len(d.dataIndices))
	}
	switch order {
	case OriginalOrder:
		copy(d.currentOrder, d.dataIndices)
	case RandomOrder:
		for i, j := range d.Rand.Perm(len(d.currentOrder)) {
			d.currentOrder[i] = d.dataIndices[j]
		}
	}
	d.currentIndex = 0
}

// Next returns the next batch, which is empty once the set is exhausted.
func (d *DataSet) Next() DataBatch {
	batch := make(DataBatch, 0, d.BatchSize)
	for ; d.currentIndex < len(d.currentOrder) && len(batch) < d.BatchSize; d.currentIndex++ {
		batch = append(batch, d.Data[d.currentOrder[d.currentIndex]])
	}
	return batch
}

// Batches splits the whole set, in its current order, into batches.
func (d *DataSet) Batches() []DataBatch {
	d.currentIndex = 0
	var batches []DataBatch
	for batch := d.Next(); len(batch) > 0; batch = d.Next() {
		batches = append(batches, batch)
	}
	d.currentIndex = 0
	return batches
}

func (d *DataSet) Size() int {
	return len(d.dataIndices)
}

// RandomSplit shuffles the records and splits them into sets of the given sizes.
func (d *DataSet) RandomSplit(sizes ...int) []*DataSet {
	indices := make([]int, len(d.dataIndices))
	copy(indices, d.dataIndices)
	d.Rand.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
	splits := make([]*DataSet, len(sizes))
	idx := 0
	for i := range sizes {
		splits[i] = newDataSet(d.Data, d.BatchSize, indices[idx:idx+sizes[i]], d.Rand)
		idx += sizes[i]
	}
	return splits
}

// SplitValidation holds out a fraction of the records for validation. With a zero fraction, or too few
// records, the validation set is nil.
func (d *DataSet) SplitValidation(fraction float64) (train, validation *DataSet) {
	size := int(fraction * float64(d.Size()))
	if size < 1 || size >= d.Size() {
		return d, nil
	}
	splits := d.RandomSplit(d.Size()-size, size)
	return splits[0], splits[1]
}
