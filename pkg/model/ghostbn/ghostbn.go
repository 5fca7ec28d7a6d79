// Package ghostbn implements Ghost Batch Normalization:
// "Train longer, generalize better: closing the generalization gap in large
// batch training of neural networks" - https://arxiv.org/abs/1705.08741
package ghostbn

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
)

var (
	_ nn.Model = &Model{}
)

// Model normalizes a batch in virtual batches of at most VirtualBatchSize
// examples while training. In inference the running statistics are used on
// the whole batch.
type Model struct {
	nn.BaseModel
	VirtualBatchSize int
	BatchNorm        *BatchNorm
}

func New(size, virtualBatchSize int, momentum mat.Float) *Model {
	return &Model{
		VirtualBatchSize: virtualBatchSize,
		BatchNorm:        NewBatchNorm(size, momentum),
	}
}

func (m *Model) Forward(xs ...ag.Node) []ag.Node {
	if m.Mode() != nn.Training {
		return m.BatchNorm.Forward(xs...)
	}
	out := make([]ag.Node, 0, len(xs))
	for _, c := range Chunks(len(xs), m.VirtualBatchSize) {
		out = append(out, m.BatchNorm.Forward(xs[c[0]:c[1]]...)...)
	}
	return out
}

// Chunks splits n examples into ceil(n/virtualBatchSize) contiguous chunks of
// equal size, except for a shorter last one. Each chunk is a [start, end) pair.
func Chunks(n, virtualBatchSize int) [][2]int {
	if n == 0 {
		return nil
	}
	if virtualBatchSize <= 0 || virtualBatchSize >= n {
		return [][2]int{{0, n}}
	}
	numChunks := (n + virtualBatchSize - 1) / virtualBatchSize
	size := (n + numChunks - 1) / numChunks
	result := make([][2]int, 0, numChunks)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		result = append(result, [2]int{start, end})
	}
	return result
}
