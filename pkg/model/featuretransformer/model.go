// Package featuretransformer implements the TabNet feature transformer block.
package featuretransformer

import (
	"math"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
)

var (
	_ nn.Model = &Model{}
)

// Model is a two layer feature transformer block
type Model struct {
	nn.BaseModel
	Layer1 *Layer
	Layer2 *Layer
}

func New(numInputFeatures, featureDimension, numSteps, virtualBatchSize int, batchMomentum mat.Float) *Model {
	return &Model{
		Layer1: NewLayer(numInputFeatures, featureDimension, numSteps, virtualBatchSize, batchMomentum),
		Layer2: NewLayer(featureDimension, featureDimension, numSteps, virtualBatchSize, batchMomentum),
	}
}

func (m *Model) Init(generator *rand.LockedRand) {
	m.Layer1.Init(generator)
	m.Layer2.Init(generator)
}

var SquareRootHalf = mat.Float(math.Sqrt(0.5))

// Process runs the block for a decision step. The residual connection around the
// first layer is skipped when its input width differs from the feature dimension.
func (m *Model) Process(step int, xs []ag.Node, skipResidualInput bool) []ag.Node {
	g := m.Graph()
	theta := g.Constant(SquareRootHalf)

	l1 := m.Layer1.Process(step, xs...)
	if !skipResidualInput {
		for i := range xs {
			l1[i] = g.ProdScalar(g.Add(l1[i], xs[i]), theta)
		}
	}
	l2 := m.Layer2.Process(step, l1...)
	for i := range xs {
		l2[i] = g.ProdScalar(g.Add(l1[i], l2[i]), theta)
	}
	return l2
}
