package featuretransformer

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"

	"danet/pkg/model/ghostbn"
)

var (
	_ nn.Model = &Layer{}
)

// Layer is a gated linear unit whose dense weights are shared among decision
// steps while every step has its own ghost batch normalization.
type Layer struct {
	nn.BaseModel
	InputDimension               int
	IntermediateFeatureDimension int
	DenseLayer                   *linear.Model
	BatchNormLayer               []*ghostbn.Model
}

func NewLayer(inputDimension, featureDimension, numSteps, virtualBatchSize int, batchMomentum mat.Float) *Layer {
	norms := make([]*ghostbn.Model, numSteps)
	for i := range norms {
		norms[i] = ghostbn.New(2*featureDimension, virtualBatchSize, batchMomentum)
	}
	return &Layer{
		InputDimension:               inputDimension,
		IntermediateFeatureDimension: featureDimension,
		DenseLayer:                   linear.New(inputDimension, 2*featureDimension, linear.BiasGrad(false)),
		BatchNormLayer:               norms,
	}
}

func (m *Layer) Init(generator *rand.LockedRand) {
	initializers.XavierUniform(m.DenseLayer.W.Value(), initializers.Gain(ag.OpSigmoid), generator)
}

func (m *Layer) Process(step int, xs ...ag.Node) []ag.Node {
	transformedInput := m.DenseLayer.Forward(xs...)
	transformedInput = m.BatchNormLayer[step].Forward(transformedInput...)
	out := make([]ag.Node, len(xs))
	for i := range out {
		out[i] = glu(m.Graph(), m.IntermediateFeatureDimension, transformedInput[i])
	}
	return out
}

func glu(g *ag.Graph, half int, x ag.Node) ag.Node {
	value := g.View(x, 0, 0, half, 1)
	gate := g.View(x, half, 0, half, 1)
	return g.Prod(value, g.Sigmoid(gate))
}
