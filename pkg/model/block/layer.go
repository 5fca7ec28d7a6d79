package block

import (
	"math"

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

// Layer is an abstract layer (ABSTLAY). Each of the NumGroups feature groups
// selects input features through a learnable sparse mask, projects them
// through a gated linear unit, and the group outputs are summed.
type Layer struct {
	nn.BaseModel
	InputDimension  int
	OutputDimension int
	NumGroups       int
	// Locality has one row of mask logits per group
	Locality  nn.Param `spago:"type:weights"`
	Dense     []*linear.Model
	BatchNorm []*ghostbn.Model
}

func NewLayer(inputDimension, outputDimension, numGroups, virtualBatchSize int, batchMomentum mat.Float) *Layer {
	dense := make([]*linear.Model, numGroups)
	norm := make([]*ghostbn.Model, numGroups)
	for i := 0; i < numGroups; i++ {
		dense[i] = linear.New(inputDimension, 2*outputDimension)
		norm[i] = ghostbn.New(2*outputDimension, virtualBatchSize, batchMomentum)
	}
	return &Layer{
		InputDimension:  inputDimension,
		OutputDimension: outputDimension,
		NumGroups:       numGroups,
		Locality:        nn.NewParam(mat.NewEmptyDense(numGroups, inputDimension)),
		Dense:           dense,
		BatchNorm:       norm,
	}
}

func (m *Layer) Init(generator *rand.LockedRand) {
	initializers.Uniform(m.Locality.Value(), 0, 1, generator)
	in := float64(m.InputDimension * m.NumGroups)
	out := float64(2 * m.OutputDimension * m.NumGroups)
	gain := mat.Float(math.Sqrt((in + out) / math.Sqrt(in)))
	for _, d := range m.Dense {
		initializers.XavierUniform(d.W.Value(), gain, generator)
	}
}

// Mask returns the sparse feature selection of a group as a column vector.
// It uses sparsemax so the mask stays inside the autodiff graph.
func (m *Layer) Mask(group int) ag.Node {
	g := m.Graph()
	return g.SparseMax(g.T(g.View(m.Locality, group, 0, 1, m.InputDimension)))
}

func (m *Layer) Forward(xs ...ag.Node) []ag.Node {
	g := m.Graph()
	out := make([]ag.Node, len(xs))
	for group := 0; group < m.NumGroups; group++ {
		mask := m.Mask(group)
		masked := make([]ag.Node, len(xs))
		for i, x := range xs {
			masked[i] = g.Prod(mask, x)
		}
		transformed := m.BatchNorm[group].Forward(m.Dense[group].Forward(masked...)...)
		for i := range transformed {
			gated := glu(g, m.OutputDimension, transformed[i])
			if out[i] == nil {
				out[i] = gated
			} else {
				out[i] = g.Add(out[i], gated)
			}
		}
	}
	return out
}

// glu splits x in two halves of size dim and returns relu(sigmoid(first) * second).
func glu(g *ag.Graph, dim int, x ag.Node) ag.Node {
	value := g.View(x, 0, 0, dim, 1)
	gate := g.View(x, dim, 0, dim, 1)
	return g.ReLU(g.Prod(g.Sigmoid(value), gate))
}
