// Package block implements the building block of:
// "DANets: Deep Abstract Networks for Tabular Data Classification and Regression" - https://arxiv.org/abs/2112.02962
package block

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"

	"danet/pkg/model/activation"
)

var (
	_ nn.Model = &Model{}
)

// Params are shared by every block of a backbone.
type Params struct {
	// FixInputDimension is the width of the embedded input re-injected into every block
	FixInputDimension int
	NumGroups         int
	AbstlayDim1       int
	AbstlayDim2       int
	DropoutRate       mat.Float
	VirtualBatchSize  int
	BatchMomentum     mat.Float
	Activation        activation.Type
}

// Model is a basic block: two stacked abstract layers over the previous block
// output, plus a shortcut abstract layer over the raw input.
type Model struct {
	nn.BaseModel
	InputDimension int
	DropoutRate    mat.Float
	Activation     activation.Type
	Conv1          *Layer
	Conv2          *Layer
	Downsample     *Layer
}

func New(inputDimension int, p Params) *Model {
	return &Model{
		InputDimension: inputDimension,
		DropoutRate:    p.DropoutRate,
		Activation:     p.Activation,
		Conv1:          NewLayer(inputDimension, p.AbstlayDim1, p.NumGroups, p.VirtualBatchSize, p.BatchMomentum),
		Conv2:          NewLayer(p.AbstlayDim1, p.AbstlayDim2, p.NumGroups, p.VirtualBatchSize, p.BatchMomentum),
		Downsample:     NewLayer(p.FixInputDimension, p.AbstlayDim2, p.NumGroups, p.VirtualBatchSize, p.BatchMomentum),
	}
}

func (m *Model) Init(generator *rand.LockedRand) {
	m.Conv1.Init(generator)
	m.Conv2.Init(generator)
	m.Downsample.Init(generator)
}

func (m *Model) OutputDimension() int {
	return m.Conv2.OutputDimension
}

// Forward processes xs as both the raw input and the previous output.
func (m *Model) Forward(xs ...ag.Node) []ag.Node {
	return m.Process(xs, xs)
}

// Process computes activation(conv2(conv1(previous)) + downsample(dropout(xs))).
// xs is always the raw embedded input, previous is the output of the preceding block.
func (m *Model) Process(xs, previous []ag.Node) []ag.Node {
	g := m.Graph()
	out := m.Conv2.Forward(m.Conv1.Forward(previous...)...)
	identity := m.Downsample.Forward(m.dropout(xs)...)
	for i := range out {
		out[i] = m.Activation.Apply(g, g.Add(out[i], identity[i]))
	}
	return out
}

func (m *Model) dropout(xs []ag.Node) []ag.Node {
	if m.DropoutRate <= 0 || m.Mode() != nn.Training {
		return xs
	}
	g := m.Graph()
	out := make([]ag.Node, len(xs))
	for i, x := range xs {
		out[i] = g.Dropout(x, m.DropoutRate)
	}
	return out
}
