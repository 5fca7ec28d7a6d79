package model

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"

	"danet/pkg/model/block"
	"danet/pkg/model/embedding"
)

var (
	_ nn.Model = &DANetBackbone{}
	_ Backbone = &DANetBackbone{}
)

// DANetBackbone is an implementation of:
// "DANets: Deep Abstract Networks for Tabular Data Classification and Regression" - https://arxiv.org/abs/2112.02962
//
// Every block after the first one receives both the embedded input and the
// output of the previous block.
type DANetBackbone struct {
	nn.BaseModel
	InputDimension  int
	OutputDimension int
	InitLayer       *block.Model
	Layers          []*block.Model
}

func NewDANetBackbone(spec embedding.Spec, config DANetConfig) (*DANetBackbone, error) {
	if config.NLayers < 1 {
		return nil, invalid("DANet needs at least one block, got n_layers=%d", config.NLayers)
	}
	if err := spec.Validate(); err != nil {
		return nil, invalid("%v", err)
	}
	dim2 := config.AbstlayDim2
	if dim2 == 0 {
		dim2 = 2 * config.AbstlayDim1
	}
	inputDimension := spec.InputDim()
	params := block.Params{
		FixInputDimension: inputDimension,
		NumGroups:         config.K,
		AbstlayDim1:       config.AbstlayDim1,
		AbstlayDim2:       dim2,
		DropoutRate:       mat.Float(config.DropoutRate),
		VirtualBatchSize:  config.VirtualBatchSize,
		BatchMomentum:     mat.Float(config.BatchMomentum),
		Activation:        config.BlockActivation,
	}
	layers := make([]*block.Model, config.NLayers-1)
	for i := range layers {
		layers[i] = block.New(dim2, params)
	}
	return &DANetBackbone{
		InputDimension:  inputDimension,
		OutputDimension: dim2,
		InitLayer:       block.New(inputDimension, params),
		Layers:          layers,
	}, nil
}

func (m *DANetBackbone) Init(generator *rand.LockedRand) {
	m.InitLayer.Init(generator)
	for _, l := range m.Layers {
		l.Init(generator)
	}
}

func (m *DANetBackbone) InputDim() int {
	return m.InputDimension
}

func (m *DANetBackbone) OutputDim() int {
	return m.OutputDimension
}

// NumBlocks counts the initial block and the repeated ones.
func (m *DANetBackbone) NumBlocks() int {
	return 1 + len(m.Layers)
}

func (m *DANetBackbone) Forward(xs ...ag.Node) []ag.Node {
	out := m.InitLayer.Forward(xs...)
	for _, l := range m.Layers {
		out = l.Process(xs, out)
	}
	return out
}
