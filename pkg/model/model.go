package model

import (
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/pkg/errors"

	mat "github.com/nlpodyssey/spago/pkg/mat32"

	"danet/pkg/model/embedding"
	"danet/pkg/model/head"
)

var (
	_ nn.Model = &Network{}
)

// Backbone maps the embedded input to a feature representation.
type Backbone interface {
	nn.Model
	Init(generator *rand.LockedRand)
	Forward(xs ...ag.Node) []ag.Node
	InputDim() int
	OutputDim() int
}

// Regularizer is implemented by backbones contributing a per-example term to the training loss.
type Regularizer interface {
	Regularization() []ag.Node
}

// Head maps backbone features to predictions.
type Head interface {
	nn.Model
	Init(generator *rand.LockedRand)
	Forward(xs ...ag.Node) []ag.Node
	OutputDim() int
}

// Model is a trained network along with the metadata needed to parse its input.
type Model struct {
	MetaData *Metadata
	Network  *Network
}

// Network chains an embedding layer, a backbone and a head.
type Network struct {
	nn.BaseModel
	Name            string
	Hyperparameters ModelConfig
	EmbeddingModel  *embedding.Model
	BackboneModel   Backbone
	HeadModel       Head
}

// Output is the result of a forward pass, one node per example.
type Output struct {
	Predictions []ag.Node
	Features    []ag.Node
	// Mixtures is only set by a mixture density head
	Mixtures []head.Mixture
	// Regularization is only set by backbones implementing Regularizer
	Regularization []ag.Node
}

// New validates the configuration and builds a network for inputs described by
// spec. outputDim is the number of classes for classification and 1 for regression.
func New(config Config, spec embedding.Spec, outputDim int) (*Network, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, invalid("%v", err)
	}
	base := *config.Base()
	if base.Task != FeatureExtraction && outputDim < 1 {
		return nil, invalid("output dimension must be positive, got %d", outputDim)
	}

	backbone, err := config.NewBackbone(spec)
	if err != nil {
		return nil, err
	}
	embeddingLayer := embedding.New(spec, embedding.Options{
		Dropout:                  mat.Float(base.EmbeddingDropout),
		BatchNormContinuousInput: base.BatchNormContinuousInput,
		VirtualBatchSize:         base.VirtualBatchSize,
		BatchMomentum:            mat.Float(base.BatchMomentum),
	})
	taskHead, err := newHead(base, backbone.OutputDim(), outputDim)
	if err != nil {
		return nil, err
	}
	return &Network{
		Name:            config.Name(),
		Hyperparameters: base,
		EmbeddingModel:  embeddingLayer,
		BackboneModel:   backbone,
		HeadModel:       taskHead,
	}, nil
}

func newHead(config ModelConfig, inputDim, outputDim int) (Head, error) {
	switch config.Head {
	case NoHead:
		return &head.Identity{Dim: inputDim}, nil
	case MixtureDensityHead:
		h, err := head.NewMixtureDensity(inputDim, config.HeadConfig.MixtureDensityConfig)
		if err != nil {
			return nil, invalid("%v", err)
		}
		return h, nil
	default:
		h, err := head.NewLinear(inputDim, outputDim, config.HeadConfig.LinearConfig, mat.Float(config.BatchMomentum))
		if err != nil {
			return nil, invalid("%v", err)
		}
		return h, nil
	}
}

func (m *Network) Init(generator *rand.LockedRand) {
	m.EmbeddingModel.Init(generator)
	m.BackboneModel.Init(generator)
	m.HeadModel.Init(generator)
}

// Reify binds the network to a graph and processing mode.
func (m *Network) Reify(ctx nn.Context) *Network {
	return nn.Reify(ctx, m).(*Network)
}

func (m *Network) EmbeddingLayer() *embedding.Model {
	return m.EmbeddingModel
}

func (m *Network) Backbone() Backbone {
	return m.BackboneModel
}

func (m *Network) Head() Head {
	return m.HeadModel
}

func (m *Network) Config() ModelConfig {
	return m.Hyperparameters
}

// NumParams counts the scalar parameters of the network.
func (m *Network) NumParams() int {
	count := 0
	nn.ForEachParam(m, func(param nn.Param) {
		count += param.Value().Size()
	})
	return count
}

// Forward runs embedding, backbone and head over a batch. The network must be reified.
func (m *Network) Forward(batch []embedding.Sample) (Output, error) {
	if len(batch) == 0 {
		return Output{}, nil
	}
	for i, s := range batch {
		if err := m.EmbeddingModel.CheckSample(s); err != nil {
			return Output{}, errors.Wrapf(err, "sample %d", i)
		}
	}

	features := m.BackboneModel.Forward(m.EmbeddingModel.Forward(batch)...)
	out := Output{Features: features}
	if r, ok := m.BackboneModel.(Regularizer); ok {
		out.Regularization = r.Regularization()
	}

	if mdn, ok := m.HeadModel.(*head.MixtureDensity); ok {
		out.Mixtures = mdn.Mixture(features...)
		out.Predictions = make([]ag.Node, len(out.Mixtures))
		for i, mix := range out.Mixtures {
			out.Predictions[i] = mdn.PointEstimate(mix)
		}
		return out, nil
	}

	out.Predictions = m.HeadModel.Forward(features...)
	if m.Hyperparameters.Task == Regression && len(m.Hyperparameters.TargetRange) == 2 {
		out.Predictions = m.scaleToTargetRange(out.Predictions)
	}
	return out, nil
}

// scaleToTargetRange squashes predictions into (low, high) with a sigmoid.
func (m *Network) scaleToTargetRange(xs []ag.Node) []ag.Node {
	g := m.Graph()
	low := mat.Float(m.Hyperparameters.TargetRange[0])
	width := mat.Float(m.Hyperparameters.TargetRange[1]) - low
	out := make([]ag.Node, len(xs))
	for i, x := range xs {
		out[i] = g.AddScalar(g.ProdScalar(g.Sigmoid(x), g.Constant(width)), g.Constant(low))
	}
	return out
}
