package model

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"

	"danet/pkg/model/embedding"
	"danet/pkg/model/featuretransformer"
	"danet/pkg/model/ghostbn"
)

var (
	_ nn.Model    = &TabNetBackbone{}
	_ Backbone    = &TabNetBackbone{}
	_ Regularizer = &TabNetBackbone{}
)

const Epsilon = 0.00001

// TabNetBackbone is an implementation of:
// "TabNet: Attentive Interpretable Tabular Learning" - https://arxiv.org/abs/1908.07442
type TabNetBackbone struct {
	nn.BaseModel
	NumColumns         int
	FeatureDimension   int
	NumDecisionSteps   int
	RelaxationFactor   mat.Float
	SparsityLossWeight mat.Float

	SharedFeatureTransformer *featuretransformer.Model
	StepFeatureTransformers  []*featuretransformer.Model
	AttentionTransformer     *linear.Model
	AttentionBatchNorm       *ghostbn.Model

	// AttentionEntropy is computed by Forward, one node per example
	AttentionEntropy []ag.Node
}

func NewTabNetBackbone(spec embedding.Spec, config TabNetConfig) (*TabNetBackbone, error) {
	if config.NumDecisionSteps < 2 {
		return nil, invalid("TabNet needs at least two decision steps, got n_steps=%d", config.NumDecisionSteps)
	}
	if err := spec.Validate(); err != nil {
		return nil, invalid("%v", err)
	}
	numColumns := spec.InputDim()
	momentum := mat.Float(config.BatchMomentum)
	stepFeatureTransformers := make([]*featuretransformer.Model, config.NumDecisionSteps)
	for i := range stepFeatureTransformers {
		stepFeatureTransformers[i] = featuretransformer.New(config.FeatureDimension, config.FeatureDimension, 1,
			config.VirtualBatchSize, momentum)
	}
	return &TabNetBackbone{
		NumColumns:         numColumns,
		FeatureDimension:   config.FeatureDimension,
		NumDecisionSteps:   config.NumDecisionSteps,
		RelaxationFactor:   mat.Float(config.RelaxationFactor),
		SparsityLossWeight: mat.Float(config.SparsityLossWeight),
		SharedFeatureTransformer: featuretransformer.New(numColumns, config.FeatureDimension, config.NumDecisionSteps,
			config.VirtualBatchSize, momentum),
		StepFeatureTransformers: stepFeatureTransformers,
		AttentionTransformer:    linear.New(config.FeatureDimension, numColumns, linear.BiasGrad(false)),
		AttentionBatchNorm:      ghostbn.New(numColumns, config.VirtualBatchSize, momentum),
	}, nil
}

func (m *TabNetBackbone) Init(generator *rand.LockedRand) {
	m.SharedFeatureTransformer.Init(generator)
	for _, t := range m.StepFeatureTransformers {
		t.Init(generator)
	}
	initializers.XavierUniform(m.AttentionTransformer.W.Value(), initializers.Gain(ag.OpIdentity), generator)
}

func (m *TabNetBackbone) InputDim() int {
	return m.NumColumns
}

func (m *TabNetBackbone) OutputDim() int {
	return m.FeatureDimension
}

// Regularization returns the weighted attention entropy of the last Forward.
func (m *TabNetBackbone) Regularization() []ag.Node {
	g := m.Graph()
	out := make([]ag.Node, len(m.AttentionEntropy))
	for i, e := range m.AttentionEntropy {
		out[i] = g.ProdScalar(e, g.Constant(m.SparsityLossWeight))
	}
	return out
}

func (m *TabNetBackbone) Forward(xs ...ag.Node) []ag.Node {
	g := m.Graph()

	complementaryAggregatedMaskValues := make([]ag.Node, len(xs))
	for i := range xs {
		complementaryAggregatedMaskValues[i] = g.NewVariable(mat.NewInitVecDense(m.NumColumns, 1.0), false)
	}

	m.AttentionEntropy = make([]ag.Node, len(xs))
	outputAggregated := make([]ag.Node, len(xs))
	maskedFeatures := m.copy(xs)
	stepWeight := g.Constant(mat.Float(m.NumDecisionSteps - 1))

	for step := 0; step < m.NumDecisionSteps; step++ {
		transformed := m.SharedFeatureTransformer.Process(step, maskedFeatures, true)
		transformed = m.StepFeatureTransformers[step].Process(0, transformed, false)
		if step > 0 {
			for k := range xs {
				decision := g.ReLU(transformed[k])
				if outputAggregated[k] == nil {
					outputAggregated[k] = decision
				} else {
					outputAggregated[k] = g.Add(outputAggregated[k], decision)
				}
			}
		}

		if step == m.NumDecisionSteps-1 {
			continue // the last step needs no attention mask
		}

		mask := m.AttentionBatchNorm.Forward(m.AttentionTransformer.Forward(transformed...)...)
		for k := range mask {
			mask[k] = g.Prod(mask[k], complementaryAggregatedMaskValues[k])
			mask[k] = g.SparseMax(mask[k])
			complementaryAggregatedMaskValues[k] = g.Prod(complementaryAggregatedMaskValues[k],
				g.Neg(g.SubScalar(mask[k], g.Constant(m.RelaxationFactor))))
			maskedFeatures[k] = g.Prod(xs[k], mask[k])
			stepAttentionEntropy := g.ReduceSum(g.Prod(g.Neg(mask[k]), g.Log(g.AddScalar(mask[k], g.Constant(Epsilon)))))
			stepAttentionEntropy = g.DivScalar(stepAttentionEntropy, stepWeight)
			if m.AttentionEntropy[k] == nil {
				m.AttentionEntropy[k] = stepAttentionEntropy
			} else {
				m.AttentionEntropy[k] = g.Add(m.AttentionEntropy[k], stepAttentionEntropy)
			}
		}
	}

	return outputAggregated
}

// copy makes a copy of input in a gradient-preserving way
func (m *TabNetBackbone) copy(xs []ag.Node) []ag.Node {
	ys := make([]ag.Node, len(xs))
	for i, x := range xs {
		ys[i] = m.Graph().Identity(x)
	}
	return ys
}
