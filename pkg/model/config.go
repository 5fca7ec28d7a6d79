package model

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"danet/pkg/model/activation"
	"danet/pkg/model/embedding"
	"danet/pkg/model/head"
)

// ErrInvalidConfig is wrapped by every configuration validation error.
var ErrInvalidConfig = errors.New("invalid model configuration")

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}

// HeadConfig holds the settings of every head type; only the ones of the
// selected head are used.
type HeadConfig struct {
	head.LinearConfig         `yaml:",inline"`
	head.MixtureDensityConfig `yaml:",inline"`
}

// ModelConfig holds the settings shared by all models.
type ModelConfig struct {
	Task       Task       `yaml:"task"`
	Head       HeadType   `yaml:"head"`
	HeadConfig HeadConfig `yaml:"head_config"`

	// EmbeddingDims is inferred from the data when empty
	EmbeddingDims            []embedding.Dim `yaml:"embedding_dims"`
	EmbeddingDropout         float64         `yaml:"embedding_dropout"`
	BatchNormContinuousInput bool            `yaml:"batch_norm_continuous_input"`

	// VirtualBatchSize is the ghost batch normalization chunk size, 0 means unset
	VirtualBatchSize int     `yaml:"virtual_batch_size"`
	BatchMomentum    float64 `yaml:"batch_momentum"`

	LearningRate float64 `yaml:"learning_rate"`
	Loss         Loss    `yaml:"loss"`
	// TargetRange is either empty or a [low, high] pair bounding regression outputs
	TargetRange []float64 `yaml:"target_range"`
	Seed        uint64    `yaml:"seed"`
}

func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Task: Classification,
		Head: LinearHead,
		HeadConfig: HeadConfig{
			LinearConfig:         head.DefaultLinearConfig(),
			MixtureDensityConfig: head.DefaultMixtureDensityConfig(),
		},
		BatchNormContinuousInput: true,
		BatchMomentum:            0.9,
		LearningRate:             1e-3,
		Seed:                     42,
	}
}

// Base returns the shared settings.
func (c *ModelConfig) Base() *ModelConfig {
	return c
}

// validate fills the task dependent defaults and checks the shared settings.
func (c *ModelConfig) validate() error {
	if c.Task < Classification || c.Task > FeatureExtraction {
		return invalid("unknown task %v", c.Task)
	}
	if c.Head < LinearHead || c.Head > NoHead {
		return invalid("unknown head %v", c.Head)
	}
	if c.Task == FeatureExtraction {
		c.Head = NoHead
	}
	if c.Head == NoHead && c.Task != FeatureExtraction {
		return invalid("head %v can only be used with task %v", NoHead, FeatureExtraction)
	}

	if c.Loss == DefaultLoss {
		switch {
		case c.Task == Classification:
			c.Loss = CrossEntropyLoss
		case c.Task == Regression && c.Head == LinearHead:
			c.Loss = MSELoss
		}
	}
	switch c.Loss {
	case CrossEntropyLoss:
		if c.Task != Classification {
			return invalid("loss %v requires task %v", c.Loss, Classification)
		}
	case MSELoss, L1Loss:
		if c.Task != Regression || c.Head != LinearHead {
			return invalid("loss %v requires task %v with %v", c.Loss, Regression, LinearHead)
		}
	}

	switch c.Head {
	case LinearHead:
		if err := c.HeadConfig.LinearConfig.Validate(); err != nil {
			return invalid("head_config: %v", err)
		}
	case MixtureDensityHead:
		if c.Task != Regression {
			return invalid("%v requires task %v", MixtureDensityHead, Regression)
		}
		if err := c.HeadConfig.MixtureDensityConfig.Validate(); err != nil {
			return invalid("head_config: %v", err)
		}
	}

	for i, d := range c.EmbeddingDims {
		if d.Cardinality < 1 || d.Dim < 1 {
			return invalid("embedding_dims[%d] = (%d, %d) must be positive", i, d.Cardinality, d.Dim)
		}
	}
	if c.EmbeddingDropout < 0 || c.EmbeddingDropout >= 1 {
		return invalid("embedding_dropout %v not in [0, 1)", c.EmbeddingDropout)
	}
	if c.VirtualBatchSize < 0 {
		return invalid("virtual_batch_size %d must be positive", c.VirtualBatchSize)
	}
	if c.BatchMomentum <= 0 || c.BatchMomentum >= 1 {
		return invalid("batch_momentum %v not in (0, 1)", c.BatchMomentum)
	}
	if c.LearningRate <= 0 {
		return invalid("learning_rate %v must be positive", c.LearningRate)
	}
	if len(c.TargetRange) > 0 {
		if c.Task != Regression {
			return invalid("target_range requires task %v", Regression)
		}
		if len(c.TargetRange) != 2 || c.TargetRange[0] >= c.TargetRange[1] {
			return invalid("target_range must be a [low, high] pair with low < high, got %v", c.TargetRange)
		}
	}
	return nil
}

// DANetConfig configures a DANet model.
type DANetConfig struct {
	ModelConfig `yaml:",inline"`

	// NLayers is the number of blocks
	NLayers int `yaml:"n_layers"`
	// AbstlayDim1 is the output width of the first abstract layer of a block
	AbstlayDim1 int `yaml:"abstlay_dim_1"`
	// AbstlayDim2 is the output width of the second abstract layer of a block, 0 means 2*AbstlayDim1
	AbstlayDim2     int             `yaml:"abstlay_dim_2"`
	K               int             `yaml:"k"`
	DropoutRate     float64         `yaml:"dropout_rate"`
	BlockActivation activation.Type `yaml:"block_activation"`
}

func DefaultDANetConfig() DANetConfig {
	return DANetConfig{
		ModelConfig:     DefaultModelConfig(),
		NLayers:         16,
		AbstlayDim1:     32,
		K:               5,
		DropoutRate:     0.1,
		BlockActivation: activation.LeakyReLU,
	}
}

func (c *DANetConfig) Name() string {
	return DANetModelName
}

// Validate fills the derived defaults and checks the configuration.
// It is idempotent.
func (c *DANetConfig) Validate() error {
	if c.VirtualBatchSize <= 0 {
		return invalid("virtual_batch_size cannot be unset for DANet since it uses ghost batch normalization; " +
			"set it to a value less than or equal to the batch size, preferably something small like 256 or 512")
	}
	if c.AbstlayDim2 == 0 {
		c.AbstlayDim2 = 2 * c.AbstlayDim1
	}
	if c.NLayers < 1 {
		return invalid("n_layers must be at least 1, got %d", c.NLayers)
	}
	if c.AbstlayDim1 < 1 || c.AbstlayDim2 < 1 {
		return invalid("abstlay_dim_1 (%d) and abstlay_dim_2 (%d) must be positive", c.AbstlayDim1, c.AbstlayDim2)
	}
	if c.K < 1 {
		return invalid("k must be at least 1, got %d", c.K)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return invalid("dropout_rate %v not in [0, 1)", c.DropoutRate)
	}
	if !c.BlockActivation.Valid() {
		return invalid("unknown block_activation %v", c.BlockActivation)
	}
	return c.ModelConfig.validate()
}

func (c *DANetConfig) NewBackbone(spec embedding.Spec) (Backbone, error) {
	return NewDANetBackbone(spec, *c)
}

// TabNetConfig configures a TabNet model.
type TabNetConfig struct {
	ModelConfig `yaml:",inline"`

	// FeatureDimension is the width of the decision output (n_d)
	FeatureDimension   int     `yaml:"n_d"`
	NumDecisionSteps   int     `yaml:"n_steps"`
	RelaxationFactor   float64 `yaml:"gamma"`
	SparsityLossWeight float64 `yaml:"sparsity_loss_weight"`
}

func DefaultTabNetConfig() TabNetConfig {
	config := TabNetConfig{
		ModelConfig:        DefaultModelConfig(),
		FeatureDimension:   8,
		NumDecisionSteps:   3,
		RelaxationFactor:   1.5,
		SparsityLossWeight: 1e-4,
	}
	config.VirtualBatchSize = 128
	return config
}

func (c *TabNetConfig) Name() string {
	return TabNetModelName
}

func (c *TabNetConfig) Validate() error {
	if c.VirtualBatchSize == 0 {
		c.VirtualBatchSize = 128
	}
	if c.FeatureDimension < 1 {
		return invalid("n_d must be positive, got %d", c.FeatureDimension)
	}
	if c.NumDecisionSteps < 2 {
		return invalid("n_steps must be at least 2, got %d", c.NumDecisionSteps)
	}
	if c.RelaxationFactor < 1 {
		return invalid("gamma must be at least 1, got %v", c.RelaxationFactor)
	}
	if c.SparsityLossWeight < 0 {
		return invalid("sparsity_loss_weight must not be negative, got %v", c.SparsityLossWeight)
	}
	return c.ModelConfig.validate()
}

func (c *TabNetConfig) NewBackbone(spec embedding.Spec) (Backbone, error) {
	return NewTabNetBackbone(spec, *c)
}

// LoadConfig decodes a YAML file over config.
func LoadConfig(path string, config Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "error reading model configuration %s", path)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return errors.Wrapf(err, "error decoding model configuration %s", path)
	}
	return nil
}
