// Package head implements the task heads mapping backbone features to predictions.
package head

import (
	"fmt"
	"strconv"
	"strings"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"

	"danet/pkg/model/activation"
	"danet/pkg/model/ghostbn"
)

var (
	_ nn.Model = &Linear{}
	_ nn.Model = &Identity{}
)

// LinearConfig configures a Linear head.
type LinearConfig struct {
	// Layers is a dash separated list of hidden layer widths, e.g. "64-32". Empty means no hidden layer.
	Layers       string          `yaml:"layers"`
	Activation   activation.Type `yaml:"activation"`
	Dropout      float64         `yaml:"dropout"`
	UseBatchNorm bool            `yaml:"use_batch_norm"`
}

func DefaultLinearConfig() LinearConfig {
	return LinearConfig{Activation: activation.ReLU}
}

// ParseLayers converts a dash separated list of widths into integers.
func ParseLayers(layers string) ([]int, error) {
	layers = strings.TrimSpace(layers)
	if layers == "" {
		return nil, nil
	}
	parts := strings.Split(layers, "-")
	result := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid layer width %q in %q: %w", p, layers, err)
		}
		if n < 1 {
			return nil, fmt.Errorf("invalid layer width %d in %q", n, layers)
		}
		result[i] = n
	}
	return result, nil
}

func (c LinearConfig) Validate() error {
	if _, err := ParseLayers(c.Layers); err != nil {
		return err
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("head dropout %v not in [0, 1)", c.Dropout)
	}
	if !c.Activation.Valid() {
		return fmt.Errorf("invalid head activation %v", c.Activation)
	}
	return nil
}

// Linear is a stack of linear blocks followed by an output projection.
type Linear struct {
	nn.BaseModel
	Activation activation.Type
	Dropout    mat.Float
	Hidden     []*linear.Model
	// BatchNorm is empty unless batch normalization is enabled
	BatchNorm []*ghostbn.BatchNorm
	Output    *linear.Model
}

func NewLinear(inputDim, outputDim int, config LinearConfig, batchMomentum mat.Float) (*Linear, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	widths, _ := ParseLayers(config.Layers)
	hidden := make([]*linear.Model, len(widths))
	var norms []*ghostbn.BatchNorm
	in := inputDim
	for i, w := range widths {
		hidden[i] = linear.New(in, w)
		if config.UseBatchNorm {
			norms = append(norms, ghostbn.NewBatchNorm(w, batchMomentum))
		}
		in = w
	}
	return &Linear{
		Activation: config.Activation,
		Dropout:    mat.Float(config.Dropout),
		Hidden:     hidden,
		BatchNorm:  norms,
		Output:     linear.New(in, outputDim),
	}, nil
}

func (m *Linear) Init(generator *rand.LockedRand) {
	for _, h := range m.Hidden {
		initializers.XavierUniform(h.W.Value(), initializers.Gain(ag.OpReLU), generator)
	}
	initializers.XavierUniform(m.Output.W.Value(), initializers.Gain(ag.OpIdentity), generator)
}

func (m *Linear) OutputDim() int {
	return m.Output.W.Value().Rows()
}

func (m *Linear) Forward(xs ...ag.Node) []ag.Node {
	g := m.Graph()
	for i, h := range m.Hidden {
		xs = m.Activation.ApplyAll(g, h.Forward(xs...))
		if len(m.BatchNorm) > 0 {
			xs = m.BatchNorm[i].Forward(xs...)
		}
		if m.Dropout > 0 && m.Mode() == nn.Training {
			for k := range xs {
				xs[k] = g.Dropout(xs[k], m.Dropout)
			}
		}
	}
	return m.Output.Forward(xs...)
}

// Identity returns the backbone features unchanged.
type Identity struct {
	nn.BaseModel
	Dim int
}

func (m *Identity) Init(*rand.LockedRand) {}

func (m *Identity) OutputDim() int {
	return m.Dim
}

func (m *Identity) Forward(xs ...ag.Node) []ag.Node {
	return xs
}
