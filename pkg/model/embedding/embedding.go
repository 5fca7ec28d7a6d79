// Package embedding turns raw tabular samples (continuous values and
// categorical indices) into the single dense vector consumed by a backbone.
package embedding

import (
	"errors"
	"fmt"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"

	"danet/pkg/model/ghostbn"
)

var (
	_ nn.Model = &Model{}
	_ nn.Model = &Table{}
)

// ErrShapeMismatch is returned when a sample does not agree with the Spec.
var ErrShapeMismatch = errors.New("sample shape mismatch")

// Dim is the (cardinality, embedding width) pair of one categorical feature.
type Dim struct {
	Cardinality int `yaml:"cardinality" json:"cardinality"`
	Dim         int `yaml:"dim" json:"dim"`
}

// DefaultDim returns the embedding width used when none is configured.
func DefaultDim(cardinality int) int {
	d := (cardinality + 1) / 2
	if d > 50 {
		return 50
	}
	return d
}

// Spec describes the input of a model. It is shared by the embedding layer
// and the backbone and never changes after construction.
type Spec struct {
	ContinuousDim   int
	CategoricalDims []Dim
}

// InputDim is the width of the embedded input.
func (s Spec) InputDim() int {
	dim := s.ContinuousDim
	for _, d := range s.CategoricalDims {
		dim += d.Dim
	}
	return dim
}

func (s Spec) Validate() error {
	if s.ContinuousDim < 0 {
		return fmt.Errorf("negative continuous dimension %d", s.ContinuousDim)
	}
	for i, d := range s.CategoricalDims {
		if d.Cardinality < 1 || d.Dim < 1 {
			return fmt.Errorf("invalid embedding dims (%d, %d) for categorical feature %d", d.Cardinality, d.Dim, i)
		}
	}
	if s.InputDim() == 0 {
		return errors.New("no input features")
	}
	return nil
}

// Sample is one raw input row.
type Sample struct {
	// Continuous is a ContinuousDim x 1 vector
	Continuous mat.Matrix
	// Categorical contains one category index per categorical feature
	Categorical []int
}

// Options parameterize the embedding layer.
type Options struct {
	Dropout                  mat.Float
	BatchNormContinuousInput bool
	VirtualBatchSize         int
	BatchMomentum            mat.Float
}

// Table holds the embeddings of one categorical feature, one column per category.
type Table struct {
	nn.BaseModel
	W nn.Param `spago:"type:weights"`
}

func (t *Table) Lookup(index int) ag.Node {
	rows := t.W.Value().Rows()
	return t.Graph().View(t.W, 0, index, rows, 1)
}

// Model is the embedding layer.
type Model struct {
	nn.BaseModel
	Spec    Spec
	Dropout mat.Float
	Tables  []*Table
	// ContinuousNorm holds a single ghost batch norm when the continuous
	// input is normalized, and is empty otherwise.
	ContinuousNorm []*ghostbn.Model
}

func New(spec Spec, opts Options) *Model {
	tables := make([]*Table, len(spec.CategoricalDims))
	for i, d := range spec.CategoricalDims {
		tables[i] = &Table{W: nn.NewParam(mat.NewEmptyDense(d.Dim, d.Cardinality))}
	}
	var norm []*ghostbn.Model
	if opts.BatchNormContinuousInput && spec.ContinuousDim > 0 {
		norm = []*ghostbn.Model{ghostbn.New(spec.ContinuousDim, opts.VirtualBatchSize, opts.BatchMomentum)}
	}
	return &Model{
		Spec:           spec,
		Dropout:        opts.Dropout,
		Tables:         tables,
		ContinuousNorm: norm,
	}
}

func (m *Model) Init(generator *rand.LockedRand) {
	for _, t := range m.Tables {
		initializers.Normal(t.W.Value(), 0, 1, generator)
	}
}

func (m *Model) OutputDim() int {
	return m.Spec.InputDim()
}

// CheckSample verifies that s agrees with the Spec.
func (m *Model) CheckSample(s Sample) error {
	continuousDim := 0
	if s.Continuous != nil {
		if s.Continuous.Columns() != 1 {
			return fmt.Errorf("%w: continuous input must be a column vector, got %dx%d",
				ErrShapeMismatch, s.Continuous.Rows(), s.Continuous.Columns())
		}
		continuousDim = s.Continuous.Rows()
	}
	if continuousDim != m.Spec.ContinuousDim {
		return fmt.Errorf("%w: expected %d continuous features, got %d", ErrShapeMismatch, m.Spec.ContinuousDim, continuousDim)
	}
	if len(s.Categorical) != len(m.Spec.CategoricalDims) {
		return fmt.Errorf("%w: expected %d categorical features, got %d",
			ErrShapeMismatch, len(m.Spec.CategoricalDims), len(s.Categorical))
	}
	for i, index := range s.Categorical {
		if index < 0 || index >= m.Spec.CategoricalDims[i].Cardinality {
			return fmt.Errorf("%w: category %d out of range [0, %d) for categorical feature %d",
				ErrShapeMismatch, index, m.Spec.CategoricalDims[i].Cardinality, i)
		}
	}
	return nil
}

// Forward embeds a batch. Samples must have been checked with CheckSample.
func (m *Model) Forward(batch []Sample) []ag.Node {
	g := m.Graph()

	var continuous []ag.Node
	if m.Spec.ContinuousDim > 0 {
		continuous = make([]ag.Node, len(batch))
		for i, s := range batch {
			continuous[i] = g.NewVariable(s.Continuous, false)
		}
		if len(m.ContinuousNorm) > 0 {
			continuous = m.ContinuousNorm[0].Forward(continuous...)
		}
	}

	out := make([]ag.Node, len(batch))
	for i, s := range batch {
		parts := make([]ag.Node, 0, 1+len(m.Tables))
		if continuous != nil {
			parts = append(parts, continuous[i])
		}
		for j, t := range m.Tables {
			parts = append(parts, t.Lookup(s.Categorical[j]))
		}
		if len(parts) == 1 {
			out[i] = parts[0]
		} else {
			out[i] = g.Concat(parts...)
		}
		if m.Dropout > 0 && m.Mode() == nn.Training {
			out[i] = g.Dropout(out[i], m.Dropout)
		}
	}
	return out
}
