// Package activation enumerates the element-wise non-linearities a model
// configuration can select, and applies them on a spago graph.
package activation

import (
	"fmt"
	"strings"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
)

// Type is an enum for the supported activation functions.
//
// Values are written using their conventional names (e.g. "LeakyReLU");
// parsing is case-insensitive.
type Type int

const (
	Identity Type = iota
	ReLU
	LeakyReLU
	ELU
	Sigmoid
	Tanh
)

// LeakyReLUSlope is the negative slope used by LeakyReLU.
const LeakyReLUSlope mat.Float = 0.01

var names = [...]string{
	Identity:  "Identity",
	ReLU:      "ReLU",
	LeakyReLU: "LeakyReLU",
	ELU:       "ELU",
	Sigmoid:   "Sigmoid",
	Tanh:      "Tanh",
}

// Values returns all the supported activations.
func Values() []Type {
	return []Type{Identity, ReLU, LeakyReLU, ELU, Sigmoid, Tanh}
}

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return names[t]
}

// Valid reports whether t is one of the enumerated activations.
func (t Type) Valid() bool {
	return t >= Identity && int(t) < len(names)
}

// Parse converts an activation name into its Type.
func Parse(name string) (Type, error) {
	for i, n := range names {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return Type(i), nil
		}
	}
	return Identity, fmt.Errorf("invalid activation %q: options are %v", name, Values())
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid activation %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Set implements pflag.Value.
func (t *Type) Set(value string) error {
	return t.UnmarshalText([]byte(value))
}

// Type implements pflag.Value.
func (t *Type) Type() string {
	return "activation"
}

// Apply the activation to x.
func (t Type) Apply(g *ag.Graph, x ag.Node) ag.Node {
	switch t {
	case Identity:
		return x
	case ReLU:
		return g.ReLU(x)
	case LeakyReLU:
		return g.LeakyReLU(x, g.Constant(LeakyReLUSlope))
	case ELU:
		return g.ELU(x, g.Constant(1.0))
	case Sigmoid:
		return g.Sigmoid(x)
	case Tanh:
		return g.Tanh(x)
	default:
		panic(fmt.Sprintf("activation: invalid value %d", int(t)))
	}
}

// ApplyAll applies the activation to every node.
func (t Type) ApplyAll(g *ag.Graph, xs []ag.Node) []ag.Node {
	out := make([]ag.Node, len(xs))
	for i, x := range xs {
		out[i] = t.Apply(g, x)
	}
	return out
}
