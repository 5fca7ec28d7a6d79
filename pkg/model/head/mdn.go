package head

import (
	"fmt"
	"math"
	"strings"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"
)

var (
	_ nn.Model = &MixtureDensity{}
)

const sigmaEpsilon mat.Float = 1e-6

var logSqrt2Pi = mat.Float(0.5 * math.Log(2*math.Pi))

// CentralTendency selects how a mixture is reduced to a point prediction.
type CentralTendency int

const (
	Mean CentralTendency = iota
	Median
)

func (c CentralTendency) String() string {
	if c == Median {
		return "median"
	}
	return "mean"
}

func (c CentralTendency) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *CentralTendency) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "mean", "":
		*c = Mean
	case "median":
		*c = Median
	default:
		return fmt.Errorf("invalid central tendency %q: options are mean, median", text)
	}
	return nil
}

// MixtureDensityConfig configures a MixtureDensity head.
type MixtureDensityConfig struct {
	NumGaussian        int             `yaml:"num_gaussian"`
	SigmaBiasFlag      bool            `yaml:"sigma_bias_flag"`
	MuBiasInit         []float64       `yaml:"mu_bias_init"`
	SoftmaxTemperature float64         `yaml:"softmax_temperature"`
	CentralTendency    CentralTendency `yaml:"central_tendency"`
}

func DefaultMixtureDensityConfig() MixtureDensityConfig {
	return MixtureDensityConfig{NumGaussian: 1, SoftmaxTemperature: 1}
}

func (c MixtureDensityConfig) Validate() error {
	if c.NumGaussian < 1 {
		return fmt.Errorf("num_gaussian must be at least 1, got %d", c.NumGaussian)
	}
	if c.SoftmaxTemperature <= 0 {
		return fmt.Errorf("softmax_temperature must be positive, got %v", c.SoftmaxTemperature)
	}
	if c.MuBiasInit != nil && len(c.MuBiasInit) != c.NumGaussian {
		return fmt.Errorf("mu_bias_init has %d values, expected num_gaussian=%d", len(c.MuBiasInit), c.NumGaussian)
	}
	return nil
}

// Mixture holds the gaussian mixture parameters predicted for one example.
type Mixture struct {
	Pi    ag.Node
	Sigma ag.Node
	Mu    ag.Node
}

// MixtureDensity predicts a mixture of gaussians over a single regression target:
// "Mixture Density Networks" - Bishop, 1994
type MixtureDensity struct {
	nn.BaseModel
	NumGaussian     int
	Temperature     mat.Float
	CentralTendency CentralTendency
	MuBiasInit      []float64
	Pi              *linear.Model
	Sigma           *linear.Model
	Mu              *linear.Model
}

func NewMixtureDensity(inputDim int, config MixtureDensityConfig) (*MixtureDensity, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &MixtureDensity{
		NumGaussian:     config.NumGaussian,
		Temperature:     mat.Float(config.SoftmaxTemperature),
		CentralTendency: config.CentralTendency,
		MuBiasInit:      config.MuBiasInit,
		Pi:              linear.New(inputDim, config.NumGaussian),
		Sigma:           linear.New(inputDim, config.NumGaussian, linear.BiasGrad(config.SigmaBiasFlag)),
		Mu:              linear.New(inputDim, config.NumGaussian),
	}, nil
}

func (m *MixtureDensity) Init(generator *rand.LockedRand) {
	gain := initializers.Gain(ag.OpIdentity)
	initializers.XavierUniform(m.Pi.W.Value(), gain, generator)
	initializers.XavierUniform(m.Sigma.W.Value(), gain, generator)
	initializers.XavierUniform(m.Mu.W.Value(), gain, generator)
	for i, v := range m.MuBiasInit {
		m.Mu.B.Value().Set(i, 0, mat.Float(v))
	}
}

func (m *MixtureDensity) OutputDim() int {
	return 1
}

func (m *MixtureDensity) Mixture(xs ...ag.Node) []Mixture {
	g := m.Graph()
	pi := m.Pi.Forward(xs...)
	sigma := m.Sigma.Forward(xs...)
	mu := m.Mu.Forward(xs...)
	out := make([]Mixture, len(xs))
	for i := range xs {
		out[i] = Mixture{
			Pi:    g.Softmax(g.DivScalar(pi[i], g.Constant(m.Temperature))),
			Sigma: g.AddScalar(g.ELU(sigma[i], g.Constant(1.0)), g.Constant(1.0+sigmaEpsilon)),
			Mu:    mu[i],
		}
	}
	return out
}

// Forward returns the central tendency of each predicted mixture as a 1x1 node.
func (m *MixtureDensity) Forward(xs ...ag.Node) []ag.Node {
	mixtures := m.Mixture(xs...)
	out := make([]ag.Node, len(mixtures))
	for i, mix := range mixtures {
		out[i] = m.PointEstimate(mix)
	}
	return out
}

// PointEstimate reduces a mixture to its central tendency.
func (m *MixtureDensity) PointEstimate(mix Mixture) ag.Node {
	g := m.Graph()
	if m.CentralTendency == Median {
		best := argmax(mix.Pi.Value().Data())
		return g.View(mix.Mu, best, 0, 1, 1)
	}
	return g.ReduceSum(g.Prod(mix.Pi, mix.Mu))
}

// NLL is the negative log-likelihood of target under the mixture.
func NLL(g *ag.Graph, mix Mixture, target mat.Float) ag.Node {
	k := mix.Mu.Value().Rows()
	y := g.NewVariable(mat.NewInitVecDense(k, target), false)
	z := g.Div(g.Sub(y, mix.Mu), mix.Sigma)
	logProb := g.Sub(g.Neg(g.ProdScalar(g.Prod(z, z), g.Constant(0.5))), g.Log(mix.Sigma))
	logProb = g.SubScalar(logProb, g.Constant(logSqrt2Pi))
	weighted := g.Add(g.Log(mix.Pi), logProb)

	// log-sum-exp shifted by the maximum for stability
	shift := mat.Float(math.Inf(-1))
	for _, v := range weighted.Value().Data() {
		if v > shift {
			shift = v
		}
	}
	c := g.Constant(shift)
	logSum := g.AddScalar(g.Log(g.ReduceSum(g.Exp(g.SubScalar(weighted, c)))), c)
	return g.Neg(logSum)
}

func argmax(data []mat.Float) int {
	best := 0
	for i := range data {
		if data[i] > data[best] {
			best = i
		}
	}
	return best
}
