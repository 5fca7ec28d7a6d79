package head

import (
	"math"
	"testing"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"danet/pkg/model/activation"
)

func TestParseLayers(t *testing.T) {
	tests := []struct {
		layers   string
		expected []int
		wantErr  bool
	}{
		{layers: "", expected: nil},
		{layers: "64", expected: []int{64}},
		{layers: "64-32", expected: []int{64, 32}},
		{layers: "64-x", wantErr: true},
		{layers: "64-0", wantErr: true},
	}
	for _, tt := range tests {
		result, err := ParseLayers(tt.layers)
		if tt.wantErr {
			require.Error(t, err, tt.layers)
			continue
		}
		require.NoError(t, err, tt.layers)
		require.Equal(t, tt.expected, result)
	}
}

func TestLinear_Forward(t *testing.T) {
	tests := []struct {
		name   string
		config LinearConfig
	}{
		{name: "output only", config: DefaultLinearConfig()},
		{name: "hidden layers", config: LinearConfig{Layers: "8-4", Activation: activation.Tanh, Dropout: 0.2, UseBatchNorm: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewLinear(6, 3, tt.config, 0.9)
			require.NoError(t, err)
			h.Init(rand.NewLockedRand(42))
			require.Equal(t, 3, h.OutputDim())

			g := ag.NewGraph(ag.Rand(rand.NewLockedRand(42)))
			proc := nn.Reify(nn.Context{Graph: g, Mode: nn.Training}, h).(*Linear)
			out := proc.Forward(createInput(g, 5, 6)...)
			require.Len(t, out, 5)
			for _, o := range out {
				require.Equal(t, 3, o.Value().Rows())
			}
		})
	}

	_, err := NewLinear(6, 3, LinearConfig{Layers: "a"}, 0.9)
	require.Error(t, err)
}

func TestMixtureDensity_Forward(t *testing.T) {
	for _, tendency := range []CentralTendency{Mean, Median} {
		config := MixtureDensityConfig{NumGaussian: 3, SoftmaxTemperature: 1, MuBiasInit: []float64{-1, 0, 1}, CentralTendency: tendency}
		h, err := NewMixtureDensity(4, config)
		require.NoError(t, err)
		h.Init(rand.NewLockedRand(42))

		g := ag.NewGraph(ag.Rand(rand.NewLockedRand(42)))
		proc := nn.Reify(nn.Context{Graph: g, Mode: nn.Inference}, h).(*MixtureDensity)
		input := createInput(g, 2, 4)
		mixtures := proc.Mixture(input...)
		require.Len(t, mixtures, 2)
		for _, mix := range mixtures {
			var sum mat.Float
			for _, p := range mix.Pi.Value().Data() {
				sum += p
			}
			require.InDelta(t, 1.0, sum, 1e-5)
			for _, s := range mix.Sigma.Value().Data() {
				require.Greater(t, s, mat.Float(0))
			}
		}
		out := proc.Forward(input...)
		require.Len(t, out, 2)
		for _, o := range out {
			require.Equal(t, 1, o.Value().Size())
		}
	}
}

func TestMixtureDensityConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultMixtureDensityConfig().Validate())
	require.Error(t, MixtureDensityConfig{NumGaussian: 0, SoftmaxTemperature: 1}.Validate())
	require.Error(t, MixtureDensityConfig{NumGaussian: 1, SoftmaxTemperature: 0}.Validate())
	require.Error(t, MixtureDensityConfig{NumGaussian: 2, SoftmaxTemperature: 1, MuBiasInit: []float64{1}}.Validate())

	var config MixtureDensityConfig
	require.NoError(t, yaml.Unmarshal([]byte("num_gaussian: 2\ncentral_tendency: median\n"), &config))
	require.Equal(t, Median, config.CentralTendency)
	require.Error(t, yaml.Unmarshal([]byte("central_tendency: mode\n"), &config))
}

func TestNLL(t *testing.T) {
	g := ag.NewGraph()
	mix := Mixture{
		Pi:    g.NewVariable(mat.NewVecDense([]mat.Float{1}), false),
		Sigma: g.NewVariable(mat.NewVecDense([]mat.Float{2}), false),
		Mu:    g.NewVariable(mat.NewVecDense([]mat.Float{1}), false),
	}
	// z = (3 - 1) / 2 = 1
	expected := 0.5 + math.Log(2) + 0.5*math.Log(2*math.Pi)
	require.InDelta(t, expected, float64(NLL(g, mix, 3).ScalarValue()), 1e-4)
}

func createInput(g *ag.Graph, size, dim int) []ag.Node {
	input := make([]ag.Node, size)
	for i := range input {
		data := make([]mat.Float, dim)
		for j := range data {
			data[j] = mat.Float(i-j) / 4
		}
		input[i] = g.NewVariable(mat.NewVecDense(data), false)
	}
	return input
}
