package ghostbn

import (
	"testing"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/stretchr/testify/require"
)

func TestChunks(t *testing.T) {
	tests := []struct {
		n, virtualBatchSize int
		expected            [][2]int
	}{
		{n: 0, virtualBatchSize: 4, expected: nil},
		{n: 3, virtualBatchSize: 4, expected: [][2]int{{0, 3}}},
		{n: 4, virtualBatchSize: 4, expected: [][2]int{{0, 4}}},
		{n: 10, virtualBatchSize: 4, expected: [][2]int{{0, 4}, {4, 8}, {8, 10}}},
		{n: 9, virtualBatchSize: 4, expected: [][2]int{{0, 3}, {3, 6}, {6, 9}}},
		{n: 8, virtualBatchSize: 0, expected: [][2]int{{0, 8}}},
	}
	for _, tt := range tests {
		require.Equal(t, tt.expected, Chunks(tt.n, tt.virtualBatchSize), "n=%d vbs=%d", tt.n, tt.virtualBatchSize)
	}
}

func TestModel_Forward(t *testing.T) {
	for _, mode := range []nn.ProcessingMode{nn.Training, nn.Inference} {
		g := ag.NewGraph(ag.Rand(rand.NewLockedRand(42)))
		m := New(3, 2, 0.9)
		proc := nn.Reify(nn.Context{Graph: g, Mode: mode}, m).(*Model)

		xs := make([]ag.Node, 5)
		for i := range xs {
			xs[i] = g.NewVariable(mat.NewVecDense([]mat.Float{mat.Float(i), 1, -mat.Float(i)}), false)
		}
		out := proc.Forward(xs...)
		require.Len(t, out, len(xs))
		for _, o := range out {
			require.Equal(t, 3, o.Value().Rows())
			require.Equal(t, 1, o.Value().Columns())
		}
		g.Clear()
	}
}

func newBatch(g *ag.Graph) []ag.Node {
	xs := make([]ag.Node, 4)
	for i := range xs {
		v := mat.Float(i)
		xs[i] = g.NewVariable(mat.NewVecDense([]mat.Float{v / 50, 10 + v, -v * v}), false)
	}
	return xs
}

func TestBatchNorm_RunningStatistics(t *testing.T) {
	m := NewBatchNorm(3, 0.9)

	// before any training the running statistics leave the input unchanged
	g := ag.NewGraph()
	inference := nn.Reify(nn.Context{Graph: g, Mode: nn.Inference}, m).(*BatchNorm)
	xs := newBatch(g)
	for i, y := range inference.Forward(xs...) {
		require.InDeltaSlice(t, xs[i].Value().Data(), y.Value().Data(), 1e-6)
	}
	require.Equal(t, []mat.Float{1, 1, 1}, m.StdDev.Value().Data())

	g = ag.NewGraph()
	training := nn.Reify(nn.Context{Graph: g, Mode: nn.Training}, m).(*BatchNorm)
	trained := training.Forward(newBatch(g)...)
	require.Equal(t, mat.Float(1), m.Updates.Value().Scalar())
	// the first update replaces the initial statistics entirely
	require.InDelta(t, 0.03, m.Mean.Value().Data()[0], 1e-6)
	require.InDelta(t, 0.0226, m.StdDev.Value().Data()[0], 1e-3)

	g = ag.NewGraph()
	inference = nn.Reify(nn.Context{Graph: g, Mode: nn.Inference}, m).(*BatchNorm)
	for i, y := range inference.Forward(newBatch(g)...) {
		require.InDeltaSlice(t, trained[i].Value().Data(), y.Value().Data(), 1e-4)
	}
}

func TestBatchNorm_DebiasedMomentum(t *testing.T) {
	m := NewBatchNorm(1, 0.9)
	for _, v := range []mat.Float{2, 4, 6} {
		g := ag.NewGraph()
		proc := nn.Reify(nn.Context{Graph: g, Mode: nn.Training}, m).(*BatchNorm)
		proc.Forward(g.NewVariable(mat.NewScalar(v), false), g.NewVariable(mat.NewScalar(v), false))
	}
	// momentum is capped at 0, 1/2 and 2/3 for the first three updates: a plain average
	require.InDelta(t, 4.0, m.Mean.Value().Scalar(), 1e-5)
	require.Equal(t, mat.Float(3), m.Updates.Value().Scalar())
}

func TestModel_EmptyBatch(t *testing.T) {
	for _, mode := range []nn.ProcessingMode{nn.Training, nn.Inference} {
		proc := nn.Reify(nn.Context{Graph: ag.NewGraph(), Mode: mode}, New(3, 2, 0.9)).(*Model)
		require.Empty(t, proc.Forward())
	}
}
