package ghostbn

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
)

var (
	_ nn.Model = &BatchNorm{}
)

const epsilon = 1e-5

// BatchNorm normalizes each feature with the statistics of the batch while
// training, and with a debiased moving average of them in inference.
// Running statistics start at mean 0 and standard deviation 1.
type BatchNorm struct {
	nn.BaseModel
	W        nn.Param `spago:"type:weights"`
	B        nn.Param `spago:"type:biases"`
	Mean     nn.Param `spago:"type:undefined"`
	StdDev   nn.Param `spago:"type:undefined"`
	Updates  nn.Param `spago:"type:undefined"`
	Momentum nn.Param `spago:"type:undefined"`
}

func NewBatchNorm(size int, momentum mat.Float) *BatchNorm {
	return &BatchNorm{
		W:        nn.NewParam(mat.NewInitVecDense(size, 1)),
		B:        nn.NewParam(mat.NewEmptyVecDense(size)),
		Mean:     nn.NewParam(mat.NewEmptyVecDense(size), nn.RequiresGrad(false)),
		StdDev:   nn.NewParam(mat.NewInitVecDense(size, 1), nn.RequiresGrad(false)),
		Updates:  nn.NewParam(mat.NewScalar(0), nn.RequiresGrad(false)),
		Momentum: nn.NewParam(mat.NewScalar(momentum), nn.RequiresGrad(false)),
	}
}

func (m *BatchNorm) Forward(xs ...ag.Node) []ag.Node {
	if len(xs) == 0 {
		return nil
	}
	g := m.Graph()
	if m.Mode() != nn.Training {
		return m.normalize(xs, g.NewWrapNoGrad(m.Mean), g.NewWrapNoGrad(m.StdDev))
	}
	mean := m.mean(xs)
	stdDev := m.stdDev(mean, xs)
	m.update(mean.Value(), stdDev.Value())
	return m.normalize(xs, mean, stdDev)
}

func (m *BatchNorm) normalize(xs []ag.Node, mean, stdDev ag.Node) []ag.Node {
	g := m.Graph()
	scale := g.Div(m.W, stdDev)
	ys := make([]ag.Node, len(xs))
	for i, x := range xs {
		ys[i] = g.Add(g.Prod(g.Sub(x, mean), scale), m.B)
	}
	return ys
}

// update folds the batch statistics into the running ones. The momentum is
// capped at 1-1/n after n updates, so the average is not biased towards its
// initial value.
func (m *BatchNorm) update(mean, stdDev mat.Matrix) {
	updates := m.Updates.Value().Scalar() + 1
	m.Updates.ReplaceValue(mat.NewScalar(updates))
	momentum := m.Momentum.Value().Scalar()
	if debiased := 1 - 1/updates; debiased < momentum {
		momentum = debiased
	}
	m.Mean.ReplaceValue(m.Mean.Value().ProdScalar(momentum).Add(mean.ProdScalar(1 - momentum)))
	m.StdDev.ReplaceValue(m.StdDev.Value().ProdScalar(momentum).Add(stdDev.ProdScalar(1 - momentum)))
}

func (m *BatchNorm) mean(xs []ag.Node) ag.Node {
	g := m.Graph()
	sum := xs[0]
	for _, x := range xs[1:] {
		sum = g.Add(sum, x)
	}
	return g.DivScalar(sum, g.NewScalar(mat.Float(len(xs))))
}

func (m *BatchNorm) stdDev(mean ag.Node, xs []ag.Node) ag.Node {
	g := m.Graph()
	sum := g.Square(g.Sub(xs[0], mean))
	for _, x := range xs[1:] {
		sum = g.Add(sum, g.Square(g.Sub(x, mean)))
	}
	variance := g.DivScalar(sum, g.NewScalar(mat.Float(len(xs))))
	return g.Sqrt(g.AddScalar(variance, g.NewScalar(epsilon)))
}
