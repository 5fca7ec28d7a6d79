package pkg

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/losses"

	"danet/pkg/model"
	"danet/pkg/model/head"
)

// lossFunc computes the loss of example i of a forward pass.
type lossFunc func(g *ag.Graph, out model.Output, i int, target mat.Float) ag.Node

func lossFor(config model.ModelConfig) lossFunc {
	if config.Head == model.MixtureDensityHead {
		return func(g *ag.Graph, out model.Output, i int, target mat.Float) ag.Node {
			return head.NLL(g, out.Mixtures[i], target)
		}
	}
	switch config.Loss {
	case model.CrossEntropyLoss:
		return func(g *ag.Graph, out model.Output, i int, target mat.Float) ag.Node {
			return losses.CrossEntropy(g, out.Predictions[i], int(target))
		}
	case model.L1Loss:
		return func(g *ag.Graph, out model.Output, i int, target mat.Float) ag.Node {
			return losses.MAE(g, out.Predictions[i], g.NewScalar(target), false)
		}
	default:
		return func(g *ag.Graph, out model.Output, i int, target mat.Float) ag.Node {
			return losses.MSE(g, out.Predictions[i], g.NewScalar(target), false)
		}
	}
}

// batchLoss averages the task loss and, when the backbone provides one, the regularization over a batch.
func batchLoss(g *ag.Graph, f lossFunc, out model.Output, targets []mat.Float) (loss, regularization ag.Node) {
	for i, target := range targets {
		loss = accumulate(g, loss, f(g, out, i, target))
		if out.Regularization != nil {
			regularization = accumulate(g, regularization, out.Regularization[i])
		}
	}
	batchSize := g.NewScalar(mat.Float(len(targets)))
	loss = g.DivScalar(loss, batchSize)
	if regularization != nil {
		regularization = g.DivScalar(regularization, batchSize)
	}
	return loss, regularization
}

func accumulate(g *ag.Graph, sum, x ag.Node) ag.Node {
	if sum == nil {
		return x
	}
	return g.Add(sum, x)
}
