package pkg

import (
	"context"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"golang.org/x/sync/errgroup"

	"danet/pkg/model"
	"danet/pkg/model/embedding"
)

// Prediction is the model output for one record.
type Prediction struct {
	// Class and Probabilities are set for classification, indexed by class name
	Class         string             `json:"class,omitempty"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
	// Value is set for regression
	Value *float64 `json:"value,omitempty"`
	// Features are the backbone outputs, set when the model has no head
	Features []float64 `json:"features,omitempty"`
}

// Predict runs the model on samples. Batches are processed concurrently, each on its own graph.
func Predict(ctx context.Context, m *model.Model, samples []embedding.Sample, batchSize int) ([]Prediction, error) {
	if batchSize < 1 {
		batchSize = evaluationBatchSize
	}
	predictions := make([]Prediction, len(samples))
	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(samples); start += batchSize {
		start, end := start, start+batchSize
		if end > len(samples) {
			end = len(samples)
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return predictBatch(m, samples[start:end], predictions[start:end])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return predictions, nil
}

func predictBatch(m *model.Model, samples []embedding.Sample, predictions []Prediction) error {
	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(m.Network.Config().Seed)))
	defer g.Clear()
	proc := m.Network.Reify(nn.Context{Graph: g, Mode: nn.Inference})
	out, err := proc.Forward(samples)
	if err != nil {
		return err
	}
	for i, p := range out.Predictions {
		predictions[i] = decodePrediction(m, p.Value().Data())
	}
	return nil
}

func decodePrediction(m *model.Model, output []mat.Float) Prediction {
	switch m.Network.Config().Task {
	case model.Classification:
		probabilities := softmax(output)
		class, _ := argmax(output)
		p := Prediction{
			Class:         m.MetaData.TargetMap.IndexToName[class],
			Probabilities: make(map[string]float64, len(probabilities)),
		}
		for i, v := range probabilities {
			p.Probabilities[m.MetaData.TargetMap.IndexToName[i]] = v
		}
		return p
	case model.Regression:
		value := float64(output[0])
		return Prediction{Value: &value}
	default:
		features := make([]float64, len(output))
		for i, v := range output {
			features[i] = float64(v)
		}
		return Prediction{Features: features}
	}
}
