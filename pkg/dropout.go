package pkg

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"

	"danet/pkg/model/embedding"
)

type floatGenerator interface {
	Float() mat.Float
}

// DropoutPreprocessor zeroes continuous input features at random while training, so that the model learns to
// cope with missing values. Unlike regular dropout the kept values are not rescaled.
type DropoutPreprocessor struct {
	Probability mat.Float
	Generator   floatGenerator
	// CurrentMasks holds the masks applied by the last call to process
	CurrentMasks []mat.Matrix
}

func NewDropoutPreprocessor(probability mat.Float, generator floatGenerator) *DropoutPreprocessor {
	return &DropoutPreprocessor{Probability: probability, Generator: generator}
}

// process returns copies of the samples with masked continuous features. Categorical features are kept.
func (d *DropoutPreprocessor) process(batch []embedding.Sample) []embedding.Sample {
	d.CurrentMasks = make([]mat.Matrix, len(batch))
	out := make([]embedding.Sample, len(batch))
	for i, s := range batch {
		out[i] = s
		if s.Continuous == nil {
			continue
		}
		mask := mat.NewEmptyVecDense(s.Continuous.Rows())
		for j := 0; j < mask.Rows(); j++ {
			if d.Generator.Float() >= d.Probability {
				mask.Set(j, 0, 1)
			}
		}
		d.CurrentMasks[i] = mask
		out[i].Continuous = s.Continuous.Prod(mask)
	}
	return out
}
