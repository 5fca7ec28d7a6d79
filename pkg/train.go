package pkg

import (
	"bytes"
	"fmt"
	"math"
	mathrand "math/rand"
	"os"

	"github.com/dustin/go-humanize"
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/adam"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"danet/pkg/io"
	"danet/pkg/model"
)

type TrainingParameters struct {
	BatchSize          int
	NumEpochs          int
	ReportInterval     int
	CategoricalColumns []string
	// ValidationFraction of the training data is held out to compute the validation loss
	ValidationFraction float64
	// Patience is the number of epochs without validation loss improvement before training stops, 0 disables
	// early stopping
	Patience          int
	GradientClipValue float64
	InputDropout      float64
	ProgressBar       bool
}

func DefaultTrainingParameters() TrainingParameters {
	return TrainingParameters{
		BatchSize:         256,
		NumEpochs:         10,
		ReportInterval:    10,
		GradientClipValue: 2000,
	}
}

func (p TrainingParameters) validate() error {
	if p.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", p.BatchSize)
	}
	if p.NumEpochs < 1 {
		return fmt.Errorf("number of epochs must be positive, got %d", p.NumEpochs)
	}
	if p.ReportInterval < 1 {
		return fmt.Errorf("report interval must be positive, got %d", p.ReportInterval)
	}
	if p.ValidationFraction < 0 || p.ValidationFraction >= 1 {
		return fmt.Errorf("validation fraction %v not in [0, 1)", p.ValidationFraction)
	}
	if p.Patience < 0 {
		return fmt.Errorf("patience must not be negative, got %d", p.Patience)
	}
	if p.GradientClipValue <= 0 {
		return fmt.Errorf("gradient clip value must be positive, got %v", p.GradientClipValue)
	}
	if p.InputDropout < 0 || p.InputDropout >= 1 {
		return fmt.Errorf("input dropout %v not in [0, 1)", p.InputDropout)
	}
	return nil
}

type Trainer struct {
	params    TrainingParameters
	optimizer *gd.GradientDescent
	model     *model.Model
	lossFunc  lossFunc
	rndGen    *rand.LockedRand
	dropout   *DropoutPreprocessor
}

// Train fits a new model on trainFile and saves it to outputFile. The model is evaluated on testFile, or on the
// training data when testFile is empty.
func Train(trainFile, testFile, outputFile, targetColumn string, config model.Config,
	trainingParams TrainingParameters) (*model.Model, error) {
	if err := trainingParams.validate(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	base := config.Base()
	if base.Task == model.FeatureExtraction {
		return nil, fmt.Errorf("task %v has no training target, use %v or %v", base.Task, model.Classification, model.Regression)
	}

	metaData, data, dataErrors, err := io.LoadData(io.DataParameters{
		DataFile:           trainFile,
		TargetColumn:       targetColumn,
		CategoricalColumns: io.NewSet(trainingParams.CategoricalColumns...),
		Task:               base.Task,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("error reading training data: %w", err)
	}
	printDataErrors(dataErrors)
	if len(data) == 0 {
		return nil, fmt.Errorf("no data to train in %s", trainFile)
	}
	if base.Task == model.Classification && metaData.OutputDim() < 2 {
		return nil, fmt.Errorf("classification needs at least two target classes, found %d", metaData.OutputDim())
	}

	spec, err := metaData.EmbeddingSpec(base.EmbeddingDims)
	if err != nil {
		return nil, err
	}
	network, err := model.New(config, spec, metaData.OutputDim())
	if err != nil {
		return nil, err
	}

	rndGen := rand.NewLockedRand(base.Seed)
	network.Init(rndGen)
	metaData.ModelName = network.Name

	t := &Trainer{
		params:   trainingParams,
		model:    &model.Model{MetaData: metaData, Network: network},
		lossFunc: lossFor(network.Config()),
		rndGen:   rndGen,
	}
	if trainingParams.InputDropout > 0 {
		t.dropout = NewDropoutPreprocessor(mat.Float(trainingParams.InputDropout), rndGen)
	}

	updaterConfig := adam.NewDefaultConfig()
	updaterConfig.StepSize = mat.Float(base.LearningRate)
	t.optimizer = gd.NewOptimizer(adam.New(updaterConfig), nn.NewDefaultParamsIterator(network),
		gd.ClipGradByValue(mat.Float(trainingParams.GradientClipValue)))

	log.Info().
		Str("Model", network.Name).
		Str("ModelID", metaData.ModelID).
		Str("Task", base.Task.String()).
		Int("Records", len(data)).
		Int("ContinuousFeatures", spec.ContinuousDim).
		Int("CategoricalFeatures", len(spec.CategoricalDims)).
		Str("Parameters", humanize.Comma(int64(network.NumParams()))).
		Msg("Training")

	dataSet := io.NewDataSet(data, trainingParams.BatchSize)
	dataSet.Rand = mathrand.New(mathrand.NewSource(int64(base.Seed)))
	trainSet, validationSet := dataSet.SplitValidation(trainingParams.ValidationFraction)
	if err := t.fit(trainSet, validationSet); err != nil {
		return nil, err
	}

	if err := io.SaveModelFile(t.model, outputFile); err != nil {
		return nil, err
	}
	log.Info().Str("File", outputFile).Msg("Model saved")

	evaluationData := data
	if testFile != "" {
		_, evaluationData, dataErrors, err = io.LoadData(io.DataParameters{
			DataFile:     testFile,
			TargetColumn: targetColumn,
		}, metaData)
		if err != nil {
			return nil, fmt.Errorf("error reading test data: %w", err)
		}
		printDataErrors(dataErrors)
	}
	if _, err := testInternal(t.model, evaluationData, nil); err != nil {
		return nil, err
	}
	return t.model, nil
}

// fit runs the training epochs. With a validation set, the parameters with the lowest validation loss are kept.
func (t *Trainer) fit(trainSet, validationSet *io.DataSet) error {
	bestLoss := mat.Float(math.Inf(1))
	var best bytes.Buffer
	epochsWithoutImprovement := 0

	for epoch := 0; epoch < t.params.NumEpochs; epoch++ {
		t.optimizer.IncEpoch()
		trainSet.ResetOrder(io.RandomOrder)
		batches := trainSet.Batches()
		bar := t.progressBar(epoch, len(batches))

		var epochLoss mat.Float
		for i, batch := range batches {
			loss, regularization := t.trainBatch(batch)
			t.optimizer.Optimize()
			epochLoss += loss
			if bar != nil {
				_ = bar.Add(1)
			}
			if i%t.params.ReportInterval == 0 {
				log.Debug().Int("Epoch", epoch).Int("Batch", i).
					Float64("Loss", float64(loss)).
					Float64("Regularization", float64(regularization)).
					Msg("")
			}
		}
		if bar != nil {
			_ = bar.Finish()
		}

		event := log.Info().Int("Epoch", epoch).Float64("Loss", float64(epochLoss)/float64(len(batches)))
		if validationSet == nil {
			event.Msg("")
			continue
		}
		validationLoss := t.validationLoss(validationSet)
		event.Float64("ValidationLoss", float64(validationLoss)).Msg("")

		if validationLoss < bestLoss {
			bestLoss = validationLoss
			epochsWithoutImprovement = 0
			best.Reset()
			if err := io.SaveModel(t.model, &best); err != nil {
				return err
			}
			continue
		}
		epochsWithoutImprovement++
		if t.params.Patience > 0 && epochsWithoutImprovement >= t.params.Patience {
			log.Info().Int("Epoch", epoch).Float64("BestValidationLoss", float64(bestLoss)).Msg("Early stopping")
			break
		}
	}

	if best.Len() > 0 {
		restored, err := io.LoadModel(&best)
		if err != nil {
			return err
		}
		t.model = restored
	}
	return nil
}

func (t *Trainer) progressBar(epoch, numBatches int) *progressbar.ProgressBar {
	if !t.params.ProgressBar {
		return nil
	}
	return progressbar.NewOptions(numBatches,
		progressbar.OptionSetDescription(fmt.Sprintf("epoch %d", epoch)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish())
}

func (t *Trainer) trainBatch(batch io.DataBatch) (mat.Float, mat.Float) {
	t.optimizer.IncBatch()

	g := ag.NewGraph(ag.Rand(t.rndGen))
	defer g.Clear()
	proc := t.model.Network.Reify(nn.Context{Graph: g, Mode: nn.Training})

	samples := batch.Samples()
	if t.dropout != nil {
		samples = t.dropout.process(samples)
	}
	out, err := proc.Forward(samples)
	if err != nil {
		// records are checked against the metadata when parsed
		panic(err)
	}

	loss, regularization := batchLoss(g, t.lossFunc, out, targets(batch))
	var regularizationValue mat.Float
	total := loss
	if regularization != nil {
		total = g.Add(loss, regularization)
		regularizationValue = regularization.ScalarValue()
	}
	g.Backward(total)
	return loss.ScalarValue(), regularizationValue
}

func (t *Trainer) validationLoss(validationSet *io.DataSet) mat.Float {
	var sum mat.Float
	for _, batch := range validationSet.Batches() {
		g := ag.NewGraph(ag.Rand(rand.NewLockedRand(t.model.Network.Config().Seed)))
		proc := t.model.Network.Reify(nn.Context{Graph: g, Mode: nn.Inference})
		out, err := proc.Forward(batch.Samples())
		if err != nil {
			panic(err)
		}
		loss, _ := batchLoss(g, t.lossFunc, out, targets(batch))
		sum += loss.ScalarValue() * mat.Float(len(batch))
		g.Clear()
	}
	return sum / mat.Float(validationSet.Size())
}

func targets(batch io.DataBatch) []mat.Float {
	result := make([]mat.Float, len(batch))
	for i, r := range batch {
		result[i] = r.Target
	}
	return result
}
