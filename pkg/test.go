package pkg

import (
	"fmt"
	gio "io"
	"math"
	"os"
	"sort"
	"strconv"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/stats"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"danet/pkg/io"
	"danet/pkg/model"
)

const evaluationBatchSize = 256

// ReportWriter receives the metrics tables rendered by Test and Train.
var ReportWriter gio.Writer = os.Stdout

type NoopWriter struct{}

func (x NoopWriter) Write(p []byte) (n int, err error) {
	return len(p), nil
}

// EvaluationResult summarizes the metrics of an evaluation. Only the metrics of the model task are set.
type EvaluationResult struct {
	Loss     float64
	Accuracy float64
	MacroF1  float64
	MicroF1  float64
	RSquared float64
	MAE      float64
}

// Test evaluates a saved model on inputFile, optionally writing one prediction per record to outputFile.
func Test(modelFileName, inputFileName, outputFileName string) (EvaluationResult, error) {
	m, err := io.LoadModelFile(modelFileName)
	if err != nil {
		return EvaluationResult{}, err
	}
	_, data, dataErrors, err := io.LoadData(io.DataParameters{
		DataFile:     inputFileName,
		TargetColumn: m.MetaData.Columns[m.MetaData.TargetColumn].Name,
	}, m.MetaData)
	if err != nil {
		return EvaluationResult{}, fmt.Errorf("error loading data from %s: %w", inputFileName, err)
	}
	printDataErrors(dataErrors)
	if len(data) == 0 {
		return EvaluationResult{}, fmt.Errorf("no data to test in %s", inputFileName)
	}

	var outputWriter gio.Writer
	if outputFileName != "" {
		outputFile, err := os.Create(outputFileName)
		if err != nil {
			return EvaluationResult{}, fmt.Errorf("error opening output file %s: %w", outputFileName, err)
		}
		defer outputFile.Close()
		outputWriter = outputFile
	}
	return testInternal(m, data, outputWriter)
}

type modelEvaluator interface {
	EvaluatePrediction(g *ag.Graph, out model.Output, i int, record *io.DataRecord)
	LogMetrics(result *EvaluationResult)
	Loss() float64
}

type classificationEvaluator struct {
	predictionCount int
	correct         int
	loss            float64
	metrics         map[string]*stats.ClassMetrics
	model           *model.Model
	lossFunc        lossFunc
	outputWriter    gio.Writer
}

type classificationPrediction struct {
	predictedClass string
	label          string
	probability    float64
}

func (c *classificationEvaluator) EvaluatePrediction(g *ag.Graph, out model.Output, i int, record *io.DataRecord) {
	prediction := c.decode(out.Predictions[i], record)
	c.loss += float64(c.lossFunc(g, out, i, record.Target).ScalarValue())
	c.predictionCount++

	fmt.Fprintf(c.outputWriter, "%s,%s,%.5f\n", prediction.label, prediction.predictedClass, prediction.probability)

	labelClassMetrics := c.classMetrics(prediction.label)
	predictedClassMetrics := c.classMetrics(prediction.predictedClass)
	if prediction.label == prediction.predictedClass {
		c.correct++
		labelClassMetrics.IncTruePos()
	} else {
		labelClassMetrics.IncFalseNeg()
		predictedClassMetrics.IncFalsePos()
	}
}

func (c *classificationEvaluator) classMetrics(class string) *stats.ClassMetrics {
	metrics, ok := c.metrics[class]
	if !ok {
		metrics = stats.NewMetricCounter()
		c.metrics[class] = metrics
	}
	return metrics
}

func (c *classificationEvaluator) LogMetrics(result *EvaluationResult) {
	table := tablewriter.NewWriter(ReportWriter)
	table.SetHeader([]string{"Class", "TP", "FP", "FN", "Precision", "Recall", "F1"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	// Sort class names for deterministic output
	for _, class := range sortClasses(c.metrics) {
		m := c.metrics[class]
		log.Debug().Str("Class", class).
			Int("TP", m.TruePos).
			Int("FP", m.FalsePos).
			Int("FN", m.FalseNeg).
			Float64("Precision", float64(m.Precision())).
			Float64("Recall", float64(m.Recall())).
			Float64("F1", float64(m.F1Score())).
			Msg("")
		table.Append([]string{class, strconv.Itoa(m.TruePos), strconv.Itoa(m.FalsePos), strconv.Itoa(m.FalseNeg),
			formatMetric(float64(m.Precision())), formatMetric(float64(m.Recall())), formatMetric(float64(m.F1Score()))})
	}

	result.MacroF1, result.MicroF1 = computeOverallF1(c.metrics)
	result.Accuracy = float64(c.correct) / float64(c.predictionCount)
	table.SetFooter([]string{"Accuracy " + formatMetric(result.Accuracy), "", "", "",
		"Macro F1", formatMetric(result.MacroF1), "Micro F1 " + formatMetric(result.MicroF1)})
	table.Render()

	log.Info().
		Float64("Accuracy", result.Accuracy).
		Float64("MacroF1", result.MacroF1).
		Float64("MicroF1", result.MicroF1).
		Msg("")
}

func (c *classificationEvaluator) Loss() float64 {
	return c.loss / float64(c.predictionCount)
}

func (c *classificationEvaluator) decode(modelOutput ag.Node, record *io.DataRecord) classificationPrediction {
	logits := modelOutput.Value().Data()
	class, _ := argmax(logits)
	return classificationPrediction{
		predictedClass: c.model.MetaData.TargetMap.IndexToName[class],
		label:          c.model.MetaData.TargetMap.IndexToName[int(record.Target)],
		probability:    softmax(logits)[class],
	}
}

// testInternal evaluates the model on data. Predictions are written to outputWriter when it is not nil.
func testInternal(m *model.Model, data []*io.DataRecord, outputWriter gio.Writer) (EvaluationResult, error) {
	if outputWriter == nil {
		outputWriter = NoopWriter{}
	}
	lossFunc := lossFor(m.Network.Config())

	var evaluator modelEvaluator
	switch m.MetaData.TargetType() {
	case model.Categorical:
		evaluator = &classificationEvaluator{
			metrics:      map[string]*stats.ClassMetrics{},
			model:        m,
			lossFunc:     lossFunc,
			outputWriter: outputWriter,
		}
	default:
		evaluator = &regressionEvaluator{
			lossFunc:     lossFunc,
			outputWriter: outputWriter,
		}
	}

	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(m.Network.Config().Seed)))
	dataSet := io.NewDataSet(data, evaluationBatchSize)
	for _, batch := range dataSet.Batches() {
		proc := m.Network.Reify(nn.Context{Graph: g, Mode: nn.Inference})
		out, err := proc.Forward(batch.Samples())
		if err != nil {
			return EvaluationResult{}, err
		}
		for i, record := range batch {
			evaluator.EvaluatePrediction(g, out, i, record)
		}
		g.Clear()
	}

	result := EvaluationResult{Loss: evaluator.Loss()}
	evaluator.LogMetrics(&result)
	log.Info().Float64("Loss", result.Loss).Msg("")
	return result, nil
}

func computeOverallF1(metrics map[string]*stats.ClassMetrics) (macroF1, microF1 float64) {
	for _, metric := range metrics {
		macroF1 += float64(metric.F1Score())
	}
	macroF1 /= float64(len(metrics))

	micro := stats.NewMetricCounter()
	for _, result := range metrics {
		micro.TruePos += result.TruePos
		micro.FalsePos += result.FalsePos
		micro.FalseNeg += result.FalseNeg
		micro.TrueNeg += result.TrueNeg
	}
	return macroF1, float64(micro.F1Score())
}

func sortClasses(metrics map[string]*stats.ClassMetrics) []string {
	result := make([]string, 0, len(metrics))
	for class := range metrics {
		result = append(result, class)
	}
	sort.Strings(result)
	return result
}

type regressionEvaluator struct {
	loss            float64
	absoluteError   float64
	predictionCount int
	estimated       []float64
	values          []float64
	lossFunc        lossFunc
	outputWriter    gio.Writer
}

func (r *regressionEvaluator) EvaluatePrediction(g *ag.Graph, out model.Output, i int, record *io.DataRecord) {
	prediction := float64(out.Predictions[i].ScalarValue())
	target := float64(record.Target)
	log.Debug().Float64("Target", target).Float64("Prediction", prediction).Msg("")
	fmt.Fprintf(r.outputWriter, "%f,%f\n", target, prediction)

	r.estimated = append(r.estimated, prediction)
	r.values = append(r.values, target)
	r.absoluteError += math.Abs(prediction - target)
	r.loss += float64(r.lossFunc(g, out, i, record.Target).ScalarValue())
	r.predictionCount++
}

func (r *regressionEvaluator) LogMetrics(result *EvaluationResult) {
	result.RSquared = stat.RSquaredFrom(r.estimated, r.values, nil)
	result.MAE = r.absoluteError / float64(r.predictionCount)

	table := tablewriter.NewWriter(ReportWriter)
	table.SetHeader([]string{"Records", "R-squared", "MAE"})
	table.Append([]string{strconv.Itoa(r.predictionCount), formatMetric(result.RSquared), formatMetric(result.MAE)})
	table.Render()

	log.Info().Float64("R-squared", result.RSquared).Float64("MAE", result.MAE).Msg("")
}

func (r *regressionEvaluator) Loss() float64 {
	return r.loss / float64(r.predictionCount)
}

func formatMetric(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func argmax(data []mat.Float) (int, mat.Float) {
	maxInd := 0
	for i := range data {
		if data[i] > data[maxInd] {
			maxInd = i
		}
	}
	return maxInd, data[maxInd]
}

func softmax(logits []mat.Float) []float64 {
	_, maxLogit := argmax(logits)
	result := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		result[i] = math.Exp(float64(v - maxLogit))
		sum += result[i]
	}
	for i := range result {
		result[i] /= sum
	}
	return result
}
