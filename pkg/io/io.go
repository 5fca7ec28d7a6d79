package io

import (
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	mat "github.com/nlpodyssey/spago/pkg/mat32"

	"danet/pkg/model"
	"danet/pkg/model/embedding"
)

type DataRecord struct {
	Sample embedding.Sample

	// Target contains the index or value of the target
	Target mat.Float

	// Line is the data line the record was parsed from, the header excluded
	Line int
}

type DataBatch []*DataRecord

// Samples returns the model input of every record of the batch.
func (d DataBatch) Samples() []embedding.Sample {
	samples := make([]embedding.Sample, len(d))
	for i, r := range d {
		samples[i] = r.Sample
	}
	return samples
}

type void struct{}

var Void = void{}

type Set map[string]void

func NewSet(values ...string) Set {
	set := Set{}
	for _, val := range values {
		set[val] = Void
	}
	return set
}

type DataParameters struct {
	DataFile           string
	TargetColumn       string
	CategoricalColumns Set
	// Task selects how the target is parsed when building new metadata
	Task model.Task
}

type DataError struct {
	Line  int
	Error string
}

// ReadDataFrame reads a CSV file with a header, keeping every value as a string.
func ReadDataFrame(reader io.Reader) (dataframe.DataFrame, error) {
	df := dataframe.ReadCSV(reader,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String))
	if df.Err != nil {
		return df, fmt.Errorf("error reading csv: %w", df.Err)
	}
	return df, nil
}

// LoadData reads a data file. When metaData is nil new metadata is built from the file, collecting the
// category values and target classes; otherwise the file is parsed with the given metadata, mapping unseen
// category values to model.UnknownCategory.
func LoadData(p DataParameters, metaData *model.Metadata) (*model.Metadata, []*DataRecord, []DataError, error) {
	inputFile, err := os.Open(p.DataFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error opening file: %w", err)
	}
	defer inputFile.Close()

	df, err := ReadDataFrame(inputFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error reading %s: %w", p.DataFile, err)
	}

	newMetadata := false
	if metaData == nil {
		metaData = model.NewMetadata(p.Task)
		newMetadata = true
		if err := buildColumns(p, metaData, df.Names()); err != nil {
			return nil, nil, nil, err
		}
	}

	columns, err := readColumns(df, metaData)
	if err != nil {
		return nil, nil, nil, err
	}

	var errors []DataError
	var result []*DataRecord
	for line := 0; line < df.Nrow(); line++ {
		row := rowReader(func(column int) string { return columns[column][line] })
		sample, err := parseSample(metaData, row, newMetadata)
		if err == nil {
			var target mat.Float
			target, err = parseTarget(metaData, row(metaData.TargetColumn), newMetadata)
			if err == nil {
				result = append(result, &DataRecord{Sample: sample, Target: target, Line: line})
				continue
			}
		}
		errors = append(errors, DataError{Line: line, Error: err.Error()})
	}

	return metaData, result, errors, nil
}

// ParseFeatures parses a single record given as column name to value, as received by the prediction server.
// The target column is ignored when present.
func ParseFeatures(metaData *model.Metadata, values map[string]string) (embedding.Sample, error) {
	row := func(column int) (string, error) {
		name := metaData.Columns[column].Name
		value, ok := values[name]
		if !ok {
			return "", fmt.Errorf("missing feature %s", name)
		}
		return value, nil
	}
	for column := range metaData.Columns {
		if column == metaData.TargetColumn {
			continue
		}
		if _, err := row(column); err != nil {
			return embedding.Sample{}, err
		}
	}
	return parseSample(metaData, func(column int) string {
		value, _ := row(column)
		return value
	}, false)
}

type rowReader func(column int) string

// readColumns returns the values of every metadata column, indexed by metadata column. Columns are matched
// by name, so files may order them differently.
func readColumns(df dataframe.DataFrame, metaData *model.Metadata) ([][]string, error) {
	present := NewSet(df.Names()...)
	columns := make([][]string, len(metaData.Columns))
	for i, column := range metaData.Columns {
		if _, ok := present[column.Name]; !ok {
			return nil, fmt.Errorf("column %s not found in data header", column.Name)
		}
		columns[i] = df.Col(column.Name).Records()
	}
	return columns, nil
}

func parseSample(metaData *model.Metadata, row rowReader, grow bool) (embedding.Sample, error) {
	sample := embedding.Sample{Categorical: make([]int, metaData.CategoricalFeaturesMap.Size())}
	if size := metaData.ContinuousFeaturesMap.Size(); size > 0 {
		features := mat.NewEmptyVecDense(size)
		if err := parseContinuousFeatures(metaData, row, features); err != nil {
			return embedding.Sample{}, err
		}
		sample.Continuous = features
	}
	for column, index := range metaData.CategoricalFeaturesMap.ColumnToIndex {
		sample.Categorical[index], _ = metaData.CategoryIndex(index, strings.TrimSpace(row(column)), grow)
	}
	return sample, nil
}

func parseContinuousFeatures(metaData *model.Metadata, row rowReader, features *mat.Dense) error {
	for column, index := range metaData.ContinuousFeaturesMap.ColumnToIndex {
		value, err := parseFloat(row(column))
		if err != nil {
			return fmt.Errorf("error parsing feature %s: %w", metaData.Columns[column].Name, err)
		}
		features.Set(index, 0, value)
	}
	return nil
}

func parseFloat(s string) (mat.Float, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return mat.Float(value), nil
}

func parseTarget(metaData *model.Metadata, target string, newMetadata bool) (mat.Float, error) {
	if metaData.TargetType() == model.Continuous {
		value, err := parseFloat(target)
		if err != nil {
			return 0, fmt.Errorf("error parsing target: %w", err)
		}
		return value, nil
	}

	target = strings.TrimSpace(target)
	if newMetadata {
		return mat.Float(metaData.ParseOrAddCategoricalTarget(target)), nil
	}
	value, ok := metaData.ParseCategoricalTarget(target)
	if !ok {
		return 0, fmt.Errorf("unknown target value %s", target)
	}
	return mat.Float(value), nil
}

func buildColumns(p DataParameters, metaData *model.Metadata, header []string) error {
	metaData.Columns = make([]model.Column, len(header))
	for i, name := range header {
		metaData.Columns[i] = model.Column{Name: name, Type: model.Continuous}
		if name == p.TargetColumn {
			metaData.TargetColumn = i
			metaData.Columns[i].Type = model.Target
		}
	}
	if metaData.TargetColumn < 0 {
		return fmt.Errorf("target column %s not found in data header", p.TargetColumn)
	}
	for name := range p.CategoricalColumns {
		if name != p.TargetColumn && !contains(header, name) {
			return fmt.Errorf("categorical column %s not found in data header", name)
		}
	}

	continuousIndex := 0
	for i, column := range metaData.Columns {
		if i == metaData.TargetColumn {
			continue
		}
		if _, isCategorical := p.CategoricalColumns[column.Name]; isCategorical {
			metaData.Columns[i].Type = model.Categorical
			metaData.AddCategoricalFeature(i)
		} else {
			metaData.ContinuousFeaturesMap.Set(i, continuousIndex)
			continuousIndex++
		}
	}
	return nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func SaveModel(model *model.Model, writer io.Writer) error {
	encoder := gob.NewEncoder(writer)
	err := encoder.Encode(model)
	if err != nil {
		return fmt.Errorf("error encoding model: %w", err)
	}
	return nil
}

func LoadModel(input io.Reader) (*model.Model, error) {
	decoder := gob.NewDecoder(input)
	model := model.Model{}
	err := decoder.Decode(&model)
	if err != nil {
		return nil, fmt.Errorf("error decoding model: %w", err)
	}
	return &model, nil
}

// SaveModelFile writes the model to path.
func SaveModelFile(m *model.Model, path string) error {
	outputFile, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating model file %s: %w", path, err)
	}
	if err := SaveModel(m, outputFile); err != nil {
		outputFile.Close()
		return err
	}
	return outputFile.Close()
}

// LoadModelFile reads a model saved with SaveModelFile.
func LoadModelFile(path string) (*model.Model, error) {
	modelFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening model file %s: %w", path, err)
	}
	defer modelFile.Close()
	m, err := LoadModel(modelFile)
	if err != nil {
		return nil, fmt.Errorf("error loading model from file %s: %w", path, err)
	}
	return m, nil
}
