package model

import (
	"fmt"

	"github.com/google/uuid"

	"danet/pkg/model/embedding"
)

// UnknownCategory is the index of category values not seen while training.
const UnknownCategory = 0

// NameMap implements a bidirectional mapping between a name and an index
type NameMap struct {
	NameToIndex map[string]int
	IndexToName map[int]string
}

func (f NameMap) Set(name string, index int) {
	f.NameToIndex[name] = index
	f.IndexToName[index] = name
}

func (f NameMap) Size() int {
	return len(f.IndexToName)
}

func (f NameMap) ContainsName(name string) (int, bool) {
	index, ok := f.NameToIndex[name]
	return index, ok
}

func NewNameMap() NameMap {
	return NameMap{
		NameToIndex: map[string]int{},
		IndexToName: map[int]string{},
	}
}

// ColumnMap is a bidirectional mapping between a column index and a feature index
type ColumnMap struct {
	ColumnToIndex map[int]int
	IndexToColumn map[int]int
}

func (f ColumnMap) Set(column int, index int) {
	f.ColumnToIndex[column] = index
	f.IndexToColumn[index] = column
}

func (f ColumnMap) Size() int {
	return len(f.ColumnToIndex)
}

func (f ColumnMap) GetColumn(column int) (int, bool) {
	index, ok := f.ColumnToIndex[column]
	return index, ok
}

func NewColumnMap() ColumnMap {
	return ColumnMap{
		ColumnToIndex: map[int]int{},
		IndexToColumn: map[int]int{},
	}
}

type ColumnType int

const (
	Continuous ColumnType = iota
	Categorical
	Target
)

type Column struct {
	Name string
	Type ColumnType
}

type Metadata struct {
	// ModelID identifies a training run
	ModelID string

	// ModelName is the registry name of the trained model
	ModelName string

	Task Task

	Columns []Column

	// ContinuousFeaturesMap maps a data row column index to a continuous feature index
	ContinuousFeaturesMap ColumnMap

	// CategoricalFeaturesMap maps a data row column index to a categorical feature index
	CategoricalFeaturesMap ColumnMap

	// CategoricalValuesMap maps, for every categorical feature index, the category names to their
	// indexes. Index UnknownCategory is reserved.
	CategoricalValuesMap []NameMap

	// TargetColumn points to the column in the data row that contains the prediction target
	TargetColumn int

	// TargetMap contains a mapping of target category names to target category indexes
	TargetMap NameMap
}

func NewMetadata(task Task) *Metadata {
	return &Metadata{
		ModelID:                uuid.New().String(),
		Task:                   task,
		ContinuousFeaturesMap:  NewColumnMap(),
		CategoricalFeaturesMap: NewColumnMap(),
		TargetMap:              NewNameMap(),
		TargetColumn:           -1,
	}
}

func (d *Metadata) FeatureCount() int {
	return d.CategoricalFeaturesMap.Size() + d.ContinuousFeaturesMap.Size()
}

// AddCategoricalFeature registers column as the next categorical feature.
func (d *Metadata) AddCategoricalFeature(column int) {
	d.CategoricalFeaturesMap.Set(column, len(d.CategoricalValuesMap))
	d.CategoricalValuesMap = append(d.CategoricalValuesMap, NewNameMap())
}

// Cardinality counts the categories of a categorical feature, the unknown one included.
func (d *Metadata) Cardinality(feature int) int {
	return d.CategoricalValuesMap[feature].Size() + 1
}

// CategoryIndex returns the index of a category value. New values are added when
// grow is set, and mapped to UnknownCategory otherwise.
func (d *Metadata) CategoryIndex(feature int, value string, grow bool) (index int, known bool) {
	values := d.CategoricalValuesMap[feature]
	if index, ok := values.ContainsName(value); ok {
		return index, true
	}
	if !grow {
		return UnknownCategory, false
	}
	index = values.Size() + 1
	values.Set(value, index)
	return index, true
}

// TargetType is the type of the target column.
func (d *Metadata) TargetType() ColumnType {
	if d.Task == Classification {
		return Categorical
	}
	return Continuous
}

func (d *Metadata) ParseOrAddCategoricalTarget(value string) float64 {
	target, ok := d.TargetMap.ContainsName(value)
	if !ok {
		target = d.TargetMap.Size()
		d.TargetMap.Set(value, target)
	}
	return float64(target)
}

func (d *Metadata) ParseCategoricalTarget(value string) (float64, bool) {
	target, ok := d.TargetMap.ContainsName(value)
	return float64(target), ok
}

// OutputDim is the width of the model output needed for the target.
func (d *Metadata) OutputDim() int {
	if d.Task == Classification {
		return d.TargetMap.Size()
	}
	return 1
}

// EmbeddingSpec derives the model input description. dims overrides the default
// embedding widths and must then list one entry per categorical feature whose
// cardinality matches the data.
func (d *Metadata) EmbeddingSpec(dims []embedding.Dim) (embedding.Spec, error) {
	numCategorical := len(d.CategoricalValuesMap)
	if len(dims) > 0 && len(dims) != numCategorical {
		return embedding.Spec{}, fmt.Errorf("%d embedding dims configured for %d categorical features", len(dims), numCategorical)
	}
	spec := embedding.Spec{
		ContinuousDim:   d.ContinuousFeaturesMap.Size(),
		CategoricalDims: make([]embedding.Dim, numCategorical),
	}
	for i := range spec.CategoricalDims {
		cardinality := d.Cardinality(i)
		if len(dims) > 0 {
			if dims[i].Cardinality != cardinality {
				return embedding.Spec{}, fmt.Errorf("embedding dims of categorical feature %s: configured cardinality %d, data has %d",
					d.Columns[d.CategoricalFeaturesMap.IndexToColumn[i]].Name, dims[i].Cardinality, cardinality)
			}
			spec.CategoricalDims[i] = dims[i]
			continue
		}
		spec.CategoricalDims[i] = embedding.Dim{Cardinality: cardinality, Dim: embedding.DefaultDim(cardinality)}
	}
	return spec, nil
}
