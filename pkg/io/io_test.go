package io

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/stretchr/testify/require"

	"danet/pkg/model"
	"danet/pkg/model/embedding"
)

const trainData = `age,color,size,class
30,red,1.5,yes
41,green,2.5,no
25,red,0.5,yes
x,blue,1.0,no
52,blue,3.5,no
`

const testData = `class,size,color,age
yes,1.0,red,33
no,2.0,purple,48
maybe,2.0,red,48
`

func writeData(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadData(t *testing.T) {
	params := DataParameters{
		DataFile:           writeData(t, "train.csv", trainData),
		TargetColumn:       "class",
		CategoricalColumns: NewSet("color"),
		Task:               model.Classification,
	}

	metaData, data, dataErrors, err := LoadData(params, nil)
	require.NoError(t, err)
	require.NotNil(t, metaData)
	require.Len(t, data, 4)
	require.Len(t, dataErrors, 1) // line 3 has an invalid age
	require.Equal(t, 3, dataErrors[0].Line)

	require.Equal(t, 3, metaData.TargetColumn)
	require.Equal(t, 2, metaData.ContinuousFeaturesMap.Size())
	require.Equal(t, 1, metaData.CategoricalFeaturesMap.Size())
	require.Equal(t, 2, metaData.OutputDim())
	// red, green, blue plus the unknown category
	require.Equal(t, 4, metaData.Cardinality(0))

	d := data[0]
	require.Equal(t, 2, d.Sample.Continuous.Rows())
	require.Equal(t, []mat.Float{30, 1.5}, d.Sample.Continuous.Data())
	require.Len(t, d.Sample.Categorical, 1)
	require.NotEqual(t, model.UnknownCategory, d.Sample.Categorical[0])
	require.Equal(t, data[0].Sample.Categorical, data[2].Sample.Categorical)
	require.Equal(t, mat.Float(0), data[0].Target)
	require.Equal(t, mat.Float(1), data[1].Target)

	spec, err := metaData.EmbeddingSpec(nil)
	require.NoError(t, err)
	require.Equal(t, embedding.Spec{ContinuousDim: 2, CategoricalDims: []embedding.Dim{{Cardinality: 4, Dim: 2}}}, spec)

	params.DataFile = writeData(t, "test.csv", testData)
	testMetaData, data, dataErrors, err := LoadData(params, metaData)
	require.NoError(t, err)
	require.Equal(t, metaData, testMetaData)
	require.Len(t, dataErrors, 1) // the target class maybe is not known
	require.Equal(t, 2, dataErrors[0].Line)
	require.Len(t, data, 2)
	require.Equal(t, []mat.Float{33, 1}, data[0].Sample.Continuous.Data())
	require.Equal(t, model.UnknownCategory, data[1].Sample.Categorical[0])
	require.Equal(t, 4, metaData.Cardinality(0))
}

func TestLoadData_Regression(t *testing.T) {
	params := DataParameters{
		DataFile:           writeData(t, "train.csv", trainData),
		TargetColumn:       "size",
		CategoricalColumns: NewSet("color", "class"),
		Task:               model.Regression,
	}
	metaData, data, dataErrors, err := LoadData(params, nil)
	require.NoError(t, err)
	require.Len(t, data, 4)
	require.Len(t, dataErrors, 1)
	require.Equal(t, 1, metaData.OutputDim())
	require.Equal(t, mat.Float(2.5), data[1].Target)
	require.Len(t, data[1].Sample.Categorical, 2)
}

func TestLoadData_Errors(t *testing.T) {
	_, _, _, err := LoadData(DataParameters{DataFile: filepath.Join(t.TempDir(), "missing.csv")}, nil)
	require.Error(t, err)

	path := writeData(t, "train.csv", trainData)
	_, _, _, err = LoadData(DataParameters{DataFile: path, TargetColumn: "label"}, nil)
	require.Error(t, err)

	_, _, _, err = LoadData(DataParameters{DataFile: path, TargetColumn: "class", CategoricalColumns: NewSet("shape")}, nil)
	require.Error(t, err)

	metaData, _, _, err := LoadData(DataParameters{DataFile: path, TargetColumn: "class"}, nil)
	require.NoError(t, err)
	_, _, _, err = LoadData(DataParameters{DataFile: writeData(t, "other.csv", "age,class\n1,yes\n")}, metaData)
	require.Error(t, err)
}

func TestParseFeatures(t *testing.T) {
	params := DataParameters{
		DataFile:           writeData(t, "train.csv", trainData),
		TargetColumn:       "class",
		CategoricalColumns: NewSet("color"),
	}
	metaData, data, _, err := LoadData(params, nil)
	require.NoError(t, err)

	sample, err := ParseFeatures(metaData, map[string]string{"age": "30", "color": "red", "size": "1.5"})
	require.NoError(t, err)
	require.Equal(t, data[0].Sample.Continuous.Data(), sample.Continuous.Data())
	require.Equal(t, data[0].Sample.Categorical, sample.Categorical)

	sample, err = ParseFeatures(metaData, map[string]string{"age": "30", "color": "white", "size": "1.5", "class": "no"})
	require.NoError(t, err)
	require.Equal(t, []int{model.UnknownCategory}, sample.Categorical)

	_, err = ParseFeatures(metaData, map[string]string{"age": "30", "color": "red"})
	require.Error(t, err)
	_, err = ParseFeatures(metaData, map[string]string{"age": "thirty", "color": "red", "size": "1.5"})
	require.Error(t, err)
}

func TestSaveLoadModel(t *testing.T) {
	params := DataParameters{
		DataFile:           writeData(t, "train.csv", trainData),
		TargetColumn:       "class",
		CategoricalColumns: NewSet("color"),
	}
	metaData, data, _, err := LoadData(params, nil)
	require.NoError(t, err)
	spec, err := metaData.EmbeddingSpec(nil)
	require.NoError(t, err)

	config := model.DefaultDANetConfig()
	config.NLayers = 2
	config.AbstlayDim1 = 4
	config.K = 2
	config.VirtualBatchSize = 2
	network, err := model.New(&config, spec, metaData.OutputDim())
	require.NoError(t, err)

	var buffer bytes.Buffer
	require.NoError(t, SaveModel(&model.Model{MetaData: metaData, Network: network}, &buffer))
	loaded, err := LoadModel(&buffer)
	require.NoError(t, err)
	require.Equal(t, metaData, loaded.MetaData)
	require.Equal(t, model.DANetModelName, loaded.Network.Name)
	require.Equal(t, network.NumParams(), loaded.Network.NumParams())
	require.Equal(t, 2, loaded.Network.Backbone().(*model.DANetBackbone).NumBlocks())

	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, SaveModelFile(&model.Model{MetaData: metaData, Network: network}, path))
	loaded, err = LoadModelFile(path)
	require.NoError(t, err)
	require.Equal(t, data[0].Sample.Categorical, mustParse(t, loaded.MetaData).Categorical)

	_, err = LoadModelFile(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
}

func mustParse(t *testing.T, metaData *model.Metadata) embedding.Sample {
	sample, err := ParseFeatures(metaData, map[string]string{"age": "30", "color": "red", "size": "1.5"})
	require.NoError(t, err)
	return sample
}

func TestDataSet(t *testing.T) {
	data := make([]*DataRecord, 10)
	for i := range data {
		data[i] = &DataRecord{Target: mat.Float(i)}
	}
	ds := NewDataSet(data, 4)
	ds.Rand = rand.New(rand.NewSource(42))
	require.Equal(t, 10, ds.Size())

	var sizes []int
	for batch := ds.Next(); len(batch) > 0; batch = ds.Next() {
		sizes = append(sizes, len(batch))
	}
	require.Equal(t, []int{4, 4, 2}, sizes)

	ds.ResetOrder(RandomOrder)
	seen := map[mat.Float]bool{}
	for batch := ds.Next(); len(batch) > 0; batch = ds.Next() {
		for _, r := range batch {
			seen[r.Target] = true
		}
	}
	require.Len(t, seen, 10)

	splits := ds.RandomSplit(7, 3)
	require.Equal(t, 7, splits[0].Size())
	require.Equal(t, 3, splits[1].Size())
	all := map[mat.Float]bool{}
	for _, split := range splits {
		for batch := split.Next(); len(batch) > 0; batch = split.Next() {
			for _, r := range batch {
				all[r.Target] = true
			}
		}
	}
	require.Len(t, all, 10)
}

func TestDataSet_SplitValidation(t *testing.T) {
	data := make([]*DataRecord, 10)
	for i := range data {
		data[i] = &DataRecord{Target: mat.Float(i)}
	}
	ds := NewDataSet(data, 3)
	ds.Rand = rand.New(rand.NewSource(42))

	train, validation := ds.SplitValidation(0.2)
	require.Equal(t, 8, train.Size())
	require.Equal(t, 2, validation.Size())
	require.Len(t, train.Batches(), 3)
	require.Len(t, validation.Batches(), 1)

	train, validation = ds.SplitValidation(0)
	require.Same(t, ds, train)
	require.Nil(t, validation)
}
