package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"danet/pkg"
	"danet/pkg/model"
	"danet/pkg/model/activation"
)

func writeFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func irisLikeData(rows int) string {
	var b strings.Builder
	b.WriteString("sepal,petal,region,species\n")
	species := []string{"setosa", "versicolor", "virginica"}
	regions := []string{"north", "south"}
	for i := 0; i < rows; i++ {
		class := i % 3
		fmt.Fprintf(&b, "%.2f,%.2f,%s,%s\n", 4.5+float64(class)+float64(i%5)/10, 1+2*float64(class)+float64(i%7)/10,
			regions[i%2], species[class])
	}
	return b.String()
}

func TestTrainTestCommands(t *testing.T) {
	pkg.ReportWriter = &bytes.Buffer{}
	dir := t.TempDir()
	trainFile := writeFile(t, dir, "train.csv", irisLikeData(60))
	testFile := writeFile(t, dir, "test.csv", irisLikeData(15))
	modelFile := filepath.Join(dir, "iris.model")

	root := RootCommand()
	root.SetArgs(strings.Split("train --log-level error -i "+trainFile+" -o "+modelFile+
		" -t species -e 3 -b 10 -n 2 --abstlay-dim-1 4 --k 2 --virtual-batch-size 8 --categorical-columns region", " "))
	require.NoError(t, root.Execute())
	require.FileExists(t, modelFile)

	outputFile := filepath.Join(dir, "predictions.csv")
	root = RootCommand()
	root.SetArgs(strings.Split("test --log-level error -m "+modelFile+" -i "+testFile+" -o "+outputFile, " "))
	require.NoError(t, root.Execute())
	predictions, err := os.ReadFile(outputFile)
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(string(predictions)), "\n"), 15)

	root = RootCommand()
	root.SetArgs(strings.Split("train --log-level error -i "+trainFile+" -o "+modelFile+" -t species", " "))
	// DANet refuses to build without a virtual batch size
	require.Error(t, root.Execute())

	root = RootCommand()
	root.SetArgs([]string{"test", "--log-format", "xml", "-m", modelFile, "-i", testFile})
	require.Error(t, root.Execute())
}

func TestModelsCommand(t *testing.T) {
	var out bytes.Buffer
	root := RootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"models"})
	require.NoError(t, root.Execute())
	require.Equal(t, "DANetModel\nTabNetModel\n", out.String())

	out.Reset()
	root = RootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"models", "--show-config"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "abstlay_dim_1: 32")
	require.Contains(t, out.String(), "n_steps: 3")
	require.Contains(t, out.String(), "block_activation: LeakyReLU")
}

func TestBuildConfig(t *testing.T) {
	configFile := writeFile(t, t.TempDir(), "danet.yaml", `
n_layers: 4
k: 3
virtual_batch_size: 64
block_activation: ELU
`)

	cmd := TrainCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--n-layers", "2", "--task", "regression", "--target-range", "1,5"}))
	config, err := buildConfig(cmd, model.DANetModelName, configFile)
	require.NoError(t, err)
	danet := config.(*model.DANetConfig)
	// explicitly set flags win over the file
	require.Equal(t, 2, danet.NLayers)
	require.Equal(t, model.Regression, danet.Task)
	require.Equal(t, []float64{1, 5}, danet.TargetRange)
	// the file wins over the defaults
	require.Equal(t, 3, danet.K)
	require.Equal(t, 64, danet.VirtualBatchSize)
	require.Equal(t, activation.ELU, danet.BlockActivation)
	require.Equal(t, 32, danet.AbstlayDim1)

	cmd = TrainCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--num-decision-steps", "4"}))
	config, err = buildConfig(cmd, model.TabNetModelName, "")
	require.NoError(t, err)
	require.Equal(t, 4, config.(*model.TabNetConfig).NumDecisionSteps)

	_, err = buildConfig(cmd, model.DANetModelName, "")
	require.Error(t, err)

	_, err = buildConfig(TrainCommand(), "ResNetModel", "")
	require.Error(t, err)

	cmd = TrainCommand()
	require.Error(t, cmd.ParseFlags([]string{"--task", "clustering"}))
}
