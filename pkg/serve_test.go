package pkg

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"danet/pkg/io"
	"danet/pkg/model"
	"danet/pkg/model/embedding"
)

func trainTestModel(t *testing.T) *model.Model {
	ReportWriter = &bytes.Buffer{}
	trainFile := writeClassificationData(t, "train.csv", 40)
	params := testTrainingParameters()
	params.NumEpochs = 1
	params.CategoricalColumns = []string{"color"}
	m, err := Train(trainFile, "", filepath.Join(t.TempDir(), "danet.model"), "label", smallDANetConfig(), params)
	require.NoError(t, err)
	return m
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := trainTestModel(t)
	server := NewServer(m, 2)

	w := doRequest(t, server, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = doRequest(t, server, http.MethodGet, "/model", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info ModelResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.Equal(t, m.MetaData.ModelID, info.ModelID)
	require.Equal(t, model.DANetModelName, info.Name)
	require.Equal(t, "classification", info.Task)
	require.Equal(t, "label", info.Target)
	require.ElementsMatch(t, []string{"low", "high"}, info.Classes)
	require.Equal(t, []string{"x", "y"}, info.ContinuousColumns)
	require.Equal(t, []string{"color"}, info.CategoricalColumns)
	require.Greater(t, info.Parameters, 0)

	records := []map[string]string{
		{"x": "0.1", "y": "0.2", "color": "red"},
		{"x": "0.9", "y": "0.2", "color": "green"},
		{"x": "0.5", "y": "0.7", "color": "blue"},
		{"x": "0.3", "y": "0.1", "color": "violet"},
		{"x": "0.1", "y": "0.2", "color": "red", "label": "high"},
	}
	w = doRequest(t, server, http.MethodPost, "/predict", PredictRequest{Records: records})
	require.Equal(t, http.StatusOK, w.Code)
	var response PredictResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.Equal(t, m.MetaData.ModelID, response.ModelID)
	require.Len(t, response.Predictions, len(records))
	for _, p := range response.Predictions {
		require.Contains(t, []string{"low", "high"}, p.Class)
		require.Len(t, p.Probabilities, 2)
		require.InDelta(t, 1.0, p.Probabilities["low"]+p.Probabilities["high"], 1e-6)
		require.Nil(t, p.Value)
	}
	// the target column is ignored
	require.Equal(t, response.Predictions[0].Class, response.Predictions[4].Class)
	require.InDelta(t, response.Predictions[0].Probabilities["low"], response.Predictions[4].Probabilities["low"], 1e-5)

	w = doRequest(t, server, http.MethodPost, "/predict", PredictRequest{Records: []map[string]string{{"x": "0.1"}}})
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = doRequest(t, server, http.MethodPost, "/predict", PredictRequest{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = doRequest(t, server, http.MethodPost, "/predict", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPredict_MatchesBatchSize(t *testing.T) {
	m := trainTestModel(t)
	var samples []embedding.Sample
	for _, record := range []map[string]string{
		{"x": "0.1", "y": "0.2", "color": "red"},
		{"x": "0.9", "y": "0.2", "color": "green"},
		{"x": "0.5", "y": "0.7", "color": "blue"},
	} {
		sample, err := io.ParseFeatures(m.MetaData, record)
		require.NoError(t, err)
		samples = append(samples, sample)
	}

	single, err := Predict(context.Background(), m, samples, 1)
	require.NoError(t, err)
	all, err := Predict(context.Background(), m, samples, 3)
	require.NoError(t, err)
	require.Len(t, single, 3)
	for i := range single {
		require.Equal(t, all[i].Class, single[i].Class)
		for class, p := range all[i].Probabilities {
			require.InDelta(t, p, single[i].Probabilities[class], 1e-5)
		}
	}
}
