package pkg

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"danet/pkg/io"
	"danet/pkg/model"
	"danet/pkg/model/embedding"
)

// PredictRequest holds records given as column name to raw value, as they would appear in a data file.
type PredictRequest struct {
	Records []map[string]string `json:"records" binding:"required"`
}

type PredictResponse struct {
	ModelID     string       `json:"model_id"`
	Predictions []Prediction `json:"predictions"`
}

type ModelResponse struct {
	ModelID            string            `json:"model_id"`
	Name               string            `json:"name"`
	Task               string            `json:"task"`
	Target             string            `json:"target"`
	Classes            []string          `json:"classes,omitempty"`
	ContinuousColumns  []string          `json:"continuous_columns"`
	CategoricalColumns []string          `json:"categorical_columns"`
	Parameters         int               `json:"parameters"`
	Hyperparameters    model.ModelConfig `json:"hyperparameters"`
}

type Server struct {
	model     *model.Model
	batchSize int
}

// NewServer returns the HTTP handler serving predictions of m.
func NewServer(m *model.Model, batchSize int) *gin.Engine {
	s := &Server{model: m, batchSize: batchSize}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.GET("/health", s.HealthHandler)
	r.GET("/model", s.ModelHandler)
	r.POST("/predict", s.PredictHandler)
	return r
}

// Serve loads a model and serves predictions on addr until the server fails.
func Serve(modelFileName, addr string, batchSize int) error {
	m, err := io.LoadModelFile(modelFileName)
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)
	log.Info().Str("Address", addr).Str("Model", m.MetaData.ModelName).Str("ModelID", m.MetaData.ModelID).
		Msg("Serving predictions")
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewServer(m, batchSize),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func (s *Server) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ModelHandler(c *gin.Context) {
	metaData := s.model.MetaData
	response := ModelResponse{
		ModelID:         metaData.ModelID,
		Name:            metaData.ModelName,
		Task:            metaData.Task.String(),
		Target:          metaData.Columns[metaData.TargetColumn].Name,
		Parameters:      s.model.Network.NumParams(),
		Hyperparameters: s.model.Network.Config(),
	}
	for _, column := range metaData.Columns {
		switch column.Type {
		case model.Continuous:
			response.ContinuousColumns = append(response.ContinuousColumns, column.Name)
		case model.Categorical:
			response.CategoricalColumns = append(response.CategoricalColumns, column.Name)
		}
	}
	if metaData.Task == model.Classification {
		for i := 0; i < metaData.TargetMap.Size(); i++ {
			response.Classes = append(response.Classes, metaData.TargetMap.IndexToName[i])
		}
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) PredictHandler(c *gin.Context) {
	var request PredictRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(request.Records) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "no records to predict"})
		return
	}

	samples := make([]embedding.Sample, len(request.Records))
	for i, record := range request.Records {
		sample, err := io.ParseFeatures(s.model.MetaData, record)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("record %d: %v", i, err)})
			return
		}
		samples[i] = sample
	}

	predictions, err := Predict(c.Request.Context(), s.model, samples, s.batchSize)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, PredictResponse{ModelID: s.model.MetaData.ModelID, Predictions: predictions})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("Method", c.Request.Method).
			Str("Path", c.Request.URL.Path).
			Int("Status", c.Writer.Status()).
			Dur("Latency", time.Since(start)).
			Msg("request")
	}
}
