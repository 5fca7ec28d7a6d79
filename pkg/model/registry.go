package model

import (
	"encoding/gob"
	"sort"

	"github.com/pkg/errors"

	"danet/pkg/model/embedding"
	"danet/pkg/model/head"
)

const (
	DANetModelName  = "DANetModel"
	TabNetModelName = "TabNetModel"
)

// ErrUnknownModel is returned when a model name is not registered.
var ErrUnknownModel = errors.New("unknown model")

// Config is implemented by the configuration of every registered model.
type Config interface {
	Name() string
	// Validate fills derived defaults and checks the configuration. It is idempotent.
	Validate() error
	Base() *ModelConfig
	NewBackbone(spec embedding.Spec) (Backbone, error)
}

// registry maps model names to their default configuration.
var registry = map[string]func() Config{
	DANetModelName: func() Config {
		config := DefaultDANetConfig()
		return &config
	},
	TabNetModelName: func() Config {
		config := DefaultTabNetConfig()
		return &config
	},
}

func init() {
	gob.Register(&DANetBackbone{})
	gob.Register(&TabNetBackbone{})
	gob.Register(&head.Linear{})
	gob.Register(&head.MixtureDensity{})
	gob.Register(&head.Identity{})
}

// NewConfig returns the default configuration of the named model.
func NewConfig(name string) (Config, error) {
	newConfig, ok := registry[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownModel, "%q (available: %v)", name, AvailableModels())
	}
	return newConfig(), nil
}

// AvailableModels returns the registered model names, sorted.
func AvailableModels() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
