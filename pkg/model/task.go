package model

import (
	"fmt"
	"strings"
)

// Task is the learning problem a model is built for.
type Task int

const (
	Classification Task = iota
	Regression
	// FeatureExtraction models output the backbone features, e.g. to feed another model.
	FeatureExtraction
)

var taskNames = [...]string{
	Classification:    "classification",
	Regression:        "regression",
	FeatureExtraction: "backbone",
}

func (t Task) String() string {
	if t < 0 || int(t) >= len(taskNames) {
		return fmt.Sprintf("Task(%d)", int(t))
	}
	return taskNames[t]
}

func (t Task) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Task) UnmarshalText(text []byte) error {
	value, err := parseEnum("task", string(text), taskNames[:])
	if err != nil {
		return err
	}
	*t = Task(value)
	return nil
}

func (t *Task) Set(value string) error { return t.UnmarshalText([]byte(value)) }
func (t *Task) Type() string           { return "task" }

// HeadType selects the output head of a model.
type HeadType int

const (
	LinearHead HeadType = iota
	MixtureDensityHead
	NoHead
)

var headNames = [...]string{
	LinearHead:         "LinearHead",
	MixtureDensityHead: "MixtureDensityHead",
	NoHead:             "None",
}

func (h HeadType) String() string {
	if h < 0 || int(h) >= len(headNames) {
		return fmt.Sprintf("HeadType(%d)", int(h))
	}
	return headNames[h]
}

func (h HeadType) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *HeadType) UnmarshalText(text []byte) error {
	value, err := parseEnum("head", string(text), headNames[:])
	if err != nil {
		return err
	}
	*h = HeadType(value)
	return nil
}

func (h *HeadType) Set(value string) error { return h.UnmarshalText([]byte(value)) }
func (h *HeadType) Type() string           { return "head" }

// Loss is the training loss. The zero value selects the default for the task.
type Loss int

const (
	DefaultLoss Loss = iota
	MSELoss
	L1Loss
	CrossEntropyLoss
)

var lossNames = [...]string{
	DefaultLoss:      "",
	MSELoss:          "MSELoss",
	L1Loss:           "L1Loss",
	CrossEntropyLoss: "CrossEntropyLoss",
}

func (l Loss) String() string {
	if l < 0 || int(l) >= len(lossNames) {
		return fmt.Sprintf("Loss(%d)", int(l))
	}
	return lossNames[l]
}

func (l Loss) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Loss) UnmarshalText(text []byte) error {
	value, err := parseEnum("loss", string(text), lossNames[:])
	if err != nil {
		return err
	}
	*l = Loss(value)
	return nil
}

func (l *Loss) Set(value string) error { return l.UnmarshalText([]byte(value)) }
func (l *Loss) Type() string           { return "loss" }

func parseEnum(kind, value string, names []string) (int, error) {
	value = strings.TrimSpace(value)
	for i, name := range names {
		if strings.EqualFold(name, value) {
			return i, nil
		}
	}
	var options []string
	for _, name := range names {
		if name != "" {
			options = append(options, name)
		}
	}
	return 0, fmt.Errorf("invalid %s %q: options are %s", kind, value, strings.Join(options, ", "))
}
