package assign

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// TaskParams is the document carried in a task's params blob. It tells the
// worker what to fetch before the task can run.
type TaskParams struct {
	Function FunctionRef `yaml:"function"`
	Inputs   []string    `yaml:"inputs,omitempty"`
	Output   string      `yaml:"output,omitempty"`
	Args     string      `yaml:"args,omitempty"`
}

// FunctionRef names the executable payload of a task.
type FunctionRef struct {
	Code   string `yaml:"code"`
	Signed bool   `yaml:"signed,omitempty"`
}

// Encode renders the params blob.
func (p TaskParams) Encode() (string, error) {
	if p.Function.Code == "" {
		return "", errors.New("task params: function code is required")
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode task params: %w", err)
	}
	return string(data), nil
}

// ParseTaskParams decodes a params blob.
func ParseTaskParams(blob string) (TaskParams, error) {
	var p TaskParams
	if err := yaml.Unmarshal([]byte(blob), &p); err != nil {
		return TaskParams{}, fmt.Errorf("parse task params: %w", err)
	}
	if p.Function.Code == "" {
		return TaskParams{}, errors.New("task params: function code is required")
	}
	return p, nil
}
