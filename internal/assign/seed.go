package assign

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is a YAML document describing exec contexts and tasks to create at
// dispatcher startup.
type Seed struct {
	ExecContexts []SeedExecContext `yaml:"exec_contexts"`
	Tasks        []SeedTask        `yaml:"tasks"`
}

// SeedExecContext declares an exec context state.
type SeedExecContext struct {
	ID    int64  `yaml:"id"`
	State string `yaml:"state"`
}

// SeedTask declares one task.
type SeedTask struct {
	// Key names the task across restarts. Derived from the task's position
	// and identity when empty.
	Key            string   `yaml:"key"`
	ExecContextID  int64    `yaml:"exec_context_id"`
	Params         string   `yaml:"params"`
	Function       string   `yaml:"function"`
	FunctionSigned bool     `yaml:"function_signed"`
	Output         string   `yaml:"output"`
	Inputs         []string `yaml:"inputs"`
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	for i, t := range seed.Tasks {
		if t.Function == "" {
			return nil, fmt.Errorf("seed task %d: function is required", i)
		}
	}
	return &seed, nil
}

// key returns the seed key of the i-th task.
func (t SeedTask) key(i int) string {
	if t.Key != "" {
		return t.Key
	}
	return fmt.Sprintf("%d:%d:%s:%s", i, t.ExecContextID, t.Function, t.Output)
}

// Apply creates the seed's exec contexts and tasks in store and returns the
// task ids. Applying the same seed again returns the same ids without
// creating tasks.
func (s *Seed) Apply(ctx context.Context, store Store) ([]int64, error) {
	for _, ec := range s.ExecContexts {
		state := ec.State
		if state == "" {
			state = ExecContextStarted
		}
		if err := store.SetExecContextState(ctx, ec.ID, state); err != nil {
			return nil, err
		}
	}

	ids := make([]int64, 0, len(s.Tasks))
	for i, st := range s.Tasks {
		params, err := TaskParams{
			Function: FunctionRef{Code: st.Function, Signed: st.FunctionSigned},
			Inputs:   st.Inputs,
			Output:   st.Output,
			Args:     st.Params,
		}.Encode()
		if err != nil {
			return ids, err
		}
		id, err := store.CreateTask(ctx, Task{
			ExecContextID:  st.ExecContextID,
			Params:         params,
			FunctionCode:   st.Function,
			FunctionSigned: st.FunctionSigned,
			OutputCode:     st.Output,
			SeedKey:        st.key(i),
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
