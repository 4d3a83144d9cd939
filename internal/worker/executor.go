package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-dispatch/internal/assign"
	"github.com/withObsrvr/obsrvr-dispatch/internal/logging"
	"github.com/withObsrvr/obsrvr-dispatch/internal/metrics"
	"github.com/withObsrvr/obsrvr-dispatch/internal/transfer"
	"github.com/withObsrvr/obsrvr-dispatch/internal/util"
)

// maxConsole caps the console output kept for a task result.
const maxConsole = 64 << 10

// ExecParams is the document written to the params file a function receives
// as its first argument.
type ExecParams struct {
	TaskID        int64             `yaml:"taskId"`
	ExecContextID int64             `yaml:"execContextId"`
	Args          string            `yaml:"args,omitempty"`
	Inputs        map[string]string `yaml:"inputs,omitempty"`
	Output        string            `yaml:"output"`
}

// Executor runs downloaded functions as
// `<function> <paramsFile> <outputFile>` inside the task directory.
type Executor struct {
	links   *Links
	timeout time.Duration
	log     *slog.Logger
}

// NewExecutor creates an executor. A zero timeout means ten minutes.
func NewExecutor(links *Links, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Executor{
		links:   links,
		timeout: timeout,
		log:     logging.Component("executor"),
	}
}

// Pass runs every runnable task once and returns how many ran.
func (e *Executor) Pass(ctx context.Context) int {
	ran := 0
	for _, link := range e.links.All() {
		for _, t := range link.Book.List() {
			if ctx.Err() != nil {
				return ran
			}
			if !t.Runnable() {
				continue
			}
			e.execute(ctx, link, t)
			ran++
		}
	}
	return ran
}

// Run executes passes until ctx is cancelled, waiting interval after each.
func (e *Executor) Run(ctx context.Context, interval time.Duration) error {
	e.log.Info("executor started", "interval", interval, "timeout", e.timeout)
	for {
		e.Pass(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (e *Executor) execute(ctx context.Context, link *Link, t LocalTask) {
	log := logging.TaskLogger(link.URL(), t.TaskID)
	start := time.Now()

	state, console := e.run(ctx, link, t)
	if ctx.Err() != nil && state == StateError {
		// Shutdown interrupted the run; it starts over on the next start.
		log.Info("execution interrupted")
		return
	}

	err := link.Book.Update(t.TaskID, func(lt *LocalTask) {
		lt.Completed = true
		lt.CompletedAt = time.Now().UTC()
		lt.State = state
		lt.Console = console
	})
	if err != nil && !errors.Is(err, ErrTaskNotFound) {
		log.Error("record execution failed", "error", err)
		return
	}

	if m := metrics.Get(); m != nil {
		m.IncExecutorRuns(state)
	}
	log.Info("task executed", "state", state, "duration_ms", time.Since(start).Milliseconds())
}

func (e *Executor) run(ctx context.Context, link *Link, t LocalTask) (string, string) {
	dir := link.Book.TaskDir(t.TaskID)
	if err := util.EnsureDir(dir); err != nil {
		return StateError, fmt.Sprintf("create task dir: %v", err)
	}

	paramsPath := link.Book.ParamsPath(t.TaskID)
	outputPath := link.Book.OutputPath(t.TaskID)
	os.Remove(outputPath)

	params := ExecParams{
		TaskID:        t.TaskID,
		ExecContextID: t.ExecContextID,
		Output:        outputPath,
	}
	if p, err := assign.ParseTaskParams(t.Params); err == nil {
		params.Args = p.Args
	}
	if len(t.Inputs) > 0 {
		params.Inputs = make(map[string]string, len(t.Inputs))
		for _, code := range t.Inputs {
			params.Inputs[code] = link.AssetPath(transfer.AssetData, code)
		}
	}
	data, err := yaml.Marshal(params)
	if err != nil {
		return StateError, fmt.Sprintf("encode params: %v", err)
	}
	if err := util.WriteFileAtomic(paramsPath, data); err != nil {
		return StateError, fmt.Sprintf("write params: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(runCtx, link.AssetPath(transfer.AssetFunction, t.FunctionCode), paramsPath, outputPath)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	console := out.String()
	if len(console) > maxConsole {
		console = console[len(console)-maxConsole:]
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return StateError, console + fmt.Sprintf("\nfunction timed out after %s", e.timeout)
	case runErr != nil:
		return StateError, console + fmt.Sprintf("\nfunction failed: %v", runErr)
	case !util.FileExists(outputPath):
		return StateError, console + "\nfunction produced no output file"
	}
	return StateOK, console
}
