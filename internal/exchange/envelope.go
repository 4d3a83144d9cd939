package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when an envelope carries an unsupported command.
var ErrUnknownKind = errors.New("unknown command kind")

// Identity is the identity a worker presents in a request envelope.
type Identity struct {
	WorkerID  string `json:"workerId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Envelope is the single container exchanged per round-trip. It holds at most
// one command of each kind.
type Envelope struct {
	Identity *Identity
	Success  bool
	Msg      string

	commands map[Kind]Command
}

// NewEnvelope creates an empty, successful envelope.
func NewEnvelope() *Envelope {
	return &Envelope{
		Success:  true,
		commands: make(map[Kind]Command),
	}
}

// Set stores cmd, replacing any previous command of the same kind. An
// AssignedTask is appended to an existing non-empty AssignedTask instead.
func (e *Envelope) Set(cmd Command) {
	if cmd == nil {
		return
	}
	if e.commands == nil {
		e.commands = make(map[Kind]Command)
	}
	if p, ok := cmd.(*AssignedTask); ok {
		cmd = *p
	}

	if next, ok := cmd.(AssignedTask); ok {
		if prev, ok := e.commands[KindAssignedTask].(AssignedTask); ok && len(prev.Tasks) > 0 {
			merged := make([]TaskAssignment, 0, len(prev.Tasks)+len(next.Tasks))
			merged = append(merged, prev.Tasks...)
			merged = append(merged, next.Tasks...)
			e.commands[KindAssignedTask] = AssignedTask{Tasks: merged}
			return
		}
	}

	e.commands[cmd.Kind()] = cmd
}

// Get returns the command of the given kind.
func (e *Envelope) Get(kind Kind) (Command, bool) {
	cmd, ok := e.commands[kind]
	return cmd, ok
}

// Has reports whether a command of kind is present.
func (e *Envelope) Has(kind Kind) bool {
	_, ok := e.commands[kind]
	return ok
}

// Delete removes the command of kind.
func (e *Envelope) Delete(kind Kind) {
	delete(e.commands, kind)
}

// Len returns the number of commands.
func (e *Envelope) Len() int {
	return len(e.commands)
}

// Commands returns the commands in stable kind order.
func (e *Envelope) Commands() []Command {
	out := make([]Command, 0, len(e.commands))
	for _, kind := range kindOrder {
		if cmd, ok := e.commands[kind]; ok {
			out = append(out, cmd)
		}
	}
	return out
}

// Lookup returns the command of type T if present.
func Lookup[T Command](e *Envelope) (T, bool) {
	var zero T
	cmd, ok := e.commands[zero.Kind()]
	if !ok {
		return zero, false
	}
	v, ok := cmd.(T)
	return v, ok
}

type wireEnvelope struct {
	Identity *Identity                `json:"identity,omitempty"`
	Commands map[Kind]json.RawMessage `json:"commands"`
	Success  bool                     `json:"success"`
	Msg      string                   `json:"msg,omitempty"`
}

// MarshalJSON encodes commands as an object keyed by kind.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		Identity: e.Identity,
		Commands: make(map[Kind]json.RawMessage, len(e.commands)),
		Success:  e.Success,
		Msg:      e.Msg,
	}
	for kind, cmd := range e.commands {
		raw, err := json.Marshal(cmd)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", kind, err)
		}
		w.Commands[kind] = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes an envelope, rejecting unknown command kinds.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	e.Identity = w.Identity
	e.Success = w.Success
	e.Msg = w.Msg
	e.commands = make(map[Kind]Command, len(w.Commands))

	for kind, raw := range w.Commands {
		decode, ok := decoders[kind]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
		}
		cmd, err := decode(raw)
		if err != nil {
			return fmt.Errorf("decode %s: %w", kind, err)
		}
		e.commands[kind] = cmd
	}
	return nil
}

var decoders = map[Kind]func(json.RawMessage) (Command, error){
	KindNop:                   decodeAs[Nop],
	KindRequestIdentity:       decodeAs[RequestIdentity],
	KindAssignedIdentity:      decodeAs[AssignedIdentity],
	KindReassignIdentity:      decodeAs[ReassignIdentity],
	KindRequestTask:           decodeAs[RequestTask],
	KindAssignedTask:          decodeAs[AssignedTask],
	KindReportStatus:          decodeAs[ReportStatus],
	KindReportTaskResult:      decodeAs[ReportTaskResult],
	KindReportResultDelivered: decodeAs[ReportResultDelivered],
	KindExecContextStatus:     decodeAs[ExecContextStatus],
	KindWorkerTaskStatus:      decodeAs[WorkerTaskStatus],
	KindCheckMissingOutputs:   decodeAs[CheckMissingOutputs],
	KindResendOutput:          decodeAs[ResendOutput],
	KindResendOutputResult:    decodeAs[ResendOutputResult],
}

func decodeAs[T Command](raw json.RawMessage) (Command, error) {
	var v T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}
