// Package dispatcher routes newline-stripped command lines of the form
// `<target> <action> [args...]` to registered handlers. Commands occupy a
// fixed table of slots keyed by a caller-assigned id; lookup scans slots
// in id order and the first target/action match wins, so the slot id, not
// the order of Register calls, defines priority between duplicate
// definitions.
package dispatcher

import (
	"strings"
	"sync"
)

// Size bounds for commands handled by the dispatcher.
const (
	// MaxCommands is the number of slots in the command table.
	MaxCommands = 16
	// TargetMaxSize bounds the target token; tokens of exactly this
	// length are rejected.
	TargetMaxSize = 32
	// ActionMaxSize bounds the action token.
	ActionMaxSize = 32
	// ArgMaxSize bounds a single argument token.
	ArgMaxSize = 32
	// MaxDelimSize bounds the configured delimiter string.
	MaxDelimSize = 8
	// MaxArgs bounds the number of arguments in one command.
	MaxArgs = 10

	// MaxBufSize bounds the input buffer (one-byte delimiter assumed).
	MaxBufSize = TargetMaxSize + 1 + ActionMaxSize + 1 + (ArgMaxSize+1)*MaxArgs
)

// Handler is invoked with the parsed argument vector and the caller's
// execution context (the serving path supplies the originating client).
type Handler func(args []string, ctx interface{})

// CommandDef describes one command: the target and action tokens that
// select it and the handler to invoke.
type CommandDef struct {
	Target  string
	Action  string
	Handler Handler
}

type command struct {
	valid bool
	def   CommandDef
}

// Config holds the dispatcher options.
type Config struct {
	// Delimiter is the set of bytes that separate tokens. Runs of
	// delimiter bytes are treated as a single separator.
	Delimiter string
}

// Dispatcher is a thread-safe command table. The zero value is not
// usable; construct instances with New.
type Dispatcher struct {
	cfg Config

	mu       sync.Mutex
	commands [MaxCommands]command
}

// New validates the configuration and returns an empty dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Delimiter == "" {
		return nil, ErrInvalidArgument
	}
	if len(cfg.Delimiter) > MaxDelimSize {
		return nil, ErrDelimTooLong
	}
	return &Dispatcher{cfg: cfg}, nil
}

// Register populates the slot identified by id with the given command.
// A slot that is already populated is left untouched and the call fails
// with ErrIDAlreadyTaken.
func (d *Dispatcher) Register(id int, def CommandDef) error {
	if id < 0 || id >= MaxCommands {
		return ErrInvalidID
	}
	if def.Target == "" || def.Action == "" || def.Handler == nil {
		return ErrInvalidArgument
	}
	if len(def.Target) >= TargetMaxSize || len(def.Action) >= ActionMaxSize {
		return ErrTokenTooLong
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.commands[id].valid {
		return ErrIDAlreadyTaken
	}
	d.commands[id] = command{valid: true, def: def}
	return nil
}

// Deregister invalidates the slot identified by id. Deregistering an
// unpopulated slot is a no-op.
func (d *Dispatcher) Deregister(id int) error {
	if id < 0 || id >= MaxCommands {
		return ErrInvalidID
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.commands[id].valid = false
	return nil
}

// Execute tokenizes buf, finds the first registered command whose target
// and action match (ASCII-case-insensitively), and invokes its handler
// with the argument vector and ctx. The handler runs under the
// dispatcher lock; handlers must not call back into Register/Deregister.
func (d *Dispatcher) Execute(buf string, ctx interface{}) error {
	cmd, err := d.tokenize(buf)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.commands {
		c := &d.commands[i]
		if !c.valid {
			continue
		}
		if strings.EqualFold(cmd.target, c.def.Target) && strings.EqualFold(cmd.action, c.def.Action) {
			c.def.Handler(cmd.args, ctx)
			return nil
		}
	}
	return ErrCmdNotFound
}

type tokenizedCommand struct {
	target string
	action string
	args   []string
}

// tokenize splits buf on the configured delimiter set and validates the
// token layout and sizes. The result references substrings of buf and is
// consumed within one Execute call.
func (d *Dispatcher) tokenize(buf string) (tokenizedCommand, error) {
	var out tokenizedCommand

	if len(buf) >= MaxBufSize {
		return out, ErrBufTooLong
	}

	tokens := strings.FieldsFunc(buf, func(r rune) bool {
		return strings.ContainsRune(d.cfg.Delimiter, r)
	})

	// The first token must represent the target of the command.
	if len(tokens) == 0 {
		return out, ErrBufEmpty
	}
	if len(tokens[0]) >= TargetMaxSize {
		return out, ErrTokenTooLong
	}
	out.target = tokens[0]

	// The second token must represent the action to be performed.
	if len(tokens) < 2 {
		return out, ErrCmdIncomplete
	}
	if len(tokens[1]) >= ActionMaxSize {
		return out, ErrTokenTooLong
	}
	out.action = tokens[1]

	// Target and action may be followed by parameters.
	args := tokens[2:]
	if len(args) > MaxArgs {
		return out, ErrTooManyArgs
	}
	for _, arg := range args {
		if len(arg) >= ArgMaxSize {
			return out, ErrTokenTooLong
		}
	}
	out.args = args

	return out, nil
}
