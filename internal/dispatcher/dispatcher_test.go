package dispatcher

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/go-test/deep"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d, err := New(Config{Delimiter: " "})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return d
}

type recordedCall struct {
	args []string
	ctx  interface{}
}

// recorder returns a handler that appends every invocation to calls.
func recorder(calls *[]recordedCall) Handler {
	return func(args []string, ctx interface{}) {
		*calls = append(*calls, recordedCall{args: args, ctx: ctx})
	}
}

func TestNewValidatesDelimiter(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty delimiter, got %v", err)
	}
	if _, err := New(Config{Delimiter: "123456789"}); !errors.Is(err, ErrDelimTooLong) {
		t.Errorf("expected ErrDelimTooLong, got %v", err)
	}
	if _, err := New(Config{Delimiter: "12345678"}); err != nil {
		t.Errorf("expected 8-byte delimiter to be accepted, got %v", err)
	}
}

func TestRegisterAndExecute(t *testing.T) {
	d := newTestDispatcher(t)

	var calls []recordedCall
	err := d.Register(0, CommandDef{Target: "gpio", Action: "set", Handler: recorder(&calls)})
	if err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}

	ctx := &struct{ name string }{"client"}
	if err := d.Execute("gpio set 13 1", ctx); err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}

	if len(calls) != 1 {
		t.Fatalf("expected handler to be invoked exactly once, got %d", len(calls))
	}
	if diff := deep.Equal(calls[0].args, []string{"13", "1"}); len(diff) > 0 {
		t.Error(diff)
	}
	if calls[0].ctx != ctx {
		t.Error("expected the caller-supplied context to be passed through")
	}
}

func TestExecuteCaseInsensitiveRouting(t *testing.T) {
	d := newTestDispatcher(t)

	var calls []recordedCall
	if err := d.Register(0, CommandDef{Target: "gpio", Action: "set", Handler: recorder(&calls)}); err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}

	if err := d.Execute("GPiO SeT 0 ok", nil); err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected one invocation, got %d", len(calls))
	}
	if diff := deep.Equal(calls[0].args, []string{"0", "ok"}); len(diff) > 0 {
		t.Error(diff)
	}

	// A near-miss on the action must not route.
	if err := d.Execute("GPiO SeTs 0", nil); !errors.Is(err, ErrCmdNotFound) {
		t.Errorf("expected ErrCmdNotFound, got %v", err)
	}
	if len(calls) != 1 {
		t.Errorf("handler must not run for an unmatched command")
	}
}

func TestExecuteBufferBounds(t *testing.T) {
	d := newTestDispatcher(t)

	if err := d.Execute(strings.Repeat("a", MaxBufSize), nil); !errors.Is(err, ErrBufTooLong) {
		t.Errorf("expected ErrBufTooLong for a max-size buffer, got %v", err)
	}
	if err := d.Execute("", nil); !errors.Is(err, ErrBufEmpty) {
		t.Errorf("expected ErrBufEmpty, got %v", err)
	}
	if err := d.Execute("   ", nil); !errors.Is(err, ErrBufEmpty) {
		t.Errorf("expected ErrBufEmpty for a delimiter-only buffer, got %v", err)
	}

	// One byte under the limit passes length validation and reaches lookup.
	under := strings.Repeat("a", TargetMaxSize-1) + " " + strings.Repeat("b", ActionMaxSize-1)
	for i := 0; i < MaxArgs; i++ {
		under += " " + strings.Repeat("c", ArgMaxSize-1)
	}
	under += strings.Repeat(" ", MaxBufSize-1-len(under))
	if len(under) != MaxBufSize-1 {
		t.Fatalf("test buffer construction is off: len=%d", len(under))
	}
	if err := d.Execute(under, nil); !errors.Is(err, ErrCmdNotFound) {
		t.Errorf("expected ErrCmdNotFound for an in-bounds buffer, got %v", err)
	}
}

func TestExecuteTokenBounds(t *testing.T) {
	d := newTestDispatcher(t)

	var calls []recordedCall
	longTarget := strings.Repeat("t", TargetMaxSize-1)
	longAction := strings.Repeat("a", ActionMaxSize-1)
	if err := d.Register(0, CommandDef{Target: longTarget, Action: longAction, Handler: recorder(&calls)}); err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}

	// Maximum length minus one is accepted.
	if err := d.Execute(longTarget+" "+longAction, nil); err != nil {
		t.Errorf("expected max-1 tokens to route, got %v", err)
	}

	// Exactly maximum length is rejected.
	if err := d.Execute(strings.Repeat("t", TargetMaxSize)+" get", nil); !errors.Is(err, ErrTokenTooLong) {
		t.Errorf("expected ErrTokenTooLong for target, got %v", err)
	}
	if err := d.Execute("gpio "+strings.Repeat("a", ActionMaxSize), nil); !errors.Is(err, ErrTokenTooLong) {
		t.Errorf("expected ErrTokenTooLong for action, got %v", err)
	}
	if err := d.Execute("gpio get "+strings.Repeat("x", ArgMaxSize), nil); !errors.Is(err, ErrTokenTooLong) {
		t.Errorf("expected ErrTokenTooLong for argument, got %v", err)
	}
}

func TestExecuteIncompleteAndOverflowingCommands(t *testing.T) {
	d := newTestDispatcher(t)

	if err := d.Execute("gpio", nil); !errors.Is(err, ErrCmdIncomplete) {
		t.Errorf("expected ErrCmdIncomplete, got %v", err)
	}

	args := strings.Repeat(" x", MaxArgs+1)
	if err := d.Execute("gpio set"+args, nil); !errors.Is(err, ErrTooManyArgs) {
		t.Errorf("expected ErrTooManyArgs, got %v", err)
	}
}

func TestExecuteCollapsesDelimiterRuns(t *testing.T) {
	d := newTestDispatcher(t)

	var calls []recordedCall
	if err := d.Register(0, CommandDef{Target: "gpio", Action: "set", Handler: recorder(&calls)}); err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}

	if err := d.Execute("  gpio   set    13  1 ", nil); err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if diff := deep.Equal(calls[0].args, []string{"13", "1"}); len(diff) > 0 {
		t.Error(diff)
	}
}

func TestRegisterValidation(t *testing.T) {
	d := newTestDispatcher(t)
	noop := func([]string, interface{}) {}

	tests := []struct {
		name string
		id   int
		def  CommandDef
		want error
	}{
		{"id below range", -1, CommandDef{Target: "a", Action: "b", Handler: noop}, ErrInvalidID},
		{"id above range", MaxCommands, CommandDef{Target: "a", Action: "b", Handler: noop}, ErrInvalidID},
		{"empty target", 0, CommandDef{Action: "b", Handler: noop}, ErrInvalidArgument},
		{"empty action", 0, CommandDef{Target: "a", Handler: noop}, ErrInvalidArgument},
		{"nil handler", 0, CommandDef{Target: "a", Action: "b"}, ErrInvalidArgument},
		{"target too long", 0, CommandDef{Target: strings.Repeat("t", TargetMaxSize), Action: "b", Handler: noop}, ErrTokenTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := d.Register(tt.id, tt.def); !errors.Is(err, tt.want) {
				t.Errorf("Register() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRegisterDeregisterRoundTrip(t *testing.T) {
	d := newTestDispatcher(t)

	var calls []recordedCall
	def := CommandDef{Target: "sensor", Action: "get", Handler: recorder(&calls)}

	if err := d.Register(3, def); err != nil {
		t.Fatalf("first Register() returned error: %v", err)
	}
	if err := d.Register(3, def); !errors.Is(err, ErrIDAlreadyTaken) {
		t.Fatalf("expected ErrIDAlreadyTaken on duplicate id, got %v", err)
	}
	if err := d.Deregister(3); err != nil {
		t.Fatalf("Deregister() returned error: %v", err)
	}
	// Deregister on an unpopulated id is a no-op.
	if err := d.Deregister(3); err != nil {
		t.Fatalf("second Deregister() returned error: %v", err)
	}
	if err := d.Register(3, def); err != nil {
		t.Fatalf("re-Register() returned error: %v", err)
	}

	if err := d.Execute("sensor get 0 temp", nil); err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if len(calls) != 1 {
		t.Errorf("expected a single registration to remain, handler ran %d times", len(calls))
	}
}

func TestExecuteLowestSlotWins(t *testing.T) {
	d := newTestDispatcher(t)

	var first, second []recordedCall
	if err := d.Register(2, CommandDef{Target: "gpio", Action: "set", Handler: recorder(&second)}); err != nil {
		t.Fatalf("Register(2) returned error: %v", err)
	}
	if err := d.Register(1, CommandDef{Target: "gpio", Action: "set", Handler: recorder(&first)}); err != nil {
		t.Fatalf("Register(1) returned error: %v", err)
	}

	if err := d.Execute("gpio set", nil); err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if len(first) != 1 || len(second) != 0 {
		t.Errorf("expected the lowest populated slot to win (first=%d second=%d)", len(first), len(second))
	}
}

func TestExecuteDeterministicRouting(t *testing.T) {
	d := newTestDispatcher(t)

	var calls []recordedCall
	if err := d.Register(0, CommandDef{Target: "server", Action: "status", Handler: recorder(&calls)}); err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := d.Execute("server status now", nil); err != nil {
			t.Fatalf("Execute() returned error on run %d: %v", i, err)
		}
	}
	for i := 1; i < len(calls); i++ {
		if diff := deep.Equal(calls[i].args, calls[0].args); len(diff) > 0 {
			t.Error(diff)
		}
	}
}

func TestExecuteConcurrent(t *testing.T) {
	d := newTestDispatcher(t)

	var mu sync.Mutex
	count := 0
	err := d.Register(0, CommandDef{Target: "gpio", Action: "get", Handler: func([]string, interface{}) {
		mu.Lock()
		count++
		mu.Unlock()
	}})
	if err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}

	const workers = 8
	const iterations = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				if err := d.Execute("gpio get 4", nil); err != nil {
					t.Errorf("Execute() returned error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if count != workers*iterations {
		t.Errorf("expected %d invocations, got %d", workers*iterations, count)
	}
}
