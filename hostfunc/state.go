package hostfunc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/caffeineduck/hostcall/guestmem"
)

const DefaultMaxLogLines = 256

// State is the host-side state of one module instance: the response the
// module delivered, its log lines, and the fault that ended its last
// invocation, if any.
type State struct {
	mu        sync.Mutex
	output    string
	responded bool
	logs      []string
	maxLogs   int
	dropped   int
	fault     error
}

func NewState() *State {
	return &State{maxLogs: DefaultMaxLogLines}
}

// SetResponse overwrites the captured output.
func (s *State) SetResponse(text string) {
	s.mu.Lock()
	s.output = text
	s.responded = true
	s.mu.Unlock()
}

// Output returns the captured output and whether the module set one.
func (s *State) Output() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output, s.responded
}

// AppendLog keeps the most recent log lines; older ones are dropped.
func (s *State) AppendLog(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxLogs > 0 && len(s.logs) >= s.maxLogs {
		copy(s.logs, s.logs[1:])
		s.logs = s.logs[:len(s.logs)-1]
		s.dropped++
	}
	s.logs = append(s.logs, line)
}

func (s *State) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logs...)
}

// Dropped returns how many log lines were evicted since the last Reset.
func (s *State) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Fault returns the first fault recorded since the last Reset.
func (s *State) Fault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

func (s *State) setFault(err error) {
	s.mu.Lock()
	if s.fault == nil {
		s.fault = err
	}
	s.mu.Unlock()
}

// Reset clears everything captured by a previous invocation.
func (s *State) Reset() {
	s.mu.Lock()
	s.output = ""
	s.responded = false
	s.logs = nil
	s.dropped = 0
	s.fault = nil
	s.mu.Unlock()
}

// Binding carries the per-instance objects a capability call needs. The
// executor attaches it to the context of every invocation.
type Binding struct {
	State *State
	// Allocator of the instance. When nil the dispatcher uses the calling
	// module's default allocate/release exports.
	Allocator guestmem.Allocator
	Logger    *zap.Logger
}

type bindingKey struct{}

func WithBinding(ctx context.Context, b *Binding) context.Context {
	return context.WithValue(ctx, bindingKey{}, b)
}

func BindingFrom(ctx context.Context) (*Binding, bool) {
	b, ok := ctx.Value(bindingKey{}).(*Binding)
	return b, ok && b != nil
}

// WithState attaches st to ctx with no other bindings.
func WithState(ctx context.Context, st *State) context.Context {
	return WithBinding(ctx, &Binding{State: st})
}

func StateFrom(ctx context.Context) (*State, bool) {
	b, ok := BindingFrom(ctx)
	if !ok || b.State == nil {
		return nil, false
	}
	return b.State, true
}
