package hostfunc

import (
	"context"
	"sort"
	"sync"

	"github.com/caffeineduck/hostcall/codec"
)

// Capability names imported by guests from the env namespace.
const (
	Namespace = "env"

	FetchURL    = "fetch_url"
	SetResponse = "set_response"
	Log         = "log"

	// Names used by older guests.
	LegacyFetchURL = "unsafe_get_url"
	LegacyLog      = "unsafe_log"
)

// Handler runs one capability. It receives the encoded argument, already
// copied out of guest memory, and returns the encoded result. An empty
// result means unit. A returned error is a fault: the invocation traps.
// Effect failures that the guest should see are encoded in the result.
type Handler func(ctx context.Context, arg []byte) ([]byte, error)

// Typed adapts a function over codec values to a Handler.
func Typed[A any, PA interface {
	*A
	codec.Unmarshaler
}, R codec.Marshaler](fn func(ctx context.Context, arg A) (R, error)) Handler {
	return func(ctx context.Context, arg []byte) ([]byte, error) {
		a, err := codec.Decode[A, PA](arg)
		if err != nil {
			return nil, err
		}
		r, err := fn(ctx, a)
		if err != nil {
			return nil, err
		}
		return codec.Marshal(r), nil
	}
}

type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Handler)}
}

func (r *Registry) Register(name string, fn Handler) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// Names returns the registered capability names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewTable builds the capability table: fetch_url, set_response and log,
// plus their legacy names.
func NewTable(fetcher Fetcher) *Registry {
	r := NewRegistry()
	fetch := FetchCapability(fetcher)
	r.Register(FetchURL, fetch)
	r.Register(LegacyFetchURL, fetch)
	r.Register(SetResponse, Typed(setResponse))
	logFn := Typed(logLine)
	r.Register(Log, logFn)
	r.Register(LegacyLog, logFn)
	return r
}
