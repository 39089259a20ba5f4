package hostfunc

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/caffeineduck/hostcall/codec"
)

// ErrNoState is the fault raised when a capability that needs per-instance
// state runs outside an instance invocation.
var ErrNoState = errors.New("no host state bound to invocation")

// Fetcher retrieves the body of a URL. Failures are reported in the
// result, never as a Go error.
type Fetcher interface {
	Fetch(ctx context.Context, url string) codec.FetchResult
}

type FetcherFunc func(ctx context.Context, url string) codec.FetchResult

func (f FetcherFunc) Fetch(ctx context.Context, url string) codec.FetchResult {
	return f(ctx, url)
}

// StaticFetcher answers every URL with the same body.
func StaticFetcher(body string) Fetcher {
	return FetcherFunc(func(context.Context, string) codec.FetchResult {
		return codec.FetchResult{Body: body}
	})
}

// FetchCapability exposes f as the fetch_url capability.
func FetchCapability(f Fetcher) Handler {
	return Typed(func(ctx context.Context, url codec.Text) (codec.FetchResult, error) {
		return f.Fetch(ctx, string(url)), nil
	})
}

func setResponse(ctx context.Context, text codec.Text) (codec.Unit, error) {
	st, ok := StateFrom(ctx)
	if !ok {
		return codec.Unit{}, ErrNoState
	}
	st.SetResponse(string(text))
	return codec.Unit{}, nil
}

func logLine(ctx context.Context, text codec.Text) (codec.Unit, error) {
	b, ok := BindingFrom(ctx)
	if !ok {
		return codec.Unit{}, ErrNoState
	}
	if b.Logger != nil {
		b.Logger.Info(string(text), zap.String("source", "guest"))
	}
	if b.State != nil {
		b.State.AppendLog(string(text))
	}
	return codec.Unit{}, nil
}
