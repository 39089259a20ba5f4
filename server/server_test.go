package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/hostcall/executor"
	"github.com/caffeineduck/hostcall/hostfunc"
	"github.com/caffeineduck/hostcall/internal/testguest"
)

type runnerFunc struct {
	name string
	run  func(ctx context.Context) executor.Result
}

func (r runnerFunc) Name() string { return r.name }

func (r runnerFunc) Run(ctx context.Context, _ ...executor.Option) executor.Result {
	return r.run(ctx)
}

func output(name, out string) Runner {
	return runnerFunc{name: name, run: func(context.Context) executor.Result {
		return executor.Result{Output: out}
	}}
}

func failing(name string, err error) Runner {
	return runnerFunc{name: name, run: func(context.Context) executor.Result {
		return executor.Result{Error: err}
	}}
}

// start serves s on a loopback listener until the test ends.
func start(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ln.Addr().String()
}

func roundTrip(t *testing.T, addr, raw string) (status, body string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(conn, raw)
	require.NoError(t, err)
	resp, err := io.ReadAll(conn)
	require.NoError(t, err)

	head, body, ok := strings.Cut(string(resp), "\r\n\r\n")
	require.True(t, ok, "response %q has no header terminator", resp)
	status, _, _ = strings.Cut(head, "\r\n")
	assert.Contains(t, head, "Content-Type: text/plain")
	assert.Contains(t, head, "Connection: close")
	assert.Contains(t, head, fmt.Sprintf("Content-Length: %d", len(body)))
	return status, body
}

const simpleGet = "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"

func TestServeConcatenatesOutputs(t *testing.T) {
	addr := start(t, &Server{
		Pools:     []Runner{output("a", "first"), output("b", ""), output("c", "third")},
		Delimiter: "\n",
	})

	status, body := roundTrip(t, addr, simpleGet)
	assert.Equal(t, "HTTP/1.1 200 OK", status)
	assert.Equal(t, "first\n\nthird", body)

	// a second request on a new connection is served the same way
	_, body = roundTrip(t, addr, "POST /anything HTTP/1.0\n\n")
	assert.Equal(t, "first\n\nthird", body)
}

func TestServeNoPools(t *testing.T) {
	addr := start(t, &Server{})
	status, body := roundTrip(t, addr, simpleGet)
	assert.Equal(t, "HTTP/1.1 200 OK", status)
	assert.Empty(t, body)
}

func TestServeFailedModuleSlot(t *testing.T) {
	addr := start(t, &Server{
		Pools:     []Runner{output("a", "ok"), failing("b", errors.New("boom")), output("c", "still")},
		Delimiter: "|",
	})
	status, body := roundTrip(t, addr, simpleGet)
	assert.Equal(t, "HTTP/1.1 200 OK", status)
	assert.Equal(t, "ok|error: boom|still", body)
}

func TestServeBadRequest(t *testing.T) {
	ran := false
	addr := start(t, &Server{Pools: []Runner{runnerFunc{name: "a", run: func(context.Context) executor.Result {
		ran = true
		return executor.Result{}
	}}}})

	for _, raw := range []string{
		"hello\r\n\r\n",
		"GET /\r\n\r\n",
		"get / HTTP/1.1\r\n\r\n",
		"GET / HTTP/one\r\n\r\n",
		"GET  / HTTP/1.1\r\n\r\n",
	} {
		status, body := roundTrip(t, addr, raw)
		assert.Equal(t, "HTTP/1.1 400 Bad Request", status, raw)
		assert.Equal(t, "bad request\n", body)
	}
	assert.False(t, ran)
}

func TestServeRequestWithoutBlankLine(t *testing.T) {
	addr := start(t, &Server{Pools: []Runner{output("a", "x")}})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, "GET / HTTP/1.1\r\n")
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(resp), "HTTP/1.1 200 OK\r\n"))
	assert.True(t, strings.HasSuffix(string(resp), "\r\n\r\nx"))
}

func TestServeReadTimeout(t *testing.T) {
	addr := start(t, &Server{ReadTimeout: 50 * time.Millisecond})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(resp), "HTTP/1.1 400 Bad Request\r\n"))
}

func TestServeConcurrentConnections(t *testing.T) {
	const n = 4
	var arrived sync.WaitGroup
	arrived.Add(n)
	// every invocation waits for all n to be in flight
	barrier := runnerFunc{name: "barrier", run: func(ctx context.Context) executor.Result {
		arrived.Done()
		arrived.Wait()
		return executor.Result{Output: "ok"}
	}}
	addr := start(t, &Server{Pools: []Runner{barrier}, MaxConns: n})

	var wg sync.WaitGroup
	bodies := make([]string, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, bodies[i] = roundTrip(t, addr, simpleGet)
		}()
	}
	wg.Wait()
	for _, b := range bodies {
		assert.Equal(t, "ok", b)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- (&Server{}).Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	_, err = net.Dial("tcp", ln.Addr().String())
	assert.Error(t, err, "listener is closed")
}

func TestServeModules(t *testing.T) {
	exec, err := executor.New(hostfunc.NewTable(hostfunc.StaticFetcher("fetched")))
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close() })
	ctx := context.Background()

	pool := func(name string, g *testguest.Module) Runner {
		mod, err := exec.Load(ctx, name, g.MustCompile())
		require.NoError(t, err)
		p, err := mod.NewPool(ctx, 2)
		require.NoError(t, err)
		t.Cleanup(func() { p.Close(ctx) })
		return p
	}

	addr := start(t, &Server{
		Pools: []Runner{
			pool("hello", testguest.New().SetResponse("hello")),
			pool("fetcher", testguest.New().Fetch("http://example.test/")),
			pool("broken", testguest.New().Raw("unreachable")),
		},
		Delimiter:  "\n",
		RunTimeout: 5 * time.Second,
	})

	for range 3 {
		status, body := roundTrip(t, addr, simpleGet)
		assert.Equal(t, "HTTP/1.1 200 OK", status)
		// trap messages may span lines
		lines := strings.SplitN(body, "\n", 3)
		require.Len(t, lines, 3)
		assert.Equal(t, "hello", lines[0])
		assert.Equal(t, "fetched", lines[1])
		assert.True(t, strings.HasPrefix(lines[2], "error: "), lines[2])
	}
}

func TestParseRequestLine(t *testing.T) {
	req, err := parseRequestLine("DELETE /x?y=1 HTTP/2.0")
	require.NoError(t, err)
	assert.Equal(t, request{method: "DELETE", target: "/x?y=1", version: "HTTP/2.0"}, req)

	for _, line := range []string{"", "GET", "GET / HTTP/1.1 extra", "GET / HTTP/11", "GET / http/1.1", " / HTTP/1.1"} {
		_, err := parseRequestLine(line)
		assert.ErrorIs(t, err, errBadRequest, line)
	}
}
