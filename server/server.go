// Package server is the connection front end: every inbound request runs
// each configured module once and answers with their concatenated output.
package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/caffeineduck/hostcall/executor"
)

const (
	DefaultMaxConns    = 64
	DefaultReadTimeout = 5 * time.Second

	// maxHeadSize bounds the request line and headers together.
	maxHeadSize = 8 << 10
)

var errBadRequest = errors.New("bad request")

// Runner runs one invocation of a module. *executor.Pool is the usual
// implementation.
type Runner interface {
	Name() string
	Run(ctx context.Context, opts ...executor.Option) executor.Result
}

type Server struct {
	// Pools are run in order for every request.
	Pools     []Runner
	Delimiter string
	Logger    *zap.Logger

	// MaxConns bounds the connections handled at once.
	MaxConns    int
	ReadTimeout time.Duration
	// RunTimeout bounds each invocation; 0 means no limit.
	RunTimeout time.Duration
}

// Serve accepts connections on ln until ctx is cancelled or accepting
// fails. It closes ln and waits for in-flight connections before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	maxConns := s.MaxConns
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	sem := semaphore.NewWeighted(int64(maxConns))
	logger := s.logger()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})
	g.Go(func() error {
		logger.Info("listening", zap.Stringer("addr", ln.Addr()), zap.Int("max_conns", maxConns))
		for {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			conn, err := ln.Accept()
			if err != nil {
				sem.Release(1)
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			g.Go(func() error {
				defer sem.Release(1)
				s.handle(ctx, conn)
				return nil
			})
		}
	})
	return g.Wait()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	logger := s.logger().With(
		zap.String("request", uuid.NewString()),
		zap.Stringer("remote", conn.RemoteAddr()),
	)

	readTimeout := s.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	req, err := readRequest(conn)
	if err != nil {
		logger.Info("rejected request", zap.Error(err))
		writeResponse(conn, "400 Bad Request", []byte("bad request\n"))
		return
	}
	logger.Debug("request", zap.String("method", req.method), zap.String("target", req.target))

	body := s.respond(ctx, logger)
	if err := writeResponse(conn, "200 OK", body); err != nil {
		logger.Warn("write response", zap.Error(err))
	}
}

// respond runs every pool once. A failed invocation puts its error in that
// module's slot.
func (s *Server) respond(ctx context.Context, logger *zap.Logger) []byte {
	var opts []executor.Option
	if s.RunTimeout > 0 {
		opts = append(opts, executor.WithTimeout(s.RunTimeout))
	}

	var body bytes.Buffer
	for i, pool := range s.Pools {
		if i > 0 {
			body.WriteString(s.Delimiter)
		}
		res := pool.Run(ctx, opts...)
		if res.Error != nil {
			logger.Warn("module failed", zap.String("module", pool.Name()), zap.Error(res.Error))
			body.WriteString("error: " + res.Error.Error())
			continue
		}
		logger.Debug("module ran",
			zap.String("module", pool.Name()),
			zap.Uint32("status", res.Status),
			zap.Duration("duration", res.Duration),
		)
		body.WriteString(res.Output)
	}
	return body.Bytes()
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

type request struct {
	method  string
	target  string
	version string
}

// readRequest reads the request head up to the blank line that ends it, or
// EOF, and parses the request line. Headers are not interpreted.
func readRequest(r io.Reader) (request, error) {
	br := bufio.NewReader(io.LimitReader(r, maxHeadSize))

	line, err := br.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return request{}, fmt.Errorf("%w: reading request line: %w", errBadRequest, err)
	}
	req, err := parseRequestLine(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return request{}, err
	}

	for {
		header, err := br.ReadString('\n')
		if strings.TrimRight(header, "\r\n") == "" || err != nil {
			break
		}
	}
	return req, nil
}

func parseRequestLine(line string) (request, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return request{}, fmt.Errorf("%w: malformed request line %q", errBadRequest, line)
	}
	req := request{method: parts[0], target: parts[1], version: parts[2]}
	if req.method == "" || strings.IndexFunc(req.method, func(r rune) bool { return r < 'A' || r > 'Z' }) >= 0 {
		return request{}, fmt.Errorf("%w: invalid method %q", errBadRequest, req.method)
	}
	if req.target == "" {
		return request{}, fmt.Errorf("%w: empty target", errBadRequest)
	}
	if !validVersion(req.version) {
		return request{}, fmt.Errorf("%w: invalid version %q", errBadRequest, req.version)
	}
	return req, nil
}

// validVersion accepts HTTP/x.y with single digits.
func validVersion(v string) bool {
	rest, ok := strings.CutPrefix(v, "HTTP/")
	if !ok || len(rest) != 3 || rest[1] != '.' {
		return false
	}
	return isDigit(rest[0]) && isDigit(rest[2])
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func writeResponse(w io.Writer, status string, body []byte) error {
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 " + status + "\r\n")
	buf.WriteString("Content-Type: text/plain\r\n")
	buf.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	buf.WriteString("Connection: close\r\n\r\n")
	buf.Write(body)
	_, err := w.Write(buf.Bytes())
	return err
}
