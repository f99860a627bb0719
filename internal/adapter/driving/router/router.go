// Package router implements bob's front door: a single public listener that
// forwards each connection, unmodified, to either the event listener or the
// command listener based on the request line alone.
package router

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Target names a backend listener.
type Target string

const (
	TargetEvent   Target = "event"
	TargetCommand Target = "command"
)

const maxRequestLine = 8 << 10

// Config holds the front door's routing table and timeouts.
type Config struct {
	// EventPath is the hook delivery path. POSTs to it go to EventAddr.
	EventPath   string
	EventAddr   string
	CommandAddr string
	// HeaderTimeout bounds how long a client may take to send its request line.
	HeaderTimeout time.Duration
	DialTimeout   time.Duration
}

// Router accepts connections and relays them to a backend listener.
type Router struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Router. Zero timeouts get defaults of 10s (header) and 5s
// (dial).
func New(cfg Config, logger *slog.Logger) *Router {
	if cfg.HeaderTimeout <= 0 {
		cfg.HeaderTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{cfg: cfg, logger: logger, conns: make(map[net.Conn]struct{})}
}

// Route picks the backend for a request line's method and target. Only a POST
// to the event path goes to the event listener; the query string is ignored.
func Route(method, target, eventPath string) Target {
	if method != "POST" {
		return TargetCommand
	}
	path := target
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		u, err := url.ParseRequestURI(target)
		if err != nil {
			return TargetCommand
		}
		path = u.Path
	} else if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == eventPath {
		return TargetEvent
	}
	return TargetCommand
}

// ListenAndServe listens on addr and serves until ctx is done or Close is
// called.
func (rt *Router) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return rt.Serve(ctx, ln)
}

// Serve accepts connections on ln. It returns nil after ctx is done or Close
// is called, and the accept error otherwise.
func (rt *Router) Serve(ctx context.Context, ln net.Listener) error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	rt.listener = ln
	rt.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = rt.Close() })
	defer stop()

	rt.logger.Info("front door listening",
		"addr", ln.Addr().String(),
		"event_path", rt.cfg.EventPath,
		"event_addr", rt.cfg.EventAddr,
		"command_addr", rt.cfg.CommandAddr,
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if rt.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				rt.logger.Warn("accept failed, retrying", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		if !rt.track(conn) {
			_ = conn.Close()
			return nil
		}
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			defer rt.untrack(conn)
			rt.handle(conn)
		}()
	}
}

// Addr returns the listening address, or nil before Serve.
func (rt *Router) Addr() net.Addr {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.listener == nil {
		return nil
	}
	return rt.listener.Addr()
}

// Close stops accepting, closes every relayed connection and waits for the
// relays to finish.
func (rt *Router) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	var err error
	if rt.listener != nil {
		err = rt.listener.Close()
	}
	for conn := range rt.conns {
		_ = conn.Close()
	}
	rt.mu.Unlock()

	rt.wg.Wait()
	return err
}

func (rt *Router) isClosed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closed
}

func (rt *Router) track(conn net.Conn) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return false
	}
	rt.conns[conn] = struct{}{}
	return true
}

func (rt *Router) untrack(conn net.Conn) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.conns, conn)
}

// handle routes one client connection and relays it until either side closes.
func (rt *Router) handle(client net.Conn) {
	defer func() { _ = client.Close() }()

	br := bufio.NewReaderSize(client, maxRequestLine)
	_ = client.SetReadDeadline(time.Now().Add(rt.cfg.HeaderTimeout))
	line, err := br.ReadSlice('\n')
	if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
		if !isExpectedCloseError(err) {
			rt.logger.Debug("no request line", "remote", client.RemoteAddr().String(), "error", err)
		}
		return
	}
	_ = client.SetReadDeadline(time.Time{})

	// An over-long line goes to the command listener, which rejects it.
	method, target := parseRequestLine(line)
	dest := Route(method, target, rt.cfg.EventPath)
	addr := rt.cfg.CommandAddr
	if dest == TargetEvent {
		addr = rt.cfg.EventAddr
	}

	backend, err := net.DialTimeout("tcp", addr, rt.cfg.DialTimeout)
	if err != nil {
		rt.logger.Error("backend unreachable", "target", dest, "addr", addr, "error", err)
		writeBadGateway(client)
		return
	}
	if !rt.track(backend) {
		_ = backend.Close()
		return
	}
	defer rt.untrack(backend)

	rt.logger.Debug("relaying connection",
		"remote", client.RemoteAddr().String(),
		"method", method,
		"target", dest,
	)

	if _, err := backend.Write(line); err != nil {
		rt.logger.Error("forwarding request line failed", "target", dest, "error", err)
		_ = backend.Close()
		writeBadGateway(client)
		return
	}

	if err := bridge(client, br, backend, backend); err != nil {
		rt.logger.Debug("relay ended with error", "target", dest, "error", err)
	}
}

// parseRequestLine returns the method and request target of an HTTP/1.x
// request line. Missing parts come back empty.
func parseRequestLine(line []byte) (method, target string) {
	fields := strings.Fields(string(line))
	if len(fields) > 0 {
		method = fields[0]
	}
	if len(fields) > 1 {
		target = fields[1]
	}
	return method, target
}

func writeBadGateway(conn net.Conn) {
	const body = "bad gateway\n"
	_, _ = fmt.Fprintf(conn,
		"HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body)
}
