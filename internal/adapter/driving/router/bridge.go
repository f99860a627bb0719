package router

import (
	"errors"
	"io"
	"net"
	"syscall"
)

type copyResult struct {
	n   int64
	err error
}

// closeWriter is implemented by *net.TCPConn and *net.UnixConn.
type closeWriter interface {
	CloseWrite() error
}

// bridge copies readerA into connB and readerB into connA. When one direction
// reaches EOF the write side of its destination is half-closed so a client that
// shuts down its request stream still receives the response. Both connections
// are closed once both directions finish, or as soon as one fails.
func bridge(connA net.Conn, readerA io.Reader, connB net.Conn, readerB io.Reader) error {
	done := make(chan copyResult, 2)

	go func() {
		n, err := io.Copy(connB, readerA)
		if err == nil {
			halfClose(connB)
		}
		done <- copyResult{n, err}
	}()
	go func() {
		n, err := io.Copy(connA, readerB)
		if err == nil {
			halfClose(connA)
		}
		done <- copyResult{n, err}
	}()

	first := <-done
	if first.err != nil {
		_ = connA.Close()
		_ = connB.Close()
	}
	second := <-done
	_ = connA.Close()
	_ = connB.Close()

	for _, res := range []copyResult{first, second} {
		if res.err != nil && !isExpectedCloseError(res.err) {
			return res.err
		}
	}
	return nil
}

func halfClose(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}

// isExpectedCloseError reports whether err is a normal connection teardown:
// EOF, closed connection, broken pipe or connection reset.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
