// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package tcp wraps a full-duplex connection for use by a process: inbound
// bytes arrive in the owner's mailbox as Data messages and a close arrives
// as a Closed message. Outbound sends are coalesced through a single writer
// goroutine with backpressure and timeouts.
package tcp // import "mellium.im/koine/tcp"

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"time"

	"mellium.im/koine/proc"
)

// ReadChunkSize is the size of a single activated read.
const ReadChunkSize = 4096

// Errors returned by Send.
var (
	ErrClosed  = errors.New("tcp: socket closed")
	ErrTimeout = errors.New("tcp: send timed out")
)

// Data is posted to the owning process when an activated read completes.
type Data struct {
	Sock  *Socket
	Chunk []byte
}

// Closed is posted to the owning process when the connection closes.
type Closed struct {
	Sock *Socket
}

// Socket owns a connection, its outbound buffer and its writer goroutine.
// At most one writer runs per socket and every Send completes exactly once.
type Socket struct {
	conn     net.Conn
	owner    *proc.Pid
	timeout  time.Duration
	bufLimit int

	mu      sync.Mutex
	buf     bytes.Buffer
	waiters []chan error
	wake    chan struct{}
	closed  bool
	quiet   bool
}

// Option configures a socket.
type Option func(*Socket)

// SendTimeout bounds every synchronous Send; on expiry the socket is closed
// and the send fails with ErrTimeout. Zero disables the deadline.
func SendTimeout(d time.Duration) Option {
	return func(s *Socket) { s.timeout = d }
}

// BufferLimit force-closes the socket when an asynchronous send finds more
// than limit bytes already buffered. Zero disables the limit.
func BufferLimit(limit int) Option {
	return func(s *Socket) { s.bufLimit = limit }
}

// OfConn wraps an accepted connection, ties it to the owning process and
// spawns its writer.
func OfConn(conn net.Conn, owner *proc.Pid, opts ...Option) *Socket {
	s := &Socket{
		conn:  conn,
		owner: owner,
		wake:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	go s.writeLoop()
	return s
}

// Activate launches a one-shot read of up to ReadChunkSize bytes. A
// successful read posts Data to owner; EOF or a read error closes the
// socket and posts Closed. The owner re-activates after consuming each
// chunk.
func (s *Socket) Activate(owner *proc.Pid) {
	go func() {
		chunk := make([]byte, ReadChunkSize)
		n, err := s.conn.Read(chunk)
		if n > 0 {
			if owner.Send(Data{Sock: s, Chunk: chunk[:n]}) != nil {
				s.ForceClose()
			}
			return
		}
		_ = err
		s.mu.Lock()
		alreadyClosed := s.closed
		s.closed = true
		s.buf.Reset()
		s.mu.Unlock()
		if !alreadyClosed {
			_ = s.conn.Close()
			s.wakeWriter()
			_ = owner.Send(Closed{Sock: s})
		}
	}()
}

// Send appends data to the outbound buffer and blocks until the writer has
// flushed it. When the socket carries a timeout the wait is wrapped in a
// deadline that closes the socket on expiry.
func (s *Socket) Send(data []byte) error {
	done := s.enqueue(data, true)
	if done == nil {
		return ErrClosed
	}
	if s.timeout > 0 {
		tm := time.NewTimer(s.timeout)
		defer tm.Stop()
		select {
		case err := <-done:
			return err
		case <-tm.C:
			s.ForceClose()
			return ErrTimeout
		}
	}
	return <-done
}

// SendAsync appends data to the outbound buffer without waiting for
// completion. When a buffer limit is set and currently exceeded the socket
// is force-closed instead.
func (s *Socket) SendAsync(data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.bufLimit > 0 && s.buf.Len() > s.bufLimit {
		s.mu.Unlock()
		s.ForceClose()
		return
	}
	s.buf.Write(data)
	s.mu.Unlock()
	s.wakeWriter()
}

// Close performs an orderly close: the buffer is reset, the connection is
// closed and the owner is not notified.
func (s *Socket) Close() { s.closeSocket() }

// ForceClose performs a forceful close. Pending and future sends fail with
// ErrClosed.
func (s *Socket) ForceClose() { s.closeSocket() }

func (s *Socket) closeSocket() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.quiet = true
	s.buf.Reset()
	s.mu.Unlock()
	_ = s.conn.Close()
	s.wakeWriter()
}

func (s *Socket) enqueue(data []byte, sync bool) chan error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.buf.Write(data)
	var done chan error
	if sync {
		done = make(chan error, 1)
		s.waiters = append(s.waiters, done)
	}
	s.mu.Unlock()
	s.wakeWriter()
	return done
}

func (s *Socket) wakeWriter() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// writeLoop drains the buffer: parked on the wakeup slot while empty,
// blocking writes while not. On success every currently-queued waiter is
// signalled; on I/O error the descriptor is closed, a Closed message is
// dropped to the owner and the error propagates to all waiters.
func (s *Socket) writeLoop() {
	for {
		s.mu.Lock()
		if s.closed {
			ws := s.waiters
			s.waiters = nil
			s.mu.Unlock()
			fail(ws, ErrClosed)
			return
		}
		if s.buf.Len() == 0 {
			s.mu.Unlock()
			<-s.wake
			continue
		}
		data := append([]byte(nil), s.buf.Bytes()...)
		s.buf.Reset()
		ws := s.waiters
		s.waiters = nil
		s.mu.Unlock()

		if _, err := s.conn.Write(data); err != nil {
			s.mu.Lock()
			notify := !s.closed && !s.quiet
			s.closed = true
			rest := s.waiters
			s.waiters = nil
			s.mu.Unlock()
			_ = s.conn.Close()
			fail(ws, err)
			fail(rest, err)
			if notify {
				_ = s.owner.Send(Closed{Sock: s})
			}
			return
		}
		for _, done := range ws {
			done <- nil
		}
	}
}

func fail(ws []chan error, err error) {
	for _, done := range ws {
		done <- err
	}
}

