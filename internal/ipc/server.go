// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: bassosimone/nop's httpconn.go / observeconn.go connection
// wrapping style, applied here to accepting and dispatching a Unix-domain
// control connection instead of observing a dialed one.

package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/basso-someip/someipyd/internal/someiplog"
)

// Conn is one accepted IPC connection. Handlers use [Conn.Send] to push
// asynchronous envelopes (IncomingEvent, IncomingRequest,
// SubscriptionChanged) outside of a request/response exchange, and store
// whatever per-connection ownership bookkeeping they need in UserData.
type Conn struct {
	raw net.Conn

	writeMu sync.Mutex

	// UserData is opaque to this package; [Handler] implementations use it
	// to remember which server/client handles this connection owns, so
	// [Handler.OnDisconnect] can tear them down (spec §4.7).
	UserData any
}

// Send frames and writes env to the connection. Safe for concurrent use
// with other Send calls and with the connection's own read loop.
func (c *Conn) Send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteEnvelope(c.raw, env)
}

// Handler processes IPC traffic. The IPC server itself only knows how to
// frame envelopes and manage connection lifecycle; all control-message
// semantics live in the Handler (the daemon's orchestration layer).
type Handler interface {
	// HandleEnvelope processes one request envelope from conn and returns
	// the response envelope to send back, or an error if conn should be
	// closed (spec §4.7: "an envelope of unrecognized kind closes the
	// connection").
	HandleEnvelope(conn *Conn, env Envelope) (Envelope, error)

	// OnConnect is called once a connection is accepted, before its first
	// envelope is read.
	OnConnect(conn *Conn)

	// OnDisconnect is called once a connection is closed for any reason
	// (EOF, protocol violation, or server shutdown), so the handler can
	// release everything that connection owned (spec §4.7: stop-offer all
	// owned server instances, unsubscribe all owned client instances,
	// cancel all pending method calls).
	OnDisconnect(conn *Conn)
}

// Server accepts connections on a Unix-domain socket and dispatches framed
// envelopes to a [Handler] (spec §4.7, C7).
type Server struct {
	path    string
	ln      net.Listener
	handler Handler
	logger  someiplog.Logger

	wg sync.WaitGroup
}

// Listen binds a Unix-domain socket at path, removing any stale socket file
// left behind by a prior unclean shutdown first.
func Listen(path string, handler Handler, logger someiplog.Logger) (*Server, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("ipc: remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on %s: %w", path, err)
	}
	return &Server{path: path, ln: ln, handler: handler, logger: logger}, nil
}

// Serve accepts connections until the listener is closed, handling each on
// its own goroutine. It returns nil when the listener is closed deliberately
// (via [Server.Close]) and the underlying error otherwise.
func (s *Server) Serve() error {
	for {
		raw, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		s.wg.Add(1)
		go s.serveConn(raw)
	}
}

func (s *Server) serveConn(raw net.Conn) {
	defer s.wg.Done()
	conn := &Conn{raw: raw}
	s.handler.OnConnect(conn)
	defer func() {
		raw.Close()
		s.handler.OnDisconnect(conn)
	}()

	r := bufio.NewReader(raw)
	for {
		env, err := ReadEnvelope(r)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("ipc connection closed", "error", err.Error())
			}
			return
		}

		resp, err := s.handler.HandleEnvelope(conn, env)
		if err != nil {
			s.logger.Warn("ipc protocol violation, closing connection", "kind", string(env.Kind), "error", err.Error())
			conn.Send(Encode(KindError, ErrorPayload{Message: err.Error()}))
			return
		}
		if resp.Kind != "" {
			if err := conn.Send(resp); err != nil {
				s.logger.Debug("ipc write failed, closing connection", "error", err.Error())
				return
			}
		}
	}
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	err := s.ln.Close()
	os.Remove(s.path)
	return err
}
