// Package transport runs the WebSocket-carrying HTTP server that
// talks to the editor. It accepts at most one active peer: a newer
// connection supersedes and closes the previous one. Outbound sends
// are rate-limited so a runaway burst of structural edits can never
// overwhelm the editor-side socket.
package transport

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Ransomwave/azul/internal/codec"
	"github.com/Ransomwave/azul/internal/errs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server accepts a single editor WebSocket connection on a fixed
// port: OnConnection, OnMessage, Send, RequestSnapshot, Close.
type Server struct {
	addr    string
	limiter *rate.Limiter

	mu      sync.Mutex
	conn    *websocket.Conn
	httpSrv *http.Server

	onConnection func()
	onMessage    func(codec.Message)
	onDisconnect func()
}

// New returns a Server listening on addr (host:port). The outbound
// rate limiter allows bursts of 50 messages and steadies at 20/s,
// generous for structural edits but still a backstop against a
// feedback loop between the watcher and the editor.
func New(addr string) *Server {
	return &Server{
		addr:    addr,
		limiter: rate.NewLimiter(rate.Limit(20), 50),
	}
}

func (s *Server) OnConnection(cb func())          { s.onConnection = cb }
func (s *Server) OnMessage(cb func(codec.Message)) { s.onMessage = cb }
func (s *Server) OnDisconnect(cb func())          { s.onDisconnect = cb }

// ListenAndServe starts the HTTP server and blocks until it stops or
// ctx is canceled. Bind failures are fatal to the daemon; they're
// returned as a *errs.TransportError for the caller to log and exit
// on.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- &errs.TransportError{Op: "listen", Err: err}
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.httpSrv.Shutdown(context.Background())
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	previous := s.conn
	s.conn = conn
	s.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	if s.onConnection != nil {
		s.onConnection()
	}

	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		if s.onDisconnect != nil {
			s.onDisconnect()
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		msg, err := codec.Decode(data)
		if err != nil {
			if !errors.Is(err, codec.ErrUnknownType) {
				// Malformed frame (not valid JSON, or a recognized type that
				// failed to unmarshal): connection-ending.
				return
			}
			// Unrecognized type discriminator: log and drop the frame,
			// connection stays up.
			log.Printf("[transport] dropping frame: %v", err)
			continue
		}
		if s.onMessage != nil {
			s.onMessage(msg)
		}
	}
}

// Send writes one message directly to the current peer, after waiting
// on the outbound rate limit. Returns a *errs.TransportError if there is no
// active peer or the write fails; sends are dropped, not retried, on
// a closed connection.
func (s *Server) Send(msg codec.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return &errs.TransportError{Op: "send", Err: errNoPeer}
	}

	if err := s.limiter.Wait(context.Background()); err != nil {
		return &errs.TransportError{Op: "send", Err: err}
	}

	data, err := codec.Encode(msg)
	if err != nil {
		return &errs.TransportError{Op: "encode", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		// Peer was superseded while we waited on the limiter.
		return &errs.TransportError{Op: "send", Err: errNoPeer}
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &errs.TransportError{Op: "send", Err: err}
	}
	return nil
}

// RequestSnapshot sends a requestSnapshot message to prime or
// re-prime the tree.
func (s *Server) RequestSnapshot(includeProperties, scriptsAndDescendantsOnly bool) error {
	return s.Send(codec.NewRequestSnapshot(includeProperties, scriptsAndDescendantsOnly))
}

// Close closes the active connection and stops the HTTP server.
func (s *Server) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	srv := s.httpSrv
	s.mu.Unlock()

	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	if srv != nil {
		return srv.Shutdown(context.Background())
	}
	return nil
}

type transportError string

func (e transportError) Error() string { return string(e) }

var errNoPeer = transportError("no active editor connection")
