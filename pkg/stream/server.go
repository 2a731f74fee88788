package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// writeTimeout bounds one socket write; a client that cannot take a message
// within it is disconnected.
const writeTimeout = 10 * time.Second

// CommandHandler executes client commands. The reply goes to the sender
// only; resulting state changes reach every client through the broadcast.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd Command) Reply
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd Command) Reply

// HandleCommand calls f.
func (f CommandHandlerFunc) HandleCommand(ctx context.Context, cmd Command) Reply {
	return f(ctx, cmd)
}

// dispatch parses one line and returns the encoded reply.
func dispatch(ctx context.Context, h CommandHandler, line []byte, logger *slog.Logger) []byte {
	cmd, err := ParseCommand(line)
	var reply Reply
	switch {
	case errors.Is(err, ErrEmptyCommand):
		return nil
	case err != nil:
		reply = Reply{Type: TypeReply, Command: strings.TrimSpace(string(truncate(line, 32))), Error: err.Error()}
	default:
		reply = h.HandleCommand(ctx, cmd)
	}

	msg, err := Encode(reply)
	if err != nil {
		logger.Error("failed to encode reply", "error", err)
		return nil
	}
	return msg
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// Server is the TCP stream server.
type Server struct {
	addr    string
	hub     *Hub
	handler CommandHandler
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a TCP server for addr ("host:port").
func NewServer(addr string, hub *Hub, handler CommandHandler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		hub:     hub,
		handler: handler,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the listening socket. A failure here is fatal for the process.
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.logger.Info("stream server listening", "addr", l.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts clients until ctx is cancelled, then closes every
// connection and waits for the handlers to return. Temporary accept errors
// are retried with backoff; any other accept error closes the server and is
// returned.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("server is not listening")
	}

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			l.Close()
			s.closeConns()
		})
	}
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
		}
		shutdown()
	}()

	retry := acceptBackoff()
	var err error
	for {
		var conn net.Conn
		conn, err = l.Accept()
		if err != nil {
			if ctx.Err() == nil && isTemporary(err) {
				delay := retry.NextBackOff()
				s.logger.Warn("accept failed, retrying", "error", err, "delay", delay)
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
				}
			}
			break
		}
		retry.Reset()

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		if ctx.Err() != nil {
			// Raced with shutdown after closeConns ran.
			conn.Close()
		}

		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}

	shutdown()
	close(stopped)
	s.wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("accept failed: %w", err)
}

// acceptBackoff paces retries after temporary accept errors such as EMFILE.
func acceptBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	client := s.hub.Register("tcp", conn.RemoteAddr().String())
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, client, done)
	}()

	s.readLoop(ctx, conn, client)

	close(done)
	s.hub.Unregister(client)
	conn.Close()
	<-writerDone
}

// readLoop reads newline-delimited commands. Overlong lines are discarded up
// to the next newline.
func (s *Server) readLoop(ctx context.Context, conn net.Conn, client *Client) {
	r := bufio.NewReaderSize(conn, MaxLineLen)
	skipping := false
	for {
		line, err := r.ReadSlice('\n')
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			if !skipping {
				s.logger.Debug("discarding overlong command line", "client", client.ID)
			}
			skipping = true
			continue
		case skipping:
			skipping = false
			if err != nil {
				return
			}
			continue
		case err != nil:
			// A final line without newline is a partial read; drop it.
			return
		}

		if reply := dispatch(ctx, s.handler, line, s.logger); reply != nil {
			client.Send(reply)
		}
	}
}

func (s *Server) writeLoop(conn net.Conn, client *Client, done <-chan struct{}) {
	for {
		msg, ok := client.Next(done)
		if !ok {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write(msg); err != nil {
			s.logger.Info("client write failed", "client", client.ID, "error", err)
			// Unblocks the reader, which unregisters the client.
			conn.Close()
			return
		}
	}
}
