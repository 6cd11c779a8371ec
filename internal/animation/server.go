package animation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/miko-core/internal/config"
)

// Server accepts viewer WebSocket connections and registers them on a Bus.
type Server struct {
	bus      *Bus
	bind     string
	port     int
	attempts int
	log      *slog.Logger

	ln  net.Listener
	srv *http.Server
}

func NewServer(cfg config.AnimationConfig, bus *Bus, log *slog.Logger) *Server {
	attempts := cfg.PortAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Server{
		bus:      bus,
		bind:     cfg.Bind,
		port:     cfg.Port,
		attempts: attempts,
		log:      log.With(slog.String("component", "animation")),
	}
}

// Listen binds the configured port, moving to the next one while the port is
// already in use.
func (s *Server) Listen() error {
	var lastErr error
	for i := 0; i < s.attempts; i++ {
		addr := net.JoinHostPort(s.bind, strconv.Itoa(s.port+i))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			s.ln = ln
			if i > 0 {
				s.log.Warn("animation port in use, using fallback", slog.Int("configured", s.port), slog.String("addr", ln.Addr().String()))
			}
			return nil
		}
		lastErr = err
		if !errors.Is(err, syscall.EADDRINUSE) {
			break
		}
	}
	return fmt.Errorf("listen for animation viewers: %w", lastErr)
}

// Addr is the bound address; empty before Listen.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve handles connections until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.srv = &http.Server{Handler: s, ReadHeaderTimeout: 5 * time.Second}
	s.log.Info("animation server listening", slog.String("addr", "ws://"+s.Addr()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("animation server: %w", err)
		}
		return nil
	}

	s.bus.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("animation server shutdown", slog.String("error", err.Error()))
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("viewer handshake failed", slog.String("error", err.Error()))
		return
	}
	sock := &wsSocket{conn: conn}
	s.bus.Register(sock)
	defer s.bus.Unregister(sock)

	// Viewers never send; CloseRead reports when the peer goes away.
	<-conn.CloseRead(context.Background()).Done()
	_ = sock.Close()
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Send(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close(websocket.StatusGoingAway, "")
}
