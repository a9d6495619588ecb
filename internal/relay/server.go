package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/pylonrelay/internal/config"
	"github.com/nextlevelbuilder/pylonrelay/pkg/protocol"
)

// Server hosts the Relay's WebSocket endpoint (§4.6).
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.RelayConfig, verifier IDVerifier) *Server {
	s := &Server{hub: NewHub(cfg, verifier)}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Hub exposes the routing hub, e.g. for UpdateConfig on fsnotify reload.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) checkOrigin(r *http.Request) bool {
	s.hub.mu.RLock()
	allowed := s.hub.cfg.AllowedOrigins
	s.hub.mu.RUnlock()
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("relay: origin rejected", "origin", origin)
	return false
}

func (s *Server) buildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start serves the Relay on cfg.Port until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.buildMux()
	addr := fmt.Sprintf(":%d", s.hub.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("relay starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("relay server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("relay: websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(conn, s.hub)
	defer client.Close()
	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// StartTestServer listens on an ephemeral port and returns its address and
// a start function, mirroring the teacher's integration-test harness.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.buildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("relay: listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
