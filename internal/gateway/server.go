// Package gateway serves the WebSocket control protocol and the static UI.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"dominds/internal/dialog"
	"dominds/pkg/logger"
)

// Server is the HTTP front of the runtime: `/ws` control socket plus an
// optional static UI directory at `/`.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	gw         *Gateway
	auth       *Authenticator
	staticDir  string
}

// NewServer builds the HTTP server around a wired gateway.
func NewServer(gw *Gateway, auth *Authenticator, host string, port int, staticDir string) *Server {
	router := mux.NewRouter()
	s := &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf("%s:%d", host, port),
			Handler:     recovery(logging(router)),
			ReadTimeout: 60 * time.Second,
			IdleTimeout: 120 * time.Second,
		},
		router:    router,
		gw:        gw,
		auth:      auth,
		staticDir: staticDir,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	s.router.HandleFunc("/ws", s.serveWS)
	s.router.HandleFunc("/artifacts/{status}/{rootId}/{rest:.*}", s.serveArtifact).Methods(http.MethodGet)
	if s.staticDir != "" {
		s.router.PathPrefix("/").Handler(http.FileServer(http.Dir(s.staticDir)))
	}
}

// serveArtifact serves a file from a root dialog's artifacts directory.
func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request) {
	if ok, _ := s.auth.Authorize(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	vars := mux.Vars(r)
	rootID := vars["rootId"]
	id := dialog.ID{Self: rootID, Root: rootID}
	p, err := s.gw.store.ArtifactPath(id, dialog.PersistenceStatus(vars["status"]), vars["rest"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.ServeFile(w, r, p)
}

// serveWS upgrades the connection, enforces auth, and attaches the client.
// Unauthorized sockets are upgraded just long enough to send close 4401.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ok, subprotocol := s.auth.Authorize(r)

	up := upgrader
	if subprotocol != "" {
		up.Subprotocols = []string{subprotocol}
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	if !ok {
		deadline := time.Now().Add(writeWait)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeUnauthorized, "unauthorized"), deadline)
		conn.Close()
		return
	}

	client := newClient(s.gw.hub, s.gw, conn)
	s.gw.hub.Register(client)
	go client.writePump()
	go client.readPump()
	s.gw.welcome(client)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logger.Info().Str("addr", s.httpServer.Addr).Bool("auth", s.auth.Enabled()).Msg("gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and disconnects clients.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.gw.Stop()
	if err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// Router returns the underlying router for testing.
func (s *Server) Router() *mux.Router {
	return s.router
}

// logging records one line per request.
func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// recovery turns handler panics into 500s instead of killing the process.
func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("handler panic")
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
