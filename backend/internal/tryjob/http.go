package tryjob

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"gastrolog-ci/internal/logging"
)

// HTTPServer exposes Service.Try over a JSON POST endpoint, grounded on
// the same listen/serve/shutdown shape the log ingesters use. It is the
// credentialed RPC channel's network binding: the gRPC worker-control
// service in transport/grpcconn has no analog for intake, so this is a
// plain HTTP handler instead of a generated RPC stub.
type HTTPServer struct {
	addr     string
	service  *Service
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
}

// NewHTTPServer binds no socket until Run is called.
func NewHTTPServer(addr string, service *Service, logger *slog.Logger) *HTTPServer {
	return &HTTPServer{
		addr:    addr,
		service: service,
		logger:  logging.Default(logger).With("component", "tryjob.http"),
	}
}

// Run starts the server and blocks until ctx is cancelled.
func (s *HTTPServer) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /try", s.handleTry)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.logger.Info("try-job http server starting", "addr", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("try-job http server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the listener address. Only valid after Run has started.
func (s *HTTPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

type tryRequest struct {
	Branch     string         `json:"branch"`
	Revision   string         `json:"revision"`
	PatchLevel int            `json:"patch_level"`
	PatchBody  string         `json:"patch_body"`
	Repository string         `json:"repository"`
	Project    string         `json:"project"`
	Builders   []string       `json:"builders"`
	Who        string         `json:"who"`
	Comment    string         `json:"comment"`
	Properties map[string]any `json:"properties"`
}

func (s *HTTPServer) handleTry(w http.ResponseWriter, req *http.Request) {
	token := bearerToken(req.Header.Get("Authorization"))
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	var body tryRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}

	status, err := s.service.Try(req.Context(), token, TryParams{
		Branch:     body.Branch,
		Revision:   body.Revision,
		PatchLevel: body.PatchLevel,
		PatchBody:  body.PatchBody,
		Repository: body.Repository,
		Project:    body.Project,
		Builders:   body.Builders,
		Who:        body.Who,
		Comment:    body.Comment,
		Properties: body.Properties,
	})
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}
