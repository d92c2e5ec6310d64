package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gedebridge/gedebridge/pkg/log"
	"github.com/gedebridge/gedebridge/pkg/meters"
	"github.com/gedebridge/gedebridge/pkg/storage"
	"github.com/gedebridge/gedebridge/pkg/types"
)

// largest accepted massive order upload
const maxUploadBytes = 10 << 20

// Executor runs meter commands.
type Executor interface {
	ReadReport(ctx context.Context, req meters.ReportRequest) (types.CommandResult, error)
	SendOrder(ctx context.Context, req meters.OrderRequest) (types.CommandResult, error)
	RunBatch(ctx context.Context, req meters.BatchRequest, catalog meters.Catalog) (types.BatchRun, error)
}

// Server exposes meter reports and relay orders over HTTP.
type Server struct {
	executor Executor
	catalog  meters.Catalog
	storage  storage.Database

	listenAddr string
	httpServer *http.Server

	verifier      tokenVerifier
	allowedEmails []string
	title         string
	subtitle      string
	serverName    string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(e Executor, c meters.Catalog, s storage.Database) *Server {
	srv := &Server{
		executor:   e,
		catalog:    c,
		storage:    s,
		serverName: "gedebridge",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcIssuer := lflag.String("oidc-issuer", "", "OIDC issuer whose ID tokens are accepted as bearer tokens (empty disables auth)")
	oidcAudience := lflag.String("oidc-audience", "", "Audience (client ID) that accepted ID tokens must carry")
	allowedEmails := lflag.String("allowed-emails", "", "comma-delimited list of email addresses allowed to use the API (empty allows any verified token)")
	title := lflag.String("app-title", "CES", "Title shown by the web client")
	subtitle := lflag.String("app-subtitle", "Telegestión", "Subtitle shown by the web client")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.title = *title
		srv.subtitle = *subtitle
		if *allowedEmails != "" {
			for _, email := range strings.Split(*allowedEmails, ",") {
				srv.allowedEmails = append(srv.allowedEmails, strings.TrimSpace(email))
			}
		}
		if *oidcIssuer != "" {
			if *oidcAudience == "" {
				log.Ctx(context.Background()).Error("oidc-audience is required with oidc-issuer")
				os.Exit(1)
			}
			provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
				os.Exit(1)
			}
			srv.verifier = oidcVerifier(provider.Verifier(&oidc.Config{ClientID: *oidcAudience}))
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/meters/report", s.handleReport)
	apiMux.HandleFunc("POST /api/meters/order", s.handleOrder)
	apiMux.HandleFunc("POST /api/meters/order_massive", s.handleOrderMassive)
	apiMux.HandleFunc("GET /api/batches/{id}", s.handleGetBatch)
	apiMux.HandleFunc("GET /api/history/orders", s.handleHistoryOrders)
	apiMux.HandleFunc("GET /api/config", s.handleConfig)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.requestMiddleware(s.authMiddleware(apiMux)))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.listenAddr,
		Handler:     s.setupHandler(),
		ReadTimeout: 30 * time.Second,
		// a massive order talks to every meter in turn
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeFile(w http.ResponseWriter, contentType, name string, b []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := w.Write(b); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		AppTitle     string `json:"appTitle"`
		AppSubtitle  string `json:"appSubtitle"`
		AuthRequired bool   `json:"authRequired"`
	}{
		AppTitle:     s.title,
		AppSubtitle:  s.subtitle,
		AuthRequired: s.verifier != nil,
	})
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
