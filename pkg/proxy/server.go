// Package proxy serves the OpenAI-compatible surface and the admin
// API, orchestrating credentials, sessions, conversation correlation
// and the upstream relay per request.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/lkarlslund/enginebridge/pkg/config"
	"github.com/lkarlslund/enginebridge/pkg/conversations"
	"github.com/lkarlslund/enginebridge/pkg/credentials"
	"github.com/lkarlslund/enginebridge/pkg/logstore"
	"github.com/lkarlslund/enginebridge/pkg/metrics"
	"github.com/lkarlslund/enginebridge/pkg/relay"
	"github.com/lkarlslund/enginebridge/pkg/session"
	"github.com/lkarlslund/enginebridge/pkg/version"
)

type Server struct {
	cfg        *config.ServerConfig
	pool       *credentials.Pool
	sessions   *session.Bootstrapper
	upstream   *relay.Upstream
	correlator *conversations.Correlator
	logs       *logstore.Store
	metrics    *metrics.Metrics
	httpServer *http.Server

	activeProxyRequests atomic.Int64
	draining            atomic.Bool
}

func NewServer(
	cfg *config.ServerConfig,
	pool *credentials.Pool,
	sessions *session.Bootstrapper,
	upstream *relay.Upstream,
	correlator *conversations.Correlator,
	logs *logstore.Store,
	m *metrics.Metrics,
) *Server {
	s := &Server{
		cfg:        cfg,
		pool:       pool,
		sessions:   sessions,
		upstream:   upstream,
		correlator: correlator,
		logs:       logs,
		metrics:    m,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.proxyRequestLifecycleMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", m.Handler().ServeHTTP)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/models", s.handleModels)
		v1.Post("/chat/completions", s.handleChatCompletions)
	})

	r.Route("/admin", func(a chi.Router) {
		a.Use(s.adminAuthMiddleware)
		a.Get("/credentials", s.handleCredentialList)
		a.Post("/credentials", s.handleCredentialAdd)
		a.Put("/credentials/{id}", s.handleCredentialUpdate)
		a.Delete("/credentials/{id}", s.handleCredentialRemove)
		a.Post("/credentials/{id}/test", s.handleCredentialTest)
		a.Get("/logs", s.handleLogs)
		a.Get("/logs/stream", s.handleLogsStream)
		a.Delete("/conversations/{id}", s.handleConversationDelete)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if s.cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Email:      s.cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			log.Info("https listening", "addr", ":443", "domain", s.cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.draining.Store(true)
		s.waitForProxyIdle(ctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	go func() {
		log.Info("bridge listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("bridge server: %w", err)
		}
	}()

	<-ctx.Done()
	s.draining.Store(true)
	s.waitForProxyIdle(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func (s *Server) proxyRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := strings.HasPrefix(r.URL.Path, "/v1/")
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeError(w, http.StatusServiceUnavailable, errTypeOverloaded, "server shutting down")
			return
		}
		if isProxyReq {
			s.activeProxyRequests.Add(1)
			defer s.activeProxyRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForProxyIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeProxyRequests.Load()
		if active <= 0 {
			log.Info("shutdown: bridge idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "enginebridge",
		"version": version.String(),
		"status":  "ok",
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelCard struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	cards := make([]modelCard, 0, len(s.cfg.Models))
	for _, m := range s.cfg.Models {
		cards = append(cards, modelCard{ID: m, Object: "model", OwnedBy: "enginebridge"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": cards})
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// unescapeCookie reverses the comma escaping clients apply so cookie
// values survive transport inside a bearer token.
func unescapeCookie(token string) string {
	return strings.ReplaceAll(token, ",", ";")
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}
