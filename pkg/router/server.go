package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/courierhq/courier/internal/observability"
	"github.com/courierhq/courier/internal/tracing"
	"github.com/courierhq/courier/pkg/plugins"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// ServerOptions configures the webhook HTTP server.
type ServerOptions struct {
	Host               string
	Port               int
	RateLimitPerMinute int
}

// Server exposes the ingestor over HTTP. Each plugin instance gets a
// stable path: POST /webhook/{pluginInstanceID}.
type Server struct {
	options     ServerOptions
	ingestor    *Ingestor
	registry    *plugins.Registry
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	server      *http.Server
	startTime   time.Time

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
}

// NewServer creates the webhook server.
func NewServer(options ServerOptions, ingestor *Ingestor, registry *plugins.Registry, logger zerolog.Logger) (*Server, error) {
	if options.Port == 0 {
		options.Port = 3001
	}
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.RateLimitPerMinute == 0 {
		options.RateLimitPerMinute = 100
	}

	if ingestor == nil {
		return nil, fmt.Errorf("ingestor is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("plugin registry is required")
	}

	return &Server{
		options:     options,
		ingestor:    ingestor,
		registry:    registry,
		rateLimiter: NewRateLimiter(options.RateLimitPerMinute),
		logger:      logger.With().Str("component", "webhook-server").Logger(),
		startTime:   time.Now(),
	}, nil
}

// Start runs the HTTP server. It blocks until Stop is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/webhook/", s.handleWebhook)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler: mux,
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Strs("plugins", s.registry.InstanceIDs()).
		Msg("Starting webhook server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start webhook server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down webhook server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.rateLimiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown webhook server: %w", err)
	}

	s.logger.Info().Msg("Webhook server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).Seconds(),
		"pluginCount": len(s.registry.InstanceIDs()),
		"timestamp":   time.Now().UnixMilli(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := s.getClientIP(r)
	if !s.rateLimiter.CheckLimit(ip) {
		retryAfter := s.rateLimiter.GetRetryAfter(ip)
		s.logger.Warn().
			Str("ip", ip).
			Str("path", r.URL.Path).
			Int("retryAfter", retryAfter).
			Msg("Rate limit exceeded")

		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	pluginID := strings.TrimPrefix(r.URL.Path, "/webhook/")
	inst, ok := s.registry.Instance(pluginID)
	if !ok {
		s.logger.Debug().Str("plugin_id", pluginID).Msg("Unknown plugin instance")
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.logger.Error().Err(err).Str("plugin_id", pluginID).Msg("Failed to read request body")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	ctx := tracing.NewRequestContext(r.Context())
	result := s.ingestor.IngestWebhook(ctx, inst, r, body)

	duration := time.Since(startTime)
	observability.RecordWebhook(inst.Config.Type, result.Outcome, duration)

	s.logger.Info().
		Str("plugin_id", pluginID).
		Str("ip", ip).
		Str("outcome", result.Outcome).
		Int("status", result.Status).
		Dur("duration", duration).
		Msg("Webhook request completed")

	if result.RawBody != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(result.Status)
		io.WriteString(w, result.RawBody)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.Status)
	json.NewEncoder(w).Encode(result.Body)
}

func (s *Server) getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
