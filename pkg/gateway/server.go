// Package gateway exposes a websocket feed of dispatch-core events for
// operator tooling: work item creation, dispatches, containment. Clients
// authenticate with an HMAC challenge-response before receiving events.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ServerOptions configures the gateway server.
type ServerOptions struct {
	Host         string
	Port         int
	SharedSecret string
}

// Server is the websocket gateway.
type Server struct {
	options     ServerOptions
	upgrader    websocket.Upgrader
	registry    *ClientRegistry
	auth        *AuthHandler
	broadcaster *EventBroadcaster
	logger      zerolog.Logger
	server      *http.Server
}

// NewServer creates a gateway server.
func NewServer(options ServerOptions, logger zerolog.Logger) (*Server, error) {
	if options.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if options.Host == "" {
		options.Host = "127.0.0.1"
	}
	if options.Port == 0 {
		options.Port = 3002
	}

	log := logger.With().Str("component", "gateway").Logger()
	registry := NewClientRegistry()

	return &Server{
		options: options,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		registry:    registry,
		auth:        NewAuthHandler(options.SharedSecret),
		broadcaster: NewEventBroadcaster(registry, log),
		logger:      log,
	}, nil
}

// Broadcast sends an event to all authenticated clients.
func (s *Server) Broadcast(event string, data map[string]interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.registry.Count()
}

func (s *Server) serveMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)
	return mux
}

// Start runs the gateway HTTP server. It blocks until Stop is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler: s.serveMux(),
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting gateway server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	return nil
}

// Stop shuts the gateway down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown gateway server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

type clientMessage struct {
	Type      string `json:"type"`
	Signature string `json:"signature,omitempty"`
}

// HandleWS upgrades one connection and runs its read loop.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		conn: conn,
	}

	challenge, err := s.auth.GenerateChallenge()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate challenge")
		conn.Close()
		return
	}
	client.Challenge = challenge

	s.registry.Add(client)
	defer func() {
		s.registry.Remove(client.ID)
		client.Close()
	}()

	if err := client.WriteJSON(map[string]interface{}{
		"type":      "auth.challenge",
		"challenge": challenge,
	}); err != nil {
		s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("Failed to send challenge")
		return
	}

	s.logger.Debug().Str("client_id", client.ID).Msg("Client connected")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug().Str("client_id", client.ID).Msg("Client disconnected")
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "auth":
			result := s.auth.HandleAuthResponse(client, msg.Signature)
			if result.Success {
				client.WriteJSON(map[string]interface{}{"type": "auth.success"})
				s.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
				continue
			}

			client.WriteJSON(map[string]interface{}{
				"type":    "auth.failure",
				"message": result.Message,
			})
			if result.Terminal {
				s.logger.Warn().Str("client_id", client.ID).Msg("Dropping client after repeated auth failures")
				return
			}

		case "ping":
			client.WriteJSON(map[string]interface{}{"type": "pong", "timestamp": time.Now().UnixMilli()})
		}
	}
}
