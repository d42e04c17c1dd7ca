package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/fixora/flagsync/application/port/inbound"
	"github.com/fixora/flagsync/infrastructure/http/middleware"
	"github.com/fixora/flagsync/infrastructure/http/response"
	"github.com/fixora/flagsync/infrastructure/service/logger"
)

const (
	EventConnected   = "connected"
	EventFlagChanged = "flag.changed"
	EventResync      = "resync"

	DefaultHeartbeatInterval = 15 * time.Second
)

// Streamer serves an organization's change events as Server-Sent Events
type Streamer struct {
	useCase        inbound.FeatureFlagUseCase
	logger         logger.Logger
	heartbeat      time.Duration
	maxConnections int64
	active         atomic.Int64
}

func NewStreamer(useCase inbound.FeatureFlagUseCase, log logger.Logger, heartbeat time.Duration, maxConnections int) *Streamer {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Streamer{
		useCase:        useCase,
		logger:         log,
		heartbeat:      heartbeat,
		maxConnections: int64(maxConnections),
	}
}

// ActiveConnections returns the number of open streams
func (s *Streamer) ActiveConnections() int64 {
	return s.active.Load()
}

// HandleFlagStream handles GET /v1/orgs/{org}/flags/stream
func (s *Streamer) HandleFlagStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	organizationID := mux.Vars(r)["org"]

	actor, ok := middleware.ActorFromContext(ctx)
	if !ok {
		response.Unauthorized(w, "User not authenticated")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		response.InternalServerError(w, "Streaming unsupported")
		return
	}

	if s.maxConnections > 0 && s.active.Load() >= s.maxConnections {
		response.ServiceUnavailable(w, "Too many open streams")
		return
	}

	sub, err := s.useCase.Subscribe(ctx, actor, organizationID)
	if err != nil {
		response.FromError(w, err)
		return
	}
	defer s.useCase.Unsubscribe(sub)

	s.active.Add(1)
	defer s.active.Add(-1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	initEvent := map[string]interface{}{
		"connection_id":   sub.ID(),
		"organization_id": organizationID,
		"connected":       true,
	}
	if err := writeSSEEvent(w, EventConnected, initEvent); err != nil {
		return
	}
	flusher.Flush()

	s.logger.Info(ctx, "Flag stream opened", map[string]interface{}{
		"organization_id": organizationID,
		"connection_id":   sub.ID(),
		"actor_id":        actor.ID,
	})

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-sub.Done():
			// Dropped by the registry; the client must reload the full list.
			_ = writeSSEEvent(w, EventResync, map[string]interface{}{
				"organization_id": organizationID,
				"reason":          "subscription dropped",
			})
			flusher.Flush()
			s.logger.Warn(ctx, "Flag stream dropped", map[string]interface{}{
				"organization_id": organizationID,
				"connection_id":   sub.ID(),
			})
			return

		case ev := <-sub.Events():
			if err := writeSSEEvent(w, EventFlagChanged, ev); err != nil {
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if err := writeSSEComment(w, "heartbeat"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// SSEEvent represents a Server-Sent Event payload
type SSEEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
	Time int64       `json:"time"`
}

func writeSSEEvent(w http.ResponseWriter, eventType string, data interface{}) error {
	payload := SSEEvent{Type: eventType, Data: data, Time: time.Now().Unix()}
	message, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, message)
	return err
}

func writeSSEComment(w http.ResponseWriter, comment string) error {
	_, err := fmt.Fprintf(w, ":%s\n\n", comment)
	return err
}

// Shutdown waits until every open stream has ended or ctx is done
func (s *Streamer) Shutdown(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.active.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
