package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/phonerescue/phonerescue-server/internal/models"
	"github.com/phonerescue/phonerescue-server/internal/storage"
)

// NATSSubscriber consumes the session status subjects that every node
// mirrors onto NATS. It keeps device records current (a session ending
// means the device was just connected) and gives operators a single log
// stream of terminal transitions across the cluster.
type NATSSubscriber struct {
	nc    *nats.Conn
	store storage.Store
	subs  []*nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber
func NewNATSSubscriber(nc *nats.Conn, store storage.Store) *NATSSubscriber {
	return &NATSSubscriber{
		nc:    nc,
		store: store,
		subs:  make([]*nats.Subscription, 0),
	}
}

// Start starts subscriptions
func (s *NATSSubscriber) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe("session.*.status", s.handleSessionStatus)
	if err != nil {
		return fmt.Errorf("subscribe session status: %w", err)
	}
	s.subs = append(s.subs, sub)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Msg("NATS subscriber started")

	<-ctx.Done()

	// Unsubscribe
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

// handleSessionStatus handles session status transitions
func (s *NATSSubscriber) handleSessionStatus(msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received session status")

	var event models.ProgressEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal session status")
		return
	}

	if event.Type != models.EventTypeSessionEnded {
		return
	}

	ctx := context.Background()

	session, err := s.store.GetSession(ctx, event.SessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", event.SessionID.String()).Msg("Failed to get session")
		return
	}

	// A session just ended on this device, so it was connected until now
	device, err := s.store.GetDevice(ctx, session.DeviceID)
	if err != nil {
		log.Error().Err(err).Str("device_id", session.DeviceID.String()).Msg("Failed to get device")
		return
	}

	now := time.Now()
	device.LastSeenAt = &now
	if err := s.store.UpdateDevice(ctx, device); err != nil {
		log.Error().Err(err).Msg("Failed to update device")
	}

	log.Info().
		Str("session_id", session.ID.String()).
		Str("device_id", session.DeviceID.String()).
		Str("kind", string(session.Kind)).
		Str("status", string(event.Status)).
		Int("progress", event.ProgressPercent).
		Msg("Session ended")
}
