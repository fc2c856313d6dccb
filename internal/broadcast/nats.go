package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/phonerescue/phonerescue-server/internal/models"
)

// NATSMirror republishes session events on NATS subjects so other services
// (audit, notifications) can observe progress without holding an API
// connection. Subjects follow session.<id>.progress / session.<id>.status.
type NATSMirror struct {
	nc *nats.Conn
}

// NewNATSMirror creates a NATS mirror
func NewNATSMirror(nc *nats.Conn) *NATSMirror {
	return &NATSMirror{nc: nc}
}

// Publish implements Mirror
func (m *NATSMirror) Publish(event models.ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal progress event")
		return
	}

	suffix := "progress"
	if event.Type == models.EventTypeStatusChange || event.Type == models.EventTypeSessionEnded {
		suffix = "status"
	}
	subject := fmt.Sprintf("session.%s.%s", event.SessionID, suffix)

	if err := m.nc.Publish(subject, data); err != nil {
		log.Error().
			Err(err).
			Str("subject", subject).
			Msg("Failed to publish progress event to NATS")
	}
}
