// Package events publishes insuree and family mutation outcomes so other
// modules can react to enrolment changes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// MutationEvent records one completed mutation request.
type MutationEvent struct {
	ID               string    `json:"id"`
	ClientMutationID string    `json:"client_mutation_id,omitempty"`
	Label            string    `json:"label"`
	Entity           string    `json:"entity"`
	Action           string    `json:"action"`
	UUIDs            []string  `json:"uuids"`
	Tenant           string    `json:"tenant,omitempty"`
	AuditUserID      int       `json:"audit_user_id"`
	Status           Status    `json:"status"`
	Error            string    `json:"error,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

func (e MutationEvent) key() []byte {
	if len(e.UUIDs) > 0 {
		return []byte(e.UUIDs[0])
	}
	return []byte(e.ID)
}

type Publisher interface {
	Publish(ctx context.Context, event MutationEvent) error
}

// LogPublisher writes events to the structured log. It is used when no
// broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, e MutationEvent) error {
	p.logger.Info().
		Str("event_id", e.ID).
		Str("client_mutation_id", e.ClientMutationID).
		Str("entity", e.Entity).
		Str("action", e.Action).
		Strs("uuids", e.UUIDs).
		Str("status", string(e.Status)).
		Str("error", e.Error).
		Msg("mutation")
	return nil
}

// Multi fans an event out to every publisher and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e MutationEvent) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func encode(e MutationEvent) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode mutation event: %w", err)
	}
	return b, nil
}
