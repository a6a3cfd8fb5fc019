// Package events carries the domain events the engine emits after commit.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"tpia/internal/metrics"
	"tpia/pkg/logger"
)

type Type string

const (
	TPIAPurchased  Type = "tpia.purchased"
	TPIAApproved   Type = "tpia.approved"
	TPIARejected   Type = "tpia.rejected"
	GDCActivated   Type = "gdc.activated"
	CycleCompleted Type = "cycle.completed"
	ExitRequested  Type = "exit.requested"
	ExitSettled    Type = "exit.settled"
)

type Event struct {
	ID          uuid.UUID              `json:"id"`
	Type        Type                   `json:"type"`
	AggregateID uuid.UUID              `json:"aggregate_id"`
	UserID      *uuid.UUID             `json:"user_id,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

func New(t Type, aggregateID uuid.UUID, at time.Time, payload map[string]interface{}) Event {
	return Event{
		ID:          uuid.New(),
		Type:        t,
		AggregateID: aggregateID,
		OccurredAt:  at,
		Payload:     payload,
	}
}

// ForUser sets the owning user.
func (e Event) ForUser(userID uuid.UUID) Event {
	e.UserID = &userID
	return e
}

type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Emit hands committed events to pub. Delivery failures are logged, never returned:
// the state change they describe has already been committed.
func Emit(ctx context.Context, pub Publisher, log logger.Logger, m *metrics.Metrics, evts []Event) {
	if pub == nil || len(evts) == 0 {
		return
	}
	err := pub.Publish(ctx, evts...)
	for _, e := range evts {
		m.EventPublished(string(e.Type), err)
	}
	if err != nil {
		log.Error("Failed to publish domain events", map[string]interface{}{
			"count": len(evts),
			"first": string(evts[0].Type),
			"error": err.Error(),
		})
	}
}

// LogPublisher writes events to the service log. Used when no broker is configured.
type LogPublisher struct {
	logger logger.Logger
}

func NewLogPublisher(log logger.Logger) *LogPublisher {
	return &LogPublisher{logger: log}
}

func (p *LogPublisher) Publish(ctx context.Context, events ...Event) error {
	for _, e := range events {
		p.logger.Info("Domain event", map[string]interface{}{
			"event_id":     e.ID.String(),
			"event_type":   string(e.Type),
			"aggregate_id": e.AggregateID.String(),
			"payload":      e.Payload,
		})
	}
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(ctx context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
