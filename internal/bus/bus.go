// Package bus provides the per-project event stream over NATS.
//
// Each project has a family of subjects (projects.{id}.events.{type}) that
// tasks publish structured events to. Subscribers receive a fan-out copy of
// every event plus a locally injected heartbeat so idle connections can
// detect health. Delivery is best-effort: events published with no live
// subscriber are dropped, and there is no replay on reconnect.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/secrets"
)

const (
	// DefaultHeartbeatInterval is how often idle subscribers receive a
	// heartbeat event.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultSubscriberBuffer is the per-subscriber channel depth. A
	// subscriber that falls further behind loses events.
	DefaultSubscriberBuffer = 64
)

// Options tunes subscriber behavior.
type Options struct {
	HeartbeatInterval time.Duration
	SubscriberBuffer  int
}

// Bus publishes and subscribes project events over a NATS connection.
// Payloads are scrubbed for secrets before they touch the wire.
type Bus struct {
	nc        *nats.Conn
	scrubber  secrets.Scrubber
	log       *logging.Logger
	heartbeat time.Duration
	buffer    int
}

// New creates a Bus. A nil scrubber disables payload scrubbing (tests only);
// a nil logger falls back to a no-op logger.
func New(nc *nats.Conn, scrubber secrets.Scrubber, log *logging.Logger, opts Options) *Bus {
	if log == nil {
		log = logging.Nop()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return &Bus{
		nc:        nc,
		scrubber:  scrubber,
		log:       log,
		heartbeat: opts.HeartbeatInterval,
		buffer:    opts.SubscriberBuffer,
	}
}

// Publish sends one event to the project's stream. The timestamp is filled
// in when zero. Publishing with no subscribers attached succeeds; the event
// is simply dropped by the broker.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if b.scrubber != nil {
		result := b.scrubber.Scrub(string(data))
		if result.TotalFindings > 0 {
			b.log.Warn(ctx, "scrubbed secrets from event payload",
				zap.String("project_id", ev.ProjectID),
				zap.String("event_type", string(ev.Type)),
				zap.Int("findings", result.TotalFindings),
			)
			data = []byte(result.Scrubbed)
		}
	}

	if err := b.nc.Publish(Subject(ev.ProjectID, ev.Type), data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

// Subscription is one live subscriber's view of a project stream.
type Subscription struct {
	// C delivers events, including heartbeats, until Close is called or
	// the subscribing context ends. The channel is closed on teardown.
	C <-chan Event

	cancel context.CancelFunc
}

// Close tears the subscription down. Safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()
}

// Subscribe attaches a new subscriber to a project's event stream. Each
// subscriber receives every event published after attachment, in per-task
// publish order, plus periodic heartbeats. The subscription ends when ctx
// is cancelled or Close is called.
func (b *Bus) Subscribe(ctx context.Context, projectID string) (*Subscription, error) {
	if projectID == "" {
		return nil, fmt.Errorf("subscribe: missing project id")
	}

	msgCh := make(chan *nats.Msg, b.buffer)
	sub, err := b.nc.ChanSubscribe(SubjectWildcard(projectID), msgCh)
	if err != nil {
		return nil, fmt.Errorf("subscribe to project %s: %w", projectID, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Event, b.buffer)

	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()

		ticker := time.NewTicker(b.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case msg := <-msgCh:
				ev, err := decodeEvent(msg)
				if err != nil {
					b.log.Warn(ctx, "dropping undecodable event",
						zap.String("subject", msg.Subject), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				default:
					// Slow subscriber; drop rather than stall the stream.
					b.log.Warn(ctx, "dropping event for slow subscriber",
						zap.String("project_id", projectID),
						zap.String("event_type", string(ev.Type)),
					)
				}

			case <-ticker.C:
				select {
				case out <- Event{Type: EventHeartbeat, ProjectID: projectID, Timestamp: time.Now().UTC()}:
				default:
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return &Subscription{C: out, cancel: cancel}, nil
}

func decodeEvent(msg *nats.Msg) (Event, error) {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return Event{}, err
	}
	if ev.Type == "" {
		ev.Type = typeFromSubject(msg.Subject)
	}
	return ev, nil
}
