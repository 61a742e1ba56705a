// Package events publishes task-chain lifecycle events.
//
// Events are JSON documents published to NATS subjects of the form
//
//	<prefix>.chain.<chain_id>.<type>
//
// e.g. voxchain.chain.6f1c....advanced. Publishing is best effort: callers
// log failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Type is a lifecycle event kind.
type Type string

const (
	ChainCreated   Type = "created"
	ChainAdvanced  Type = "advanced"
	ChainCompleted Type = "completed"
	ChainAbandoned Type = "abandoned"
	SessionExpired Type = "expired"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "voxchain"

// Event describes one change to a chain.
type Event struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	ChainID      string    `json:"chain_id"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	TaskStatus   string    `json:"task_status,omitempty"`
	ChainStatus  string    `json:"chain_status,omitempty"`
	Step         int       `json:"step,omitempty"`
	Total        int       `json:"total,omitempty"`
	ChainVersion int64     `json:"chain_version"`
	Time         time.Time `json:"time"`
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Subject returns the NATS subject for an event.
func Subject(prefix, chainID string, t Type) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s.chain.%s.%s", prefix, sanitizeToken(chainID), t)
}

// sanitizeToken keeps subject tokens free of NATS separators and wildcards.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Connect dials NATS the way the server does: keep retrying in the
// background rather than failing startup.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("voxchaind"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", url, err)
	}
	return nc, nil
}

// NATSPublisher publishes events on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// NewNATSPublisher publishes on nc. When owned is true Close also closes nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, owned bool) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix, owned: owned}
}

// Publish marshals e and publishes it. ID and Time are filled when empty.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(Subject(p.prefix, e.ChainID, e.Type), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

// Close flushes pending events and closes an owned connection.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	if err := p.nc.FlushTimeout(2 * time.Second); err != nil && p.nc.IsConnected() {
		p.nc.Close()
		return fmt.Errorf("flush events: %w", err)
	}
	p.nc.Close()
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the types of published events in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

var (
	_ Publisher = (*NATSPublisher)(nil)
	_ Publisher = Nop{}
	_ Publisher = (*Recorder)(nil)
)
