// Package audit records security events. Every event is logged; when a bus
// is configured it is also published so alerting can subscribe to it.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

// Kind names a security event.
type Kind string

const (
	KindLoginSucceeded  Kind = "login_succeeded"
	KindLoginFailed     Kind = "login_failed"
	KindLogout          Kind = "logout"
	KindIdentityMissing Kind = "identity_missing"
	KindRoleDrift       Kind = "role_drift"
)

// Event is one security-relevant occurrence.
type Event struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	UserID      int       `json:"userId,omitempty"`
	Email       string    `json:"email,omitempty"`
	Role        string    `json:"role,omitempty"`
	StoredEmail string    `json:"storedEmail,omitempty"`
	StoredRole  string    `json:"storedRole,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Path        string    `json:"path,omitempty"`
	RemoteAddr  string    `json:"remoteAddr,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Recorder logs events and forwards them to an optional bus.
type Recorder struct {
	logger  *zap.Logger
	bus     Bus
	channel string
	now     func() time.Time
}

// NewRecorder constructs a Recorder. bus may be nil.
func NewRecorder(logger *zap.Logger, bus Bus, channel string) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		logger:  logger,
		bus:     bus,
		channel: channel,
		now:     time.Now,
	}
}

// Record logs event and publishes it. Publishing failures are logged and
// otherwise ignored.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now().UTC()
	}

	fields := []zap.Field{
		zap.String("event", string(event.Kind)),
		zap.String("event_id", event.ID),
		zap.Int("user_id", event.UserID),
		zap.String("email", event.Email),
		zap.String("role", event.Role),
		zap.String("path", event.Path),
		zap.String("remote_addr", event.RemoteAddr),
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}

	switch event.Kind {
	case KindRoleDrift:
		// Kept on its own message so alerting can match it exactly.
		r.logger.Error("security: role drift detected",
			append(fields,
				zap.String("stored_role", event.StoredRole),
				zap.String("stored_email", event.StoredEmail),
			)...)
	case KindLoginFailed, KindIdentityMissing:
		r.logger.Warn("security event", fields...)
	default:
		r.logger.Info("security event", fields...)
	}

	if r.bus == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("encode security event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	attrs := map[string]string{"kind": string(event.Kind)}
	if _, err := r.bus.Publish(ctx, r.channel, data, attrs); err != nil {
		r.logger.Warn("publish security event", zap.String("event_id", event.ID), zap.Error(err))
	}
}

// Tail delivers every event published on the recorder's channel to fn
// until ctx is done.
func (r *Recorder) Tail(ctx context.Context, fn func(Event) error) error {
	if r.bus == nil {
		return ErrNoBus
	}
	return r.bus.Subscribe(ctx, r.channel, func(ctx context.Context, msg Message) error {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			// Unreadable payloads are dropped rather than redelivered forever.
			r.logger.Warn("decode security event", zap.String("message_id", msg.ID), zap.Error(err))
			return nil
		}
		return fn(event)
	})
}
