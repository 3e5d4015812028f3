package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrOutboxUnavailable  = errors.New("outbox_unavailable")
	ErrMissingTransaction = errors.New("missing_transaction")
	ErrInvalidOwner       = errors.New("invalid_owner_id")
	ErrMissingEventType   = errors.New("missing_event_type")
	ErrMissingDedupeKey   = errors.New("missing_dedupe_key")
)

// Event is a signal stored in billing_events for asynchronous delivery.
type Event struct {
	OwnerID   string
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// Stored is an outbox row waiting to be delivered.
type Stored struct {
	ID        snowflake.ID
	OwnerID   string
	EventType string
	Payload   datatypes.JSONMap
	DedupeKey string
	CreatedAt time.Time
}

type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewOutbox(db *gorm.DB, genID *snowflake.Node) *Outbox {
	return &Outbox{db: db, genID: genID}
}

func (o *Outbox) Publish(ctx context.Context, event Event) error {
	if o == nil {
		return ErrOutboxUnavailable
	}
	return o.publish(ctx, o.db, event)
}

// PublishTx stores the event inside the caller's transaction so it commits with the change it describes.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	if tx == nil {
		return ErrMissingTransaction
	}
	return o.publish(ctx, tx, event)
}

func (o *Outbox) publish(ctx context.Context, db *gorm.DB, event Event) error {
	if o == nil || db == nil || o.genID == nil {
		return ErrOutboxUnavailable
	}
	owner := strings.TrimSpace(event.OwnerID)
	if owner == "" {
		return ErrInvalidOwner
	}
	name := strings.TrimSpace(event.Type)
	if name == "" {
		return ErrMissingEventType
	}
	dedupe := strings.TrimSpace(event.DedupeKey)
	if dedupe == "" {
		return ErrMissingDedupeKey
	}

	payload := datatypes.JSONMap{}
	for key, value := range event.Payload {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}

	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_events (id, owner_id, event_type, payload, dedupe_key, published, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (owner_id, dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		owner,
		name,
		payload,
		dedupe,
		false,
		time.Now().UTC(),
	).Error
}

// Pending returns undelivered events, oldest first.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]Stored, error) {
	if o == nil || o.db == nil {
		return nil, ErrOutboxUnavailable
	}
	if limit <= 0 {
		limit = 100
	}
	var rows []Stored
	err := o.db.WithContext(ctx).Raw(
		`SELECT id, owner_id, event_type, payload, dedupe_key, created_at
		 FROM billing_events
		 WHERE published = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		false,
		limit,
	).Scan(&rows).Error
	return rows, err
}

func (o *Outbox) MarkPublished(ctx context.Context, id snowflake.ID) error {
	if o == nil || o.db == nil {
		return ErrOutboxUnavailable
	}
	return o.db.WithContext(ctx).Exec(
		`UPDATE billing_events SET published = ? WHERE id = ?`,
		true,
		id,
	).Error
}
