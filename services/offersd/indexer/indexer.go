package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"offerbook/core/events"
)

// DefaultLimit bounds List results when the caller passes no limit.
const DefaultLimit = 100

// EventRecord is one emitted event as persisted in the index.
type EventRecord struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Type         string    `gorm:"index;not null" json:"type"`
	OfferID      string    `gorm:"index" json:"offerId,omitempty"`
	Token        uint64    `gorm:"index" json:"token,omitempty"`
	Maker        string    `gorm:"index" json:"maker,omitempty"`
	Counterparty string    `gorm:"index" json:"counterparty,omitempty"`
	Attributes   string    `gorm:"type:text" json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// TableName pins the table name across drivers.
func (EventRecord) TableName() string { return "offer_events" }

// Decoded returns the stored attribute map.
func (r EventRecord) Decoded() map[string]string {
	out := map[string]string{}
	if r.Attributes != "" {
		_ = json.Unmarshal([]byte(r.Attributes), &out)
	}
	return out
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type    string
	OfferID string
	Token   uint64
	Account string
	AfterID uint64
	Limit   int
}

// Indexer persists emitted events so settlements can be audited off-chain.
type Indexer struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string, log *slog.Logger) (*Indexer, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("indexer: unknown driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open %s: %w", driver, err)
	}
	return New(db, log)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB, log *slog.Logger) (*Indexer, error) {
	if db == nil {
		return nil, fmt.Errorf("indexer: db required")
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{db: db, logger: log, now: time.Now}, nil
}

// Emit implements events.Emitter. Index failures are logged and never reach
// the emitting module.
func (i *Indexer) Emit(evt events.Event) {
	if i == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	if err := i.Record(context.Background(), payload.Type, payload.Attributes); err != nil {
		i.logger.Error("index event failed",
			slog.String("type", payload.Type),
			slog.String("error", err.Error()))
	}
}

// Record stores one event.
func (i *Indexer) Record(ctx context.Context, eventType string, attrs map[string]string) error {
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	rec := EventRecord{
		Type:         eventType,
		OfferID:      attrs["offerId"],
		Maker:        attrs["maker"],
		Counterparty: attrs["counterparty"],
		Attributes:   string(encoded),
		CreatedAt:    i.now().UTC(),
	}
	if raw := attrs["token"]; raw != "" {
		if token, err := strconv.ParseUint(raw, 10, 64); err == nil {
			rec.Token = token
		}
	}
	return i.db.WithContext(ctx).Create(&rec).Error
}

// List returns records matching f in insertion order.
func (i *Indexer) List(ctx context.Context, f Filter) ([]EventRecord, error) {
	limit := f.Limit
	if limit <= 0 || limit > DefaultLimit {
		limit = DefaultLimit
	}
	q := i.db.WithContext(ctx).Model(&EventRecord{}).Where("id > ?", f.AfterID)
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.OfferID != "" {
		q = q.Where("offer_id = ?", f.OfferID)
	}
	if f.Token != 0 {
		q = q.Where("token = ?", f.Token)
	}
	if f.Account != "" {
		q = q.Where("maker = ? OR counterparty = ?", f.Account, f.Account)
	}
	var out []EventRecord
	if err := q.Order("id ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("indexer: list: %w", err)
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (i *Indexer) Close() error {
	sqlDB, err := i.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
