package gormsink

import (
	"context"
	"fmt"
	"time"

	"github.com/MrEthical07/tenantauth"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultWriteTimeout = 2 * time.Second

// Record is the audit_events row.
type Record struct {
	ID         string            `gorm:"primaryKey;type:text"`
	TenantID   string            `gorm:"type:text;index:audit_events_tenant_time,priority:1"`
	OccurredAt time.Time         `gorm:"not null;index:audit_events_tenant_time,priority:2"`
	Action     string            `gorm:"type:text;not null;index"`
	ActorID    string            `gorm:"type:text;index"`
	EntityType string            `gorm:"type:text"`
	EntityID   string            `gorm:"type:text"`
	OldValues  map[string]string `gorm:"type:jsonb;serializer:json"`
	NewValues  map[string]string `gorm:"type:jsonb;serializer:json"`
	Metadata   map[string]string `gorm:"type:jsonb;serializer:json"`
	IP         string            `gorm:"type:text"`
	UserAgent  string            `gorm:"type:text"`
	Success    bool              `gorm:"not null"`
	Error      string            `gorm:"type:text"`
}

func (Record) TableName() string { return "audit_events" }

// Options configures Open.
type Options struct {
	// LogLevel is the gorm logger level: silent, error, warn or info.
	LogLevel     string
	WriteTimeout time.Duration
	AutoMigrate  bool
}

// Sink is a tenantauth.AuditSink backed by a gorm connection.
type Sink struct {
	db      *gorm.DB
	logger  *zap.Logger
	timeout time.Duration
}

var _ tenantauth.AuditSink = (*Sink)(nil)

// Open connects to dsn and returns a Sink, creating the table when
// opts.AutoMigrate is set.
func Open(dsn string, opts Options, log *zap.Logger) (*Sink, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(opts.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("gormsink: connect: %w", err)
	}
	if opts.AutoMigrate {
		if err := db.AutoMigrate(&Record{}); err != nil {
			return nil, fmt.Errorf("gormsink: migrate: %w", err)
		}
	}
	s := New(db, log)
	if opts.WriteTimeout > 0 {
		s.timeout = opts.WriteTimeout
	}
	return s, nil
}

// New wraps an existing connection.
func New(db *gorm.DB, log *zap.Logger) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{db: db, logger: log.Named("audit.gorm"), timeout: defaultWriteTimeout}
}

// Emit inserts the event. The dispatcher's context is not used for the
// deadline because it outlives requests.
func (s *Sink) Emit(ctx context.Context, event tenantauth.AuditEvent) {
	if s == nil || s.db == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	rec := toRecord(event)
	if err := s.db.WithContext(wctx).Create(&rec).Error; err != nil {
		s.logger.Warn("audit event write failed",
			zap.String("event_id", event.ID),
			zap.String("action", event.Action),
			zap.Error(err))
	}
}

// Close releases the underlying pool.
func (s *Sink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(event tenantauth.AuditEvent) Record {
	at := event.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	return Record{
		ID:         event.ID,
		TenantID:   event.TenantID,
		OccurredAt: at.UTC(),
		Action:     event.Action,
		ActorID:    event.ActorID,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		OldValues:  event.OldValues,
		NewValues:  event.NewValues,
		Metadata:   event.Metadata,
		IP:         event.IP,
		UserAgent:  event.UserAgent,
		Success:    event.Success,
		Error:      event.Error,
	}
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Silent
	}
}
