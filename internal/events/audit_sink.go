package events

import (
	"encoding/json"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// AuditRecord is the GORM model persisted by GormAuditSink: plain scalar
// fields plus the event's Data map stored as a JSON-encoded string column.
type AuditRecord struct {
	ID        uint      `gorm:"primaryKey"`
	Type      string    `gorm:"index"`
	Data      string    // JSON-encoded Event.Data
	CreatedAt time.Time
}

func (AuditRecord) TableName() string { return "event_audit_records" }

// GormAuditSink subscribes to the Event Bus and persists every event it
// receives, entirely off the dispatch path: it runs its own goroutine
// draining a Subscriber channel, per spec.md §4.10's "optional consumers"
// and SPEC_FULL.md §11's gorm wiring. Configuring it is optional; the core
// never requires it for correctness (spec.md Non-goals: "does not persist
// state across process restarts").
type GormAuditSink struct {
	db   *gorm.DB
	sub  *Subscriber
	stop chan struct{}
}

// NewGormAuditSink opens databaseURL (a postgres:// or sqlite file DSN,
// mirroring internal/database/db.go's dual-driver support) and migrates the
// AuditRecord table.
func NewGormAuditSink(bus *Bus, databaseURL string) (*GormAuditSink, error) {
	var dialector gorm.Dialector
	if len(databaseURL) >= 5 && databaseURL[:5] == "postg" {
		dialector = postgres.Open(databaseURL)
	} else {
		dialector = sqlite.Open(databaseURL)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&AuditRecord{}); err != nil {
		return nil, err
	}

	sink := &GormAuditSink{
		db:   db,
		sub:  bus.Subscribe(256),
		stop: make(chan struct{}),
	}
	go sink.run()
	return sink, nil
}

func (s *GormAuditSink) run() {
	for {
		select {
		case ev, ok := <-s.sub.Events():
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev.Data)
			s.db.Create(&AuditRecord{Type: string(ev.Type), Data: string(payload), CreatedAt: time.Now()})
		case <-s.stop:
			return
		}
	}
}

// Stop halts the background persistence goroutine.
func (s *GormAuditSink) Stop() {
	close(s.stop)
}
