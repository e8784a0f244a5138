package postgres

import (
	"time"

	"github.com/google/uuid"
)

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit trail is append-only.
type AuditEventModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ActionID  string    `gorm:"not null;index"`
	Event     string    `gorm:"not null;index"`
	TaskType  string    `gorm:"not null"`
	RiskTier  string    `gorm:"not null"`
	ActorID   string    `gorm:"index"`
	SuiteID   string
	OfficeID  string
	WidgetID  string
	Status    string
	Decision  string
	Reason    string `gorm:"type:text"`
	Error     string `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// Models lists every table in migration order.
func Models() []any {
	return []any{&AuditEventModel{}}
}
