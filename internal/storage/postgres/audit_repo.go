package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/officebus/internal/audit"
	"github.com/jkaninda/officebus/internal/storage"
)

// AuditRepository implements audit.Store with GORM. The same repository
// serves the SQLite backend.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit record.
func (r *AuditRepository) Append(ctx context.Context, rec audit.Record) error {
	model := toAuditModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

// History returns audit records oldest first, so a single action reads as
// its lifecycle.
func (r *AuditRepository) History(ctx context.Context, f storage.AuditFilter) ([]audit.Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).Order("created_at ASC").Limit(limit)
	if f.ActionID != "" {
		q = q.Scopes(ActionScope(f.ActionID))
	}
	if f.ActorID != "" {
		q = q.Scopes(ActorScope(f.ActorID))
	}

	var models []AuditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}

	records := make([]audit.Record, len(models))
	for i := range models {
		records[i] = toAuditDomain(&models[i])
	}
	return records, nil
}

var _ storage.AuditStore = (*AuditRepository)(nil)
