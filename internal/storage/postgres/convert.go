package postgres

import (
	"github.com/google/uuid"

	"github.com/jkaninda/officebus/internal/audit"
)

func toAuditModel(r audit.Record) AuditEventModel {
	return AuditEventModel{
		ID:        uuid.New(),
		ActionID:  r.ActionID,
		Event:     r.Event,
		TaskType:  r.Type,
		RiskTier:  r.RiskTier,
		ActorID:   r.ActorID,
		SuiteID:   r.SuiteID,
		OfficeID:  r.OfficeID,
		WidgetID:  r.WidgetID,
		Status:    r.Status,
		Decision:  r.Decision,
		Reason:    r.Reason,
		Error:     r.Error,
		CreatedAt: r.Timestamp,
	}
}

func toAuditDomain(m *AuditEventModel) audit.Record {
	return audit.Record{
		Timestamp: m.CreatedAt,
		Event:     m.Event,
		ActionID:  m.ActionID,
		Type:      m.TaskType,
		RiskTier:  m.RiskTier,
		ActorID:   m.ActorID,
		SuiteID:   m.SuiteID,
		OfficeID:  m.OfficeID,
		WidgetID:  m.WidgetID,
		Status:    m.Status,
		Decision:  m.Decision,
		Reason:    m.Reason,
		Error:     m.Error,
	}
}
