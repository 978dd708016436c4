// Package audit appends audit entries to the store and mirrors them to the log.
package audit

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/store"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/types"
)

// Entry is one auditable event.
type Entry struct {
	SessionID    string
	ClusterID    uint
	CredentialID uint
	Action       string
	Target       string
	Outcome      types.Outcome
	Detail       string
}

// Repository is the slice of the store the recorder needs.
type Repository interface {
	AppendAudit(ctx context.Context, entry *store.AuditEntry) error
	ListAudit(ctx context.Context, filter store.AuditFilter) ([]store.AuditEntry, error)
}

// Recorder writes audit entries. Details must never contain credential material.
type Recorder struct {
	repo Repository
	log  logrus.FieldLogger
}

// NewRecorder returns a Recorder writing to repo.
func NewRecorder(repo Repository, log logrus.FieldLogger) *Recorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recorder{repo: repo, log: log.WithField("component", "audit")}
}

// Record appends one entry. The error is returned so callers can decide
// whether a lost audit row should fail their operation.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	row := &store.AuditEntry{
		Action:  e.Action,
		Target:  e.Target,
		Outcome: e.Outcome,
		Detail:  e.Detail,
	}
	if e.SessionID != "" {
		id := e.SessionID
		row.SessionID = &id
	}
	if e.ClusterID != 0 {
		id := e.ClusterID
		row.ClusterID = &id
	}
	if e.CredentialID != 0 {
		id := e.CredentialID
		row.CredentialID = &id
	}

	fields := logrus.Fields{
		"action":  e.Action,
		"target":  e.Target,
		"outcome": e.Outcome,
	}
	if e.SessionID != "" {
		fields["session_id"] = e.SessionID
	}
	if e.ClusterID != 0 {
		fields["cluster_id"] = e.ClusterID
	}
	entry := r.log.WithFields(fields)

	if err := r.repo.AppendAudit(ctx, row); err != nil {
		entry.WithError(err).Error("Failed to persist audit entry")
		return err
	}

	if e.Outcome == types.OutcomeSuccess {
		entry.Info(e.Detail)
	} else {
		entry.Warn(e.Detail)
	}

	return nil
}

// List returns stored entries matching filter, oldest first.
func (r *Recorder) List(ctx context.Context, filter store.AuditFilter) ([]store.AuditEntry, error) {
	return r.repo.ListAudit(ctx, filter)
}
