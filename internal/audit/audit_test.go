package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/store"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/types"
)

type memoryRepo struct {
	entries []store.AuditEntry
	err     error
}

func (m *memoryRepo) AppendAudit(_ context.Context, e *store.AuditEntry) error {
	if m.err != nil {
		return m.err
	}
	e.ID = uint(len(m.entries) + 1)
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memoryRepo) ListAudit(_ context.Context, _ store.AuditFilter) ([]store.AuditEntry, error) {
	return m.entries, nil
}

func TestRecordPersistsAndLogs(t *testing.T) {
	repo := &memoryRepo{}
	log, hook := test.NewNullLogger()
	r := NewRecorder(repo, log)

	err := r.Record(context.Background(), Entry{
		SessionID: "sess-1",
		ClusterID: 3,
		Action:    "setup.credential",
		Target:    "c1",
		Outcome:   types.OutcomeSuccess,
		Detail:    "credential kyverno/kyverno-admin stored",
	})
	require.NoError(t, err)

	require.Len(t, repo.entries, 1)
	row := repo.entries[0]
	require.NotNil(t, row.SessionID)
	assert.Equal(t, "sess-1", *row.SessionID)
	require.NotNil(t, row.ClusterID)
	assert.Equal(t, uint(3), *row.ClusterID)
	assert.Nil(t, row.CredentialID)

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.InfoLevel, last.Level)
	assert.Equal(t, "setup.credential", last.Data["action"])
	assert.Equal(t, "audit", last.Data["component"])
}

func TestFailureOutcomesLogAtWarn(t *testing.T) {
	log, hook := test.NewNullLogger()
	r := NewRecorder(&memoryRepo{}, log)

	require.NoError(t, r.Record(context.Background(), Entry{Action: "setup.install", Outcome: types.OutcomeFailure, Detail: "helm exited 1"}))
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestRecordReturnsStoreErrors(t *testing.T) {
	log, hook := test.NewNullLogger()
	r := NewRecorder(&memoryRepo{err: errors.New("disk full")}, log)

	err := r.Record(context.Background(), Entry{Action: "setup.identity", Outcome: types.OutcomeSuccess})
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestList(t *testing.T) {
	repo := &memoryRepo{}
	r := NewRecorder(repo, nil)
	require.NoError(t, r.Record(context.Background(), Entry{Action: "a", Outcome: types.OutcomeSuccess}))

	entries, err := r.List(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
