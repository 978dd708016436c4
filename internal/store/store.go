// Package store persists clusters, service credentials and the audit trail.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/config"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/secret"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/types"
)

// Store provides persistence for broker resources. Credentials are never
// deleted and audit entries are append-only.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Clusters.
	CreateCluster(ctx context.Context, cluster *Cluster) error
	GetCluster(ctx context.Context, id uint) (*Cluster, error)
	ClusterNameExists(ctx context.Context, name string) (bool, error)
	ListClusters(ctx context.Context) ([]Cluster, error)
	UpdateClusterStatus(ctx context.Context, id uint, status types.ClusterStatus) error
	UpdateClusterEndpoint(ctx context.Context, id uint, serverURL, caData string) error
	UpdateCluster(ctx context.Context, id uint, update ClusterUpdate) (*Cluster, error)

	// Service credentials.
	CreateCredential(ctx context.Context, cred *ServiceCredential) error
	GetCredential(ctx context.Context, clusterID, id uint) (*ServiceCredential, error)
	ListCredentials(ctx context.Context, clusterID uint) ([]ServiceCredential, error)
	ActiveAdminCredential(ctx context.Context, clusterID uint) (*ServiceCredential, error)
	DeactivateCredential(ctx context.Context, clusterID, id uint) (*ServiceCredential, error)

	// Audit trail.
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log    logrus.FieldLogger
	cfg    *config.DatabaseConfig
	sealer *secret.Sealer
	db     *gorm.DB
}

// NewStore creates a Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig, sealer *secret.Sealer) Store {
	return &store{
		log:    log.WithField("component", "store"),
		cfg:    cfg,
		sealer: sealer,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if s.cfg.Driver == "sqlite" {
		// One writer; also keeps ":memory:" databases on a single connection.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)

		// Per connection; the pool above holds exactly one.
		if err := s.db.WithContext(ctx).Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Cluster{},
		&ServiceCredential{},
		&AuditEntry{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Clusters ---

func (s *store) CreateCluster(ctx context.Context, cluster *Cluster) error {
	row := *cluster
	sealed, err := s.sealer.Seal(cluster.KubeconfigContent)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "sealing kubeconfig", err)
	}
	row.KubeconfigContent = sealed
	if row.Status == "" {
		row.Status = types.ClusterUnknown
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return apperr.Wrap(apperr.CodeDuplicateName, fmt.Sprintf("cluster %q already exists", cluster.Name), err)
		}
		return apperr.Wrap(apperr.CodeInternal, "creating cluster", err)
	}

	cluster.ID = row.ID
	cluster.Status = row.Status
	cluster.CreatedAt = row.CreatedAt
	cluster.UpdatedAt = row.UpdatedAt

	return nil
}

func (s *store) GetCluster(ctx context.Context, id uint) (*Cluster, error) {
	var cluster Cluster
	if err := s.db.WithContext(ctx).First(&cluster, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("cluster %d", id))
	}
	if err := s.openCluster(&cluster); err != nil {
		return nil, err
	}

	return &cluster, nil
}

func (s *store) ClusterNameExists(ctx context.Context, name string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Cluster{}).
		Where("name = ?", name).
		Count(&count).Error; err != nil {
		return false, apperr.Wrap(apperr.CodeInternal, "checking cluster name", err)
	}

	return count > 0, nil
}

func (s *store) ListClusters(ctx context.Context) ([]Cluster, error) {
	var clusters []Cluster
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&clusters).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "listing clusters", err)
	}
	for i := range clusters {
		if err := s.openCluster(&clusters[i]); err != nil {
			return nil, err
		}
	}

	return clusters, nil
}

func (s *store) UpdateClusterStatus(ctx context.Context, id uint, status types.ClusterStatus) error {
	res := s.db.WithContext(ctx).
		Model(&Cluster{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return apperr.Wrap(apperr.CodeInternal, "updating cluster status", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.CodeNotFound, "cluster %d not found", id)
	}

	return nil
}

// UpdateClusterEndpoint records the API server once it is known. A server
// that is already set is authoritative and left untouched.
func (s *store) UpdateClusterEndpoint(ctx context.Context, id uint, serverURL, caData string) error {
	if serverURL == "" {
		return nil
	}
	res := s.db.WithContext(ctx).
		Model(&Cluster{}).
		Where("id = ? AND server_url IS NULL", id).
		Updates(map[string]any{"server_url": serverURL, "ca_data": caData})
	if res.Error != nil {
		return apperr.Wrap(apperr.CodeInternal, "updating cluster endpoint", res.Error)
	}

	return nil
}

func (s *store) UpdateCluster(ctx context.Context, id uint, update ClusterUpdate) (*Cluster, error) {
	fields := map[string]any{}
	if update.Description != nil {
		fields["description"] = *update.Description
	}
	if update.VerifySSL != nil {
		fields["verify_ssl"] = *update.VerifySSL
	}

	if len(fields) > 0 {
		res := s.db.WithContext(ctx).
			Model(&Cluster{}).
			Where("id = ?", id).
			Updates(fields)
		if res.Error != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "updating cluster", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, apperr.Newf(apperr.CodeNotFound, "cluster %d not found", id)
		}
	}

	return s.GetCluster(ctx, id)
}

// --- Service credentials ---

func (s *store) CreateCredential(ctx context.Context, cred *ServiceCredential) error {
	if cred.ExpiresAt == nil {
		return apperr.New(apperr.CodeInvalidRequest, "credential expiry is required")
	}

	row := *cred
	sealed, err := s.sealer.Seal(cred.Token)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "sealing token", err)
	}
	row.Token = sealed

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isForeignKeyViolation(err) {
			return apperr.Wrap(apperr.CodeNotFound, fmt.Sprintf("cluster %d not found", cred.ClusterID), err)
		}
		return apperr.Wrap(apperr.CodeInternal, "creating credential", err)
	}

	cred.ID = row.ID
	cred.CreatedAt = row.CreatedAt

	return nil
}

func (s *store) GetCredential(ctx context.Context, clusterID, id uint) (*ServiceCredential, error) {
	var cred ServiceCredential
	if err := s.db.WithContext(ctx).
		Where("cluster_id = ?", clusterID).
		First(&cred, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("credential %d of cluster %d", id, clusterID))
	}
	if err := s.openCredential(&cred); err != nil {
		return nil, err
	}

	return &cred, nil
}

func (s *store) ListCredentials(ctx context.Context, clusterID uint) ([]ServiceCredential, error) {
	var creds []ServiceCredential
	if err := s.db.WithContext(ctx).
		Where("cluster_id = ?", clusterID).
		Order("id ASC").
		Find(&creds).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "listing credentials", err)
	}
	for i := range creds {
		if err := s.openCredential(&creds[i]); err != nil {
			return nil, err
		}
	}

	return creds, nil
}

// ActiveAdminCredential returns the newest active, unexpired credential with
// cluster-admin or admin role.
func (s *store) ActiveAdminCredential(ctx context.Context, clusterID uint) (*ServiceCredential, error) {
	var cred ServiceCredential
	if err := s.db.WithContext(ctx).
		Where("cluster_id = ? AND active = ?", clusterID, true).
		Where("role IN ?", []string{string(types.RoleClusterAdmin), string(types.RoleAdmin)}).
		Where("(expires_at IS NULL OR expires_at > ?)", time.Now().UTC()).
		Order("id DESC").
		First(&cred).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("active admin credential for cluster %d", clusterID))
	}
	if err := s.openCredential(&cred); err != nil {
		return nil, err
	}

	return &cred, nil
}

// DeactivateCredential flips the active flag; the row is kept for audit.
func (s *store) DeactivateCredential(ctx context.Context, clusterID, id uint) (*ServiceCredential, error) {
	cred, err := s.GetCredential(ctx, clusterID, id)
	if err != nil {
		return nil, err
	}
	if !cred.Active {
		return cred, nil
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).
		Model(&ServiceCredential{}).
		Where("id = ?", id).
		Updates(map[string]any{"active": false, "deactivated_at": now}).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "deactivating credential", err)
	}
	cred.Active = false
	cred.DeactivatedAt = &now

	return cred, nil
}

// --- Audit ---

func (s *store) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return apperr.Wrap(apperr.CodeInternal, "appending audit entry", err)
	}

	return nil
}

func (s *store) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	q := s.db.WithContext(ctx).Model(&AuditEntry{})
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}
	if filter.SessionID != "" {
		q = q.Where("session_id = ?", filter.SessionID)
	}
	if filter.ClusterID != 0 {
		q = q.Where("cluster_id = ?", filter.ClusterID)
	}

	var entries []AuditEntry
	if filter.Limit <= 0 {
		if err := q.Order("id ASC").Find(&entries).Error; err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "listing audit entries", err)
		}
		return entries, nil
	}

	// Newest window, returned oldest first like the unlimited listing.
	if err := q.Order("id DESC").Limit(filter.Limit).Find(&entries).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "listing audit entries", err)
	}
	slices.Reverse(entries)

	return entries, nil
}

func (s *store) openCluster(c *Cluster) error {
	plain, err := s.sealer.Open(c.KubeconfigContent)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "opening sealed kubeconfig", err)
	}
	c.KubeconfigContent = plain
	return nil
}

func (s *store) openCredential(c *ServiceCredential) error {
	plain, err := s.sealer.Open(c.Token)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "opening sealed token", err)
	}
	c.Token = plain
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(apperr.CodeNotFound, what+" not found")
	}
	return apperr.Wrap(apperr.CodeInternal, "loading "+what, err)
}

func isForeignKeyViolation(err error) bool {
	return errors.Is(err, gorm.ErrForeignKeyViolated) ||
		strings.Contains(err.Error(), "FOREIGN KEY constraint failed") ||
		strings.Contains(err.Error(), "violates foreign key constraint")
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key value")
}
