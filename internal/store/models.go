package store

import (
	"time"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/types"
)

// Cluster is a registered target cluster. KubeconfigContent is sealed at
// rest and returned in the clear by the store.
type Cluster struct {
	ID                uint                `gorm:"primaryKey" json:"id"`
	Name              string              `gorm:"uniqueIndex;not null" json:"name"`
	ServerURL         *string             `json:"server_url"`
	KubeconfigContent string              `gorm:"type:text" json:"-"`
	CAData            string              `gorm:"type:text" json:"-"`
	VerifySSL         bool                `gorm:"not null" json:"verify_ssl"`
	Host              string              `json:"host,omitempty"`
	Description       string              `json:"description,omitempty"`
	Status            types.ClusterStatus `gorm:"not null;default:unknown" json:"status"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// ServiceCredential is a provisioned principal and its bearer token. Token
// is sealed at rest and never serialised.
type ServiceCredential struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	ClusterID     uint       `gorm:"index;not null" json:"cluster_id"`
	Cluster       Cluster    `gorm:"constraint:OnDelete:RESTRICT" json:"-"`
	PrincipalName string     `gorm:"not null" json:"principal_name"`
	Namespace     string     `gorm:"not null" json:"namespace"`
	Token         string     `gorm:"type:text;not null" json:"-"`
	Role          types.Role `gorm:"not null" json:"role"`
	CustomRoleRef string     `json:"custom_role_ref,omitempty"`
	Description   string     `json:"description,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at"`
	LongLived     bool       `json:"long_lived"`
	Active        bool       `gorm:"index;not null" json:"active"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID           uint          `gorm:"primaryKey" json:"id"`
	SessionID    *string       `gorm:"index" json:"session_id,omitempty"`
	ClusterID    *uint         `gorm:"index" json:"cluster_id,omitempty"`
	CredentialID *uint         `json:"credential_id,omitempty"`
	Action       string        `gorm:"index;not null" json:"action"`
	Target       string        `json:"target"`
	Outcome      types.Outcome `gorm:"not null" json:"outcome"`
	Detail       string        `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt    time.Time     `gorm:"index" json:"created_at"`
}

// ClusterUpdate holds the editable fields of a cluster. Nil fields are left
// unchanged.
type ClusterUpdate struct {
	Description *string
	VerifySSL   *bool
}

// AuditFilter narrows ListAudit. Zero values match everything. Limit keeps
// the newest entries.
type AuditFilter struct {
	Action    string
	SessionID string
	ClusterID uint
	Limit     int
}
