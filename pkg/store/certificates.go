package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// MaxCertificatePageSize bounds List regardless of the requested size.
const MaxCertificatePageSize = 100

// CertificateFilter selects certificates for ListCertificates.
type CertificateFilter struct {
	AgentID        string
	Status         string
	IncludeExpired bool
	IncludeRevoked bool
	Page           int
	PageSize       int
	Now            time.Time
}

// Normalize clamps paging to sane bounds.
func (f *CertificateFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > MaxCertificatePageSize {
		f.PageSize = MaxCertificatePageSize
	}
	if f.Now.IsZero() {
		f.Now = time.Now().UTC()
	}
}

// ActiveCertificate returns the agent's active certificate.
func ActiveCertificate(ctx context.Context, db *gorm.DB, agentID string) (*AgentCertificate, error) {
	var cert AgentCertificate
	err := db.WithContext(ctx).
		Where("agent_id = ? AND status = ?", agentID, CertStatusActive).
		Order("issued_at desc").
		First(&cert).Error
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// CertificateByThumbprint looks a certificate up by its fingerprint.
func CertificateByThumbprint(ctx context.Context, db *gorm.DB, thumbprint string) (*AgentCertificate, error) {
	var cert AgentCertificate
	if err := db.WithContext(ctx).Where("thumbprint = ?", thumbprint).First(&cert).Error; err != nil {
		return nil, err
	}
	return &cert, nil
}

// CertificateBySerial looks a certificate up by serial number.
func CertificateBySerial(ctx context.Context, db *gorm.DB, serial string) (*AgentCertificate, error) {
	var cert AgentCertificate
	if err := db.WithContext(ctx).Where("serial_number = ?", serial).First(&cert).Error; err != nil {
		return nil, err
	}
	return &cert, nil
}

// CountActiveCertificates returns how many active certificates an agent has.
func CountActiveCertificates(ctx context.Context, db *gorm.DB, agentID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&AgentCertificate{}).
		Where("agent_id = ? AND status = ?", agentID, CertStatusActive).
		Count(&count).Error
	return count, err
}

// ListCertificates returns a page of certificates, newest issuance first,
// and the total number of matching rows.
func ListCertificates(ctx context.Context, db *gorm.DB, filter CertificateFilter) ([]AgentCertificate, int64, error) {
	filter.Normalize()

	q := db.WithContext(ctx).Model(&AgentCertificate{})
	if filter.AgentID != "" {
		q = q.Where("agent_id = ?", filter.AgentID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if !filter.IncludeRevoked && filter.Status != CertStatusRevoked {
		q = q.Where("status <> ?", CertStatusRevoked)
	}
	if !filter.IncludeExpired && filter.Status != CertStatusExpired {
		q = q.Where("status <> ? AND not_after > ?", CertStatusExpired, filter.Now)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var certs []AgentCertificate
	err := q.Order("issued_at desc").Order("id desc").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&certs).Error
	if err != nil {
		return nil, 0, err
	}
	return certs, total, nil
}
