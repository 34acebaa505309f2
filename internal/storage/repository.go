package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bl4ck0w1/certlynx/pkg/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrDomainNotFound = errors.New("domain not found")

const DefaultPageSize = 20

type HistoryPage struct {
	Domain     models.Domain
	Items      []models.CertificateCheck
	Page       int
	Size       int
	TotalItems int64
	TotalPages int
}

// Repository keeps one row per domain and an append-only list of checks.
type Repository struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewRepository(db *gorm.DB, logger *logrus.Logger) *Repository {
	if logger == nil {
		logger = logrus.New()
	}
	return &Repository{db: db, logger: logger}
}

// SaveCheck records info under its domain, creating the domain on first sight.
func (r *Repository) SaveCheck(ctx context.Context, info models.CertificateInfo) (*models.CertificateCheck, error) {
	name := strings.TrimSpace(info.Domain())
	if name == "" {
		return nil, models.ErrInvalidDomain
	}

	var check models.CertificateCheck
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		domain, err := findOrCreateDomain(tx, name)
		if err != nil {
			return err
		}

		check = models.NewCertificateCheck(domain.ID, info)
		if err := tx.Create(&check).Error; err != nil {
			return fmt.Errorf("failed to insert check: %w", err)
		}
		check.Domain = domain
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save check for %s: %w", name, err)
	}

	r.logger.WithFields(logrus.Fields{
		"domain":   name,
		"check_id": check.ID,
		"is_valid": check.IsValid,
	}).Debug("Certificate check stored")
	return &check, nil
}

func findOrCreateDomain(tx *gorm.DB, name string) (*models.Domain, error) {
	// a concurrent insert of the same name loses quietly and reads the winner
	candidate := models.Domain{DomainName: name}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain_name"}},
		DoNothing: true,
	}).Create(&candidate).Error; err != nil {
		return nil, fmt.Errorf("failed to upsert domain: %w", err)
	}

	var domain models.Domain
	if err := tx.Where("domain_name = ?", name).First(&domain).Error; err != nil {
		return nil, fmt.Errorf("failed to load domain: %w", err)
	}
	return &domain, nil
}

// LatestChecksExpiringBefore returns, for every domain, its most recent check
// when that check is valid and expires at or before threshold. Older checks
// never qualify a domain on their own.
func (r *Repository) LatestChecksExpiringBefore(ctx context.Context, threshold time.Time) ([]models.CertificateCheck, error) {
	db := r.db.WithContext(ctx)
	latest := db.Model(&models.CertificateCheck{}).Select("MAX(id)").Group("domain_id")

	var checks []models.CertificateCheck
	err := db.Preload("Domain").
		Where("id IN (?)", latest).
		Where("is_valid = ?", true).
		Where("expiry_date <= ?", threshold.UTC()).
		Order("expiry_date ASC").
		Order("id ASC").
		Find(&checks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring certificates: %w", err)
	}
	return checks, nil
}

// History pages through a domain's checks, newest first. An unknown domain
// is ErrDomainNotFound; a known domain past its last page is an empty page.
func (r *Repository) History(ctx context.Context, domainName string, page, size int) (*HistoryPage, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = DefaultPageSize
	}

	db := r.db.WithContext(ctx)
	name := strings.TrimSpace(domainName)

	var domain models.Domain
	if err := db.Where("domain_name = ?", name).First(&domain).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDomainNotFound, name)
		}
		return nil, fmt.Errorf("failed to load domain: %w", err)
	}

	var total int64
	if err := db.Model(&models.CertificateCheck{}).Where("domain_id = ?", domain.ID).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count checks: %w", err)
	}

	var items []models.CertificateCheck
	err := db.Where("domain_id = ?", domain.ID).
		Order("check_time DESC").
		Order("id DESC").
		Offset(page * size).
		Limit(size).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load checks: %w", err)
	}
	for i := range items {
		items[i].Domain = &domain
	}

	return &HistoryPage{
		Domain:     domain,
		Items:      items,
		Page:       page,
		Size:       size,
		TotalItems: total,
		TotalPages: int((total + int64(size) - 1) / int64(size)),
	}, nil
}

func (r *Repository) ListDomains(ctx context.Context) ([]models.Domain, error) {
	var domains []models.Domain
	if err := r.db.WithContext(ctx).Order("domain_name ASC").Find(&domains).Error; err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	return domains, nil
}
