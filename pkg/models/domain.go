package models

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
)

var ErrInvalidDomain = errors.New("domain record requires a non-empty domain name")

type Domain struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	DomainName string    `gorm:"uniqueIndex;not null;size:255" json:"domain_name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Domain) TableName() string {
	return "domains"
}

func (d *Domain) BeforeSave(tx *gorm.DB) error {
	d.DomainName = strings.TrimSpace(d.DomainName)
	if d.DomainName == "" {
		return ErrInvalidDomain
	}
	return nil
}

// CertificateCheck is one append-only row of check history.
type CertificateCheck struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	DomainID     uint       `gorm:"not null;index" json:"-"`
	Domain       *Domain    `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	CheckTime    time.Time  `gorm:"index" json:"check_time"`
	IsValid      bool       `json:"is_valid"`
	ExpiryDate   *time.Time `gorm:"index" json:"expiry_date,omitempty"`
	Issuer       *string    `gorm:"size:500" json:"issuer,omitempty"`
	Subject      *string    `gorm:"size:500" json:"subject,omitempty"`
	ErrorMessage *string    `gorm:"size:1000" json:"error_message,omitempty"`
	FailureKind  string     `gorm:"size:32" json:"failure_kind,omitempty"`
}

func (CertificateCheck) TableName() string {
	return "certificate_checks"
}

func NewCertificateCheck(domainID uint, info CertificateInfo) CertificateCheck {
	check := CertificateCheck{
		DomainID:  domainID,
		CheckTime: info.CheckTime().UTC(),
		IsValid:   info.IsValid(),
	}
	// stored in UTC so sqlite's text timestamps compare in order
	if expiry, ok := info.ExpiryDate(); ok {
		utc := expiry.UTC()
		check.ExpiryDate = &utc
	}
	if issuer, ok := info.Issuer(); ok {
		check.Issuer = truncatePtr(issuer, 500)
	}
	if subject, ok := info.Subject(); ok {
		check.Subject = truncatePtr(subject, 500)
	}
	if msg, ok := info.ErrorMessage(); ok {
		check.ErrorMessage = truncatePtr(msg, 1000)
		check.FailureKind = string(info.FailureKind())
	}
	return check
}

func (c *CertificateCheck) BeforeCreate(tx *gorm.DB) error {
	if c.CheckTime.IsZero() {
		c.CheckTime = time.Now().UTC()
	}
	return nil
}

func (c CertificateCheck) DomainName() string {
	if c.Domain == nil {
		return ""
	}
	return c.Domain.DomainName
}

// DaysUntilExpiry is recomputed against now, since stored rows age.
func (c CertificateCheck) DaysUntilExpiry(now time.Time) (int, bool) {
	if c.ExpiryDate == nil {
		return 0, false
	}
	return DaysBetween(now, *c.ExpiryDate), true
}

func (c CertificateCheck) AlertLevel(now time.Time) AlertLevel {
	return ClassifyAlert(c.DaysUntilExpiry(now))
}

// truncatePtr keeps at most n bytes of s without splitting a character.
func truncatePtr(s string, n int) *string {
	if len(s) > n {
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return &s
}
