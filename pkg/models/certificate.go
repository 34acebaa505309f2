package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type FailureKind string

const (
	FailureResolution   FailureKind = "resolution"
	FailureConnection   FailureKind = "connection"
	FailureHandshake    FailureKind = "handshake"
	FailureTimeout      FailureKind = "timeout"
	FailureCertificate  FailureKind = "certificate"
	FailureCanceled     FailureKind = "canceled"
	FailureInvalidInput FailureKind = "invalid_input"
	FailureUnknown      FailureKind = "unknown"
)

func (k FailureKind) Description() string {
	switch k {
	case FailureResolution:
		return "hostname could not be resolved"
	case FailureConnection:
		return "connection could not be established"
	case FailureHandshake:
		return "TLS handshake failed"
	case FailureTimeout:
		return "timed out waiting for the server"
	case FailureCertificate:
		return "server presented no usable certificate"
	case FailureCanceled:
		return "check was canceled before completion"
	case FailureInvalidInput:
		return "domain input is malformed"
	default:
		return "certificate check failed"
	}
}

type CertificateDetails struct {
	NotBefore    time.Time
	NotAfter     time.Time
	Issuer       string
	Subject      string
	SerialNumber string
	DNSNames     []string
}

// CertificateInfo is the outcome of one probe. It is either a valid record
// carrying leaf details or a failed record carrying an error message, never both.
type CertificateInfo struct {
	domain    string
	checkTime time.Time

	leaf *CertificateDetails
	days int

	failure FailureKind
	message string
}

func NewValidCertificate(domain string, leaf CertificateDetails, checkTime time.Time) CertificateInfo {
	details := leaf
	if leaf.DNSNames != nil {
		details.DNSNames = append([]string(nil), leaf.DNSNames...)
	}
	return CertificateInfo{
		domain:    domain,
		checkTime: checkTime,
		leaf:      &details,
		days:      DaysBetween(checkTime, leaf.NotAfter),
	}
}

func NewFailedCertificate(domain string, kind FailureKind, message string, checkTime time.Time) CertificateInfo {
	if kind == "" {
		kind = FailureUnknown
	}
	if message == "" {
		message = kind.Description()
	}
	return CertificateInfo{
		domain:    domain,
		checkTime: checkTime,
		failure:   kind,
		message:   message,
	}
}

func (c CertificateInfo) Domain() string       { return c.domain }
func (c CertificateInfo) CheckTime() time.Time { return c.checkTime }
func (c CertificateInfo) IsValid() bool        { return c.leaf != nil }

func (c CertificateInfo) Details() (CertificateDetails, bool) {
	if c.leaf == nil {
		return CertificateDetails{}, false
	}
	d := *c.leaf
	d.DNSNames = append([]string(nil), c.leaf.DNSNames...)
	return d, true
}

func (c CertificateInfo) ExpiryDate() (time.Time, bool) {
	if c.leaf == nil {
		return time.Time{}, false
	}
	return c.leaf.NotAfter, true
}

func (c CertificateInfo) Issuer() (string, bool) {
	if c.leaf == nil {
		return "", false
	}
	return c.leaf.Issuer, true
}

func (c CertificateInfo) Subject() (string, bool) {
	if c.leaf == nil {
		return "", false
	}
	return c.leaf.Subject, true
}

func (c CertificateInfo) DaysUntilExpiry() (int, bool) {
	if c.leaf == nil {
		return 0, false
	}
	return c.days, true
}

func (c CertificateInfo) ErrorMessage() (string, bool) {
	if c.leaf != nil {
		return "", false
	}
	return c.message, true
}

func (c CertificateInfo) FailureKind() FailureKind {
	if c.leaf != nil {
		return ""
	}
	return c.failure
}

func (c CertificateInfo) AlertLevel() AlertLevel {
	return ClassifyAlert(c.DaysUntilExpiry())
}

func (c CertificateInfo) String() string {
	if c.leaf == nil {
		return fmt.Sprintf("%s: invalid (%s: %s)", c.domain, c.failure, c.message)
	}
	return fmt.Sprintf("%s: valid, expires %s (%d days, %s)",
		c.domain, c.leaf.NotAfter.Format(time.RFC3339), c.days, c.AlertLevel())
}

type certificateInfoJSON struct {
	Domain          string      `json:"domain" yaml:"domain"`
	IsValid         bool        `json:"is_valid" yaml:"is_valid"`
	ExpiryDate      *time.Time  `json:"expiry_date,omitempty" yaml:"expiry_date,omitempty"`
	Issuer          *string     `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	Subject         *string     `json:"subject,omitempty" yaml:"subject,omitempty"`
	DaysUntilExpiry *int        `json:"days_until_expiry,omitempty" yaml:"days_until_expiry,omitempty"`
	ErrorMessage    *string     `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	FailureKind     FailureKind `json:"failure_kind,omitempty" yaml:"failure_kind,omitempty"`
	CheckTime       time.Time   `json:"check_time" yaml:"check_time"`
}

func (c CertificateInfo) wire() certificateInfoJSON {
	out := certificateInfoJSON{
		Domain:    c.domain,
		IsValid:   c.IsValid(),
		CheckTime: c.checkTime,
	}
	if c.leaf != nil {
		notAfter, issuer, subject, days := c.leaf.NotAfter, c.leaf.Issuer, c.leaf.Subject, c.days
		out.ExpiryDate = &notAfter
		out.Issuer = &issuer
		out.Subject = &subject
		out.DaysUntilExpiry = &days
		return out
	}
	msg := c.message
	out.ErrorMessage = &msg
	out.FailureKind = c.failure
	return out
}

func (c CertificateInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.wire())
}

func (c CertificateInfo) MarshalYAML() (interface{}, error) {
	return c.wire(), nil
}

// UnmarshalJSON rebuilds the record through the constructors, so a payload
// that claims validity without an expiry date is rejected.
func (c *CertificateInfo) UnmarshalJSON(data []byte) error {
	var in certificateInfoJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.IsValid {
		if in.ExpiryDate == nil {
			return fmt.Errorf("certificate info for %q is valid but has no expiry_date", in.Domain)
		}
		if in.ErrorMessage != nil {
			return fmt.Errorf("certificate info for %q is valid but carries an error_message", in.Domain)
		}
		leaf := CertificateDetails{NotAfter: *in.ExpiryDate}
		if in.Issuer != nil {
			leaf.Issuer = *in.Issuer
		}
		if in.Subject != nil {
			leaf.Subject = *in.Subject
		}
		*c = NewValidCertificate(in.Domain, leaf, in.CheckTime)
		return nil
	}
	msg := ""
	if in.ErrorMessage != nil {
		msg = *in.ErrorMessage
	}
	*c = NewFailedCertificate(in.Domain, in.FailureKind, msg, in.CheckTime)
	return nil
}
