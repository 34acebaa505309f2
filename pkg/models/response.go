package models

import "time"

type DomainCheckResponse struct {
	Domain          string     `json:"domain" yaml:"domain"`
	IsValid         bool       `json:"is_valid" yaml:"is_valid"`
	ExpiryDate      *time.Time `json:"expiry_date,omitempty" yaml:"expiry_date,omitempty"`
	DaysUntilExpiry *int       `json:"days_until_expiry,omitempty" yaml:"days_until_expiry,omitempty"`
	AlertLevel      AlertLevel `json:"alert_level" yaml:"alert_level"`
	LastChecked     time.Time  `json:"last_checked" yaml:"last_checked"`
	Error           *string    `json:"error,omitempty" yaml:"error,omitempty"`
}

func ResponseFromCertificateInfo(info CertificateInfo) DomainCheckResponse {
	resp := DomainCheckResponse{
		Domain:      info.Domain(),
		IsValid:     info.IsValid(),
		AlertLevel:  info.AlertLevel(),
		LastChecked: info.CheckTime(),
	}
	if expiry, ok := info.ExpiryDate(); ok {
		resp.ExpiryDate = &expiry
	}
	if days, ok := info.DaysUntilExpiry(); ok {
		resp.DaysUntilExpiry = &days
	}
	if msg, ok := info.ErrorMessage(); ok {
		resp.Error = &msg
	}
	return resp
}

func ResponseFromCheck(check CertificateCheck, now time.Time) DomainCheckResponse {
	resp := DomainCheckResponse{
		Domain:      check.DomainName(),
		IsValid:     check.IsValid,
		ExpiryDate:  check.ExpiryDate,
		AlertLevel:  check.AlertLevel(now),
		LastChecked: check.CheckTime,
		Error:       check.ErrorMessage,
	}
	if days, ok := check.DaysUntilExpiry(now); ok {
		resp.DaysUntilExpiry = &days
	}
	return resp
}

func ResponsesFromCertificateInfos(infos []CertificateInfo) []DomainCheckResponse {
	out := make([]DomainCheckResponse, len(infos))
	for i, info := range infos {
		out[i] = ResponseFromCertificateInfo(info)
	}
	return out
}

// HistoryResponse is one page of a domain's check history, newest first.
type HistoryResponse struct {
	Domain     string                `json:"domain" yaml:"domain"`
	Items      []DomainCheckResponse `json:"items" yaml:"items"`
	Page       int                   `json:"page" yaml:"page"`
	Size       int                   `json:"size" yaml:"size"`
	TotalItems int64                 `json:"total_items" yaml:"total_items"`
	TotalPages int                   `json:"total_pages" yaml:"total_pages"`
}
