package models

import "time"

type AlertLevel string

const (
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
	AlertWarning  AlertLevel = "WARNING"
	AlertInfo     AlertLevel = "INFO"
	AlertOK       AlertLevel = "OK"
)

// Inclusive upper bounds, in days until expiry.
const (
	CriticalThresholdDays = 7
	WarningThresholdDays  = 30
	InfoThresholdDays     = 90
)

// ClassifyAlert maps the days left on a certificate to an alert level. known
// is false when no expiry is available, which always yields AlertError.
func ClassifyAlert(days int, known bool) AlertLevel {
	switch {
	case !known:
		return AlertError
	case days <= CriticalThresholdDays:
		return AlertCritical
	case days <= WarningThresholdDays:
		return AlertWarning
	case days <= InfoThresholdDays:
		return AlertInfo
	default:
		return AlertOK
	}
}

func (a AlertLevel) Severity() int {
	switch a {
	case AlertError:
		return 4
	case AlertCritical:
		return 3
	case AlertWarning:
		return 2
	case AlertInfo:
		return 1
	default:
		return 0
	}
}

func AllAlertLevels() []AlertLevel {
	return []AlertLevel{AlertOK, AlertInfo, AlertWarning, AlertCritical, AlertError}
}

// DaysBetween returns the whole days from -> to, truncated toward zero.
func DaysBetween(from, to time.Time) int {
	return int(to.Sub(from) / (24 * time.Hour))
}
