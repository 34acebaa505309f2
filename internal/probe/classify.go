package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/bl4ck0w1/certlynx/pkg/models"
)

var errNoPeerCertificates = errors.New("tls: server presented no certificates")

// ClassifyError maps a dial or handshake error onto the failure taxonomy.
// Typed errors are checked first; the string fallback covers alerts the tls
// package does not export.
func ClassifyError(err error) models.FailureKind {
	if err == nil {
		return ""
	}

	if errors.Is(err, errNoPeerCertificates) {
		return models.FailureCertificate
	}
	if errors.Is(err, ErrEmptyDomain) || errors.Is(err, ErrMalformedDomain) {
		return models.FailureInvalidInput
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return models.FailureTimeout
		}
		return models.FailureResolution
	}

	if isCertificateError(err) {
		return models.FailureHandshake
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return models.FailureHandshake
	}
	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return models.FailureHandshake
	}

	// context.DeadlineExceeded also satisfies net.Error, so it goes first.
	if errors.Is(err, context.DeadlineExceeded) {
		return models.FailureTimeout
	}
	if errors.Is(err, context.Canceled) {
		return models.FailureCanceled
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ETIMEDOUT:
			return models.FailureTimeout
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ENETUNREACH,
			syscall.EHOSTUNREACH, syscall.ECONNABORTED, syscall.EPIPE:
			return models.FailureConnection
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.FailureTimeout
	}

	return classifyByMessage(err)
}

func isCertificateError(err error) bool {
	var invalidErr x509.CertificateInvalidError
	var hostnameErr x509.HostnameError
	var authorityErr x509.UnknownAuthorityError
	var rootsErr x509.SystemRootsError
	var verifyErr *tls.CertificateVerificationError
	return errors.As(err, &invalidErr) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &authorityErr) ||
		errors.As(err, &rootsErr) ||
		errors.As(err, &verifyErr)
}

func classifyByMessage(err error) models.FailureKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"):
		return models.FailureResolution
	case strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "deadline exceeded"):
		return models.FailureTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "no route to host"):
		return models.FailureConnection
	case strings.Contains(msg, "tls:"),
		strings.Contains(msg, "x509:"),
		strings.Contains(msg, "handshake"),
		strings.Contains(msg, "first record does not look like a tls handshake"):
		return models.FailureHandshake
	case strings.Contains(msg, "eof"):
		return models.FailureHandshake
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return models.FailureConnection
	}
	return models.FailureUnknown
}
