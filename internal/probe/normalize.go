package probe

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"unicode"
)

var (
	ErrEmptyDomain     = errors.New("domain is empty")
	ErrMalformedDomain = errors.New("domain is malformed")
)

var schemes = []string{"https://", "http://"}

// NormalizeDomain strips a leading http:// or https:// scheme and anything
// from the first path, query or fragment delimiter onwards. Labels are left
// as given; no IDNA conversion happens here.
func NormalizeDomain(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	for _, scheme := range schemes {
		if len(s) >= len(scheme) && strings.EqualFold(s[:len(scheme)], scheme) {
			s = s[len(scheme):]
			break
		}
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "", ErrEmptyDomain
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", ErrMalformedDomain
		}
	}
	if strings.Contains(s, "@") {
		return "", ErrMalformedDomain
	}
	return s, nil
}

// splitHostPort separates an explicit ":port" suffix from a normalized domain.
// Bare IPv6 literals must be bracketed to carry a port.
func splitHostPort(domain string, defaultPort int) (string, int, error) {
	if !strings.Contains(domain, ":") {
		return domain, defaultPort, nil
	}
	if strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]") {
		return strings.Trim(domain, "[]"), defaultPort, nil
	}
	if strings.Count(domain, ":") > 1 && !strings.HasPrefix(domain, "[") {
		return domain, defaultPort, nil
	}
	host, portStr, err := net.SplitHostPort(domain)
	if err != nil {
		return "", 0, ErrMalformedDomain
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 || host == "" {
		return "", 0, ErrMalformedDomain
	}
	return host, port, nil
}
