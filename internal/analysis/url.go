package analysis

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrLocalTarget is returned for URLs pointing at loopback, private, or
// otherwise internal addresses. These are rejected synchronously and
// never queued.
var ErrLocalTarget = errors.New("cannot analyse local or internal URLs")

// NormalizeTargetURL validates and standardizes a submitted URL. The
// scheme defaults to https when missing, the host must contain a dot,
// and internal targets are rejected with ErrLocalTarget. Normalization
// lowercases scheme and host, strips default ports and fragments.
func NormalizeTargetURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)

	host := u.Hostname()
	if host == "" {
		return "", errors.New("url has no hostname")
	}
	if err := checkPublicHost(host); err != nil {
		return "", err
	}

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), nil
}

// checkPublicHost rejects hostnames that cannot belong to the public
// internet: bare names, localhost, internal suffixes, and literal IPs
// in loopback/private/link-local ranges.
func checkPublicHost(host string) error {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return ErrLocalTarget
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return ErrLocalTarget
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return ErrLocalTarget
		}
		return nil
	}
	if !strings.Contains(host, ".") {
		return fmt.Errorf("hostname %q is not a public domain", host)
	}
	return nil
}
