package middleware

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
)

// Input validation for the HTTP layer. Everything returned here wraps
// audits.ErrInvalidRequest so the router maps it to 400.

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrInvalidRequest}, args...)...)
}

// ParseDepth accepts the depth names case-insensitively. Empty is allowed
// when optional is set.
func ParseDepth(raw string, optional bool) (domain.Depth, error) {
	d := domain.Depth(strings.ToLower(strings.TrimSpace(raw)))
	if d == "" && optional {
		return "", nil
	}
	if !d.Valid() {
		return "", invalid("invalid depth %q (allowed: full, thorough, opportunistic)", raw)
	}
	return d, nil
}

// ValidateID checks audit, finding and project ids (uuid).
func ValidateID(kind, id string) error {
	if id == "" {
		return invalid("%s id cannot be empty", kind)
	}
	if _, err := uuid.Parse(id); err != nil {
		return invalid("invalid %s id format", kind)
	}
	return nil
}

var scpLike = regexp.MustCompile(`^[A-Za-z0-9_.-]+@[A-Za-z0-9.-]+:[A-Za-z0-9_./-]+$`)

// ValidateRepoURL accepts https and ssh remotes. Loopback and private
// hosts are refused.
func ValidateRepoURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return invalid("repository url cannot be empty")
	}
	if scpLike.MatchString(raw) {
		host := raw[strings.Index(raw, "@")+1 : strings.Index(raw, ":")]
		return checkHost(host)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return invalid("invalid repository url: %v", err)
	}
	switch u.Scheme {
	case "https", "ssh":
	default:
		return invalid("invalid repository url scheme %q (allowed: https, ssh)", u.Scheme)
	}
	if strings.ContainsAny(raw, "`$|;\n\r") {
		return invalid("invalid characters in repository url")
	}
	return checkHost(u.Hostname())
}

func checkHost(host string) error {
	host = strings.ToLower(host)
	if host == "" {
		return invalid("repository url has no host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return invalid("localhost/internal hosts are not allowed")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
			return invalid("localhost/internal hosts are not allowed")
		}
		if ip.IsPrivate() {
			return invalid("private IP ranges are not allowed")
		}
	}
	return nil
}

var userPattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,128}$`)

func ValidateUserID(user string) error {
	if !userPattern.MatchString(user) {
		return invalid("invalid user id format")
	}
	return nil
}

// SanitizeString removes NUL and control characters.
func SanitizeString(input string) string {
	var b strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// ValidateLimit clamps pagination limits to 1..100, default 20.
func ValidateLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
