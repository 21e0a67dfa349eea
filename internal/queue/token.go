package queue

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tdrlabs/attendance-offline/internal/store"
)

// HeaderAuthorization and HeaderAttendanceToken are the header names searched
// for a security token in the captured snapshot.
const (
	HeaderAuthorization   = "Authorization"
	HeaderAttendanceToken = "X-Attendance-Token"
)

// TokenSource supplies the security header pairs snapshotted at enqueue time.
// Whatever it returns is frozen into the pending record; later token
// rotations on the host do not affect already queued submissions.
type TokenSource interface {
	Snapshot() []store.HeaderPair
}

// StaticTokenSource attaches a fixed header pair, typically sourced from the
// agent configuration.
type StaticTokenSource struct {
	HeaderName string
	Token      string
}

// Snapshot returns the configured pair, or nothing when no token is set.
func (s StaticTokenSource) Snapshot() []store.HeaderPair {
	if strings.TrimSpace(s.Token) == "" {
		return nil
	}
	name := s.HeaderName
	if name == "" {
		name = HeaderAuthorization
	}
	return []store.HeaderPair{{Name: name, Value: s.Token}}
}

// TokenStatus classifies the captured security token.
type TokenStatus string

const (
	TokenStatusPresent TokenStatus = "present"
	TokenStatusMissing TokenStatus = "missing"
	TokenStatusExpired TokenStatus = "expired"
)

// inspectToken is a best-effort credential check. A missing or expired token
// is a soft warning only; the record is still enqueued and the server remains
// the authority on whether the replay authenticates.
func inspectToken(pairs []store.HeaderPair, now time.Time) (TokenStatus, string) {
	value := ""
	for _, pair := range pairs {
		if strings.EqualFold(pair.Name, HeaderAuthorization) || strings.EqualFold(pair.Name, HeaderAttendanceToken) {
			value = strings.TrimSpace(pair.Value)
			if value != "" {
				break
			}
		}
	}
	if value == "" {
		return TokenStatusMissing, "no security token captured; sync may fail authentication"
	}

	raw := strings.TrimSpace(strings.TrimPrefix(value, "Bearer "))
	if strings.Count(raw, ".") != 2 {
		// Opaque tokens cannot be inspected locally.
		return TokenStatusPresent, ""
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return TokenStatusPresent, ""
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return TokenStatusPresent, ""
	}
	if expiry.Time.Before(now) {
		return TokenStatusExpired, "captured security token is already expired; sync may fail authentication"
	}
	return TokenStatusPresent, ""
}
