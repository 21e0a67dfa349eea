package queue

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tdrlabs/attendance-offline/internal/store"
)

func mintToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "teacher-1",
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestInspectTokenMissing(t *testing.T) {
	status, message := inspectToken([]store.HeaderPair{
		{Name: "Content-Type", Value: "application/json"},
	}, time.Now())
	if status != TokenStatusMissing {
		t.Fatalf("expected missing, got %s", status)
	}
	if message == "" {
		t.Fatalf("expected a warning message")
	}
}

func TestInspectTokenValidJWT(t *testing.T) {
	now := time.Now()
	signed := mintToken(t, now.Add(time.Hour))
	status, _ := inspectToken([]store.HeaderPair{
		{Name: HeaderAuthorization, Value: "Bearer " + signed},
	}, now)
	if status != TokenStatusPresent {
		t.Fatalf("expected present, got %s", status)
	}
}

func TestInspectTokenExpiredJWT(t *testing.T) {
	now := time.Now()
	signed := mintToken(t, now.Add(-time.Hour))
	status, message := inspectToken([]store.HeaderPair{
		{Name: HeaderAuthorization, Value: "Bearer " + signed},
	}, now)
	if status != TokenStatusExpired {
		t.Fatalf("expected expired, got %s", status)
	}
	if message == "" {
		t.Fatalf("expected a warning message")
	}
}

func TestInspectTokenOpaqueValueIsPresent(t *testing.T) {
	status, _ := inspectToken([]store.HeaderPair{
		{Name: HeaderAttendanceToken, Value: "csrf-12345"},
	}, time.Now())
	if status != TokenStatusPresent {
		t.Fatalf("opaque tokens must pass inspection, got %s", status)
	}
}

func TestInspectTokenPrefersFirstNonEmptyPair(t *testing.T) {
	now := time.Now()
	signed := mintToken(t, now.Add(time.Hour))
	status, _ := inspectToken([]store.HeaderPair{
		{Name: HeaderAuthorization, Value: ""},
		{Name: HeaderAttendanceToken, Value: "Bearer " + signed},
	}, now)
	if status != TokenStatusPresent {
		t.Fatalf("expected present, got %s", status)
	}
}

func TestStaticTokenSourceSnapshot(t *testing.T) {
	empty := StaticTokenSource{}
	if pairs := empty.Snapshot(); pairs != nil {
		t.Fatalf("expected nil snapshot for empty token, got %#v", pairs)
	}

	source := StaticTokenSource{Token: "Bearer abc"}
	pairs := source.Snapshot()
	if len(pairs) != 1 || pairs[0].Name != HeaderAuthorization || pairs[0].Value != "Bearer abc" {
		t.Fatalf("unexpected snapshot: %#v", pairs)
	}
}
