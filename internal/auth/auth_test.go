package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"aiproxy/internal/db"
)

func newTestAuth(t *testing.T, adminKey string) (*Authenticator, db.Store) {
	t.Helper()
	s, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, adminKey), s
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"valid", "Bearer sk-alice-abc", "sk-alice-abc", true},
		{"case insensitive scheme", "bearer sk-x", "sk-x", true},
		{"missing header", "", "", false},
		{"wrong scheme", "Basic dXNlcg==", "", false},
		{"no token", "Bearer ", "", false},
		{"bare token", "sk-alice-abc", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			got, err := BearerToken(r)
			if tc.ok {
				if err != nil {
					t.Fatalf("BearerToken: %v", err)
				}
				if got != tc.want {
					t.Errorf("expected %q, got %q", tc.want, got)
				}
			} else if !errors.Is(err, ErrNoCredential) {
				t.Errorf("expected ErrNoCredential, got %v", err)
			}
		})
	}
}

func TestAuthenticateUser(t *testing.T) {
	a, s := newTestAuth(t, "")
	ctx := context.Background()

	key, err := GenerateAPIKey("alice")
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if err := s.CreateUser(ctx, &db.UserRecord{ID: "alice", APIKey: key}, nil); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	user, err := a.AuthenticateUser(ctx, key)
	if err != nil {
		t.Fatalf("AuthenticateUser: %v", err)
	}
	if user.ID != "alice" {
		t.Errorf("expected alice, got %s", user.ID)
	}

	_, err = a.AuthenticateUser(ctx, "sk-alice-wrong")
	if !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestAuthenticateAdmin(t *testing.T) {
	a, _ := newTestAuth(t, "super-secret")

	if err := a.AuthenticateAdmin("super-secret"); err != nil {
		t.Errorf("expected admin accepted, got %v", err)
	}
	if err := a.AuthenticateAdmin("guess"); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("expected ErrNotAdmin, got %v", err)
	}

	// User keys never satisfy the admin check.
	if err := a.AuthenticateAdmin("sk-alice-abc"); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("expected ErrNotAdmin for user key, got %v", err)
	}
}

func TestAuthenticateAdminEmptyKeyAlwaysFails(t *testing.T) {
	a, _ := newTestAuth(t, "")
	if err := a.AuthenticateAdmin(""); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("expected ErrNotAdmin with unset key, got %v", err)
	}
}

func TestGenerateAPIKeyShape(t *testing.T) {
	key, err := GenerateAPIKey("bob")
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if !strings.HasPrefix(key, "sk-bob-") {
		t.Fatalf("unexpected prefix: %s", key)
	}
	random := strings.TrimPrefix(key, "sk-bob-")
	if len(random) != 32 {
		t.Errorf("expected 32 hex chars, got %d (%s)", len(random), random)
	}

	other, err := GenerateAPIKey("bob")
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if key == other {
		t.Error("expected distinct keys")
	}
}

func TestUserContextRoundTrip(t *testing.T) {
	u := &db.UserRecord{ID: "carol"}
	ctx := WithUser(context.Background(), u)
	if got := UserFrom(ctx); got == nil || got.ID != "carol" {
		t.Errorf("expected carol from context, got %v", got)
	}
	if got := UserFrom(context.Background()); got != nil {
		t.Errorf("expected nil from empty context, got %v", got)
	}
}
