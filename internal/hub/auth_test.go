package hub

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agencydesk/chatcore/internal/domain"
)

func TestAuthenticateBearerRoundTrip(t *testing.T) {
	a := NewAuthenticator("test-secret")
	token, err := a.IssueToken("alice", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	identity, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if identity != "alice" {
		t.Fatalf("identity = %q, want alice", identity)
	}
}

func TestAuthenticateQueryParam(t *testing.T) {
	a := NewAuthenticator("test-secret")
	token, err := a.IssueToken("bob", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	r := httptest.NewRequest("GET", "/ws?token="+token, nil)
	identity, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if identity != "bob" {
		t.Fatalf("identity = %q, want bob", identity)
	}
}

func TestAuthenticateMissingToken(t *testing.T) {
	a := NewAuthenticator("test-secret")
	r := httptest.NewRequest("GET", "/ws", nil)
	if _, err := a.Authenticate(r); !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("got %v, want ErrAuth", err)
	}
}

func TestAuthenticateWrongSecret(t *testing.T) {
	minter := NewAuthenticator("secret-a")
	token, err := minter.IssueToken("alice", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	a := NewAuthenticator("secret-b")
	r := httptest.NewRequest("GET", "/ws?token="+token, nil)
	if _, err := a.Authenticate(r); !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("got %v, want ErrAuth", err)
	}
}

func TestAuthenticateExpiredToken(t *testing.T) {
	a := NewAuthenticator("test-secret")
	token, err := a.IssueToken("alice", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	r := httptest.NewRequest("GET", "/ws?token="+token, nil)
	if _, err := a.Authenticate(r); !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("got %v, want ErrAuth", err)
	}
}

func TestAuthenticateRejectsUnsignedToken(t *testing.T) {
	claims := &Claims{
		Identity: "mallory",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing failed: %v", err)
	}

	a := NewAuthenticator("test-secret")
	r := httptest.NewRequest("GET", "/ws?token="+token, nil)
	if _, err := a.Authenticate(r); !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("alg=none token accepted: %v", err)
	}
}

func TestAuthenticateRejectsEmptyIdentity(t *testing.T) {
	a := NewAuthenticator("test-secret")
	token, err := a.IssueToken("", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	r := httptest.NewRequest("GET", "/ws?token="+token, nil)
	if _, err := a.Authenticate(r); !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("empty identity accepted: %v", err)
	}
}
