package auth_test

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/twopence/twopence/registry/client/auth"
)

func unauthorized(headers ...string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusUnauthorized,
		Header:     http.Header{"Www-Authenticate": headers},
	}
}

func TestBearerChallenge(t *testing.T) {
	tests := []struct {
		headers []string
		params  map[string]string
	}{
		{
			headers: []string{`Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:okir/test:pull"`},
			params: map[string]string{
				"realm":   "https://auth.docker.io/token",
				"service": "registry.docker.io",
				"scope":   "repository:okir/test:pull",
			},
		},
		{
			headers: []string{`Bearer realm="https://auth.example/token",service=registry.example`},
			params: map[string]string{
				"realm":   "https://auth.example/token",
				"service": "registry.example",
			},
		},
		{
			headers: []string{`Bearer realm="https://auth.example/token", scope="repository:x:pull,push",error="insufficient_scope"`},
			params: map[string]string{
				"realm": "https://auth.example/token",
				"scope": "repository:x:pull,push",
				"error": "insufficient_scope",
			},
		},
		{
			headers: []string{`Basic realm="registry"`, `Bearer realm="https://auth.example/token"`},
			params: map[string]string{
				"realm": "https://auth.example/token",
			},
		},
	}

	for _, tc := range tests {
		c, err := auth.BearerChallenge(unauthorized(tc.headers...))
		if err != nil {
			t.Errorf("BearerChallenge(%q): %v", tc.headers, err)
			continue
		}
		if !c.IsBearer() {
			t.Errorf("BearerChallenge(%q) scheme = %q", tc.headers, c.Scheme)
		}
		if len(c.Parameters) != len(tc.params) {
			t.Errorf("BearerChallenge(%q) params = %v", tc.headers, c.Parameters)
		}
		for k, v := range tc.params {
			if c.Parameters[k] != v {
				t.Errorf("BearerChallenge(%q)[%s] = %q, want %q", tc.headers, k, c.Parameters[k], v)
			}
		}
	}
}

func TestBearerChallengeErrors(t *testing.T) {
	if _, err := auth.BearerChallenge(unauthorized()); !errors.Is(err, auth.ErrNoChallenge) {
		t.Errorf("no header: got %v", err)
	}

	var schemeErr auth.UnsupportedSchemeError
	if _, err := auth.BearerChallenge(unauthorized(`Basic realm="registry"`)); !errors.As(err, &schemeErr) || !strings.EqualFold(schemeErr.Scheme, "basic") {
		t.Errorf("basic challenge: got %v", err)
	}

	if _, err := auth.BearerChallenge(unauthorized(`Bearer realm="unterminated`)); err == nil {
		t.Error("expected error for a challenge without realm")
	}
}

func TestResponseChallenges(t *testing.T) {
	resp := unauthorized(`Basic realm="x"`, `Bearer realm="https://auth.example/token"`)
	challenges := auth.ResponseChallenges(resp)
	if len(challenges) != 2 {
		t.Fatalf("expected 2 challenges, got %v", challenges)
	}
	if challenges[0].IsBearer() || !challenges[1].IsBearer() {
		t.Errorf("unexpected schemes %v", challenges)
	}
	if challenges[1].Realm() != "https://auth.example/token" {
		t.Errorf("unexpected realm %q", challenges[1].Realm())
	}

	resp.StatusCode = http.StatusForbidden
	if challenges := auth.ResponseChallenges(resp); challenges != nil {
		t.Errorf("challenges parsed for status 403: %v", challenges)
	}
}
