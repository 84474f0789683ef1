package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/docker/distribution/registry/client/auth/challenge"
)

// ErrNoChallenge is returned for a 401 response without a parseable
// WWW-Authenticate header.
var ErrNoChallenge = errors.New("missing WWW-Authenticate in 401 response")

// Challenge carries information from a WWW-Authenticate response header.
// The scheme and parameter keys are lower case.
type Challenge challenge.Challenge

// IsBearer reports whether the challenge asks for a bearer token.
func (c Challenge) IsBearer() bool {
	return strings.EqualFold(c.Scheme, "bearer")
}

func (c Challenge) Realm() string   { return c.Parameters["realm"] }
func (c Challenge) Service() string { return c.Parameters["service"] }
func (c Challenge) Scope() string   { return c.Parameters["scope"] }

// ErrorCode is the RFC 6750 error code the server attached, if any.
func (c Challenge) ErrorCode() string { return c.Parameters["error"] }

func (c Challenge) String() string {
	params := make([]string, 0, len(c.Parameters))
	for k, v := range c.Parameters {
		params = append(params, fmt.Sprintf("%s=%q", k, v))
	}
	return c.Scheme + " " + strings.Join(params, ",")
}

// ResponseChallenges returns the authorization challenges of a 401
// response, in header order. Other responses carry none.
func ResponseChallenges(resp *http.Response) []Challenge {
	var challenges []Challenge
	for _, c := range challenge.ResponseChallenges(resp) {
		challenges = append(challenges, Challenge(c))
	}
	return challenges
}

// BearerChallenge picks the first bearer challenge of a 401 response. A
// bearer challenge without a realm cannot be answered and is an error.
func BearerChallenge(resp *http.Response) (Challenge, error) {
	challenges := ResponseChallenges(resp)
	if len(challenges) == 0 {
		return Challenge{}, ErrNoChallenge
	}
	for _, c := range challenges {
		if !c.IsBearer() {
			continue
		}
		if c.Realm() == "" {
			return Challenge{}, fmt.Errorf("cannot parse WWW-Authenticate header %q: no realm", resp.Header.Get("WWW-Authenticate"))
		}
		return c, nil
	}
	return Challenge{}, UnsupportedSchemeError{Scheme: challenges[0].Scheme}
}

// UnsupportedSchemeError is returned when a registry asks for anything but a
// bearer token.
type UnsupportedSchemeError struct {
	Scheme string
}

func (e UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("unsupported authentication scheme %q", e.Scheme)
}
