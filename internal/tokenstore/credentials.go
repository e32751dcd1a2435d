package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredentials is returned by Read when no session is stored.
	ErrNoCredentials = errors.New("no stored credentials")

	// ErrPartialCredentials is returned by Write when exactly one token is set.
	ErrPartialCredentials = errors.New("access and refresh token must both be set")
)

// User is the last-known dashboard user, as returned by the auth endpoints.
type User struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	Role           string `json:"role,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	Status         string `json:"status,omitempty"`
	CreatedAt      string `json:"createdAt,omitempty"`
}

// Credentials is the persisted session record.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         *User  `json:"user,omitempty"`
}

// Empty reports whether the record is in the unauthenticated state.
func (c Credentials) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// validate enforces the both-or-neither invariant on the token pair.
func (c Credentials) validate() error {
	if (c.AccessToken == "") != (c.RefreshToken == "") {
		return ErrPartialCredentials
	}
	if c.Empty() {
		return fmt.Errorf("refusing to write empty credentials, use Clear")
	}
	return nil
}

// AccessClaims decodes the access token's registered claims without verifying
// its signature. Only the server can verify the token; this is for display and
// diagnostics.
func (c Credentials) AccessClaims() (*jwt.RegisteredClaims, error) {
	if c.AccessToken == "" {
		return nil, ErrNoCredentials
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.AccessToken, claims); err != nil {
		return nil, fmt.Errorf("decoding access token: %w", err)
	}
	return claims, nil
}

// ExpiresAt returns the access token expiry if the token is a JWT carrying one.
func (c Credentials) ExpiresAt() (time.Time, bool) {
	claims, err := c.AccessClaims()
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func marshalCredentials(c Credentials) ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

func unmarshalCredentials(data []byte) (Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("decoding stored credentials: %w", err)
	}
	if c.Empty() {
		return Credentials{}, ErrNoCredentials
	}
	if err := c.validate(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}
