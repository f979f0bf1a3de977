// Package model defines domain entities shared by the sync core and its adapters.
package model

import "time"

// AuthToken is the access token currently held by the client.
type AuthToken struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresInMinutes int    `json:"expires_in_minutes"`
	// LastRefreshTimestamp is the epoch second at which this token was obtained.
	LastRefreshTimestamp int64 `json:"last_refresh_timestamp"`
}

// Empty reports whether no token is held.
func (t AuthToken) Empty() bool { return t.AccessToken == "" }

// ObtainedAt returns the moment the token was stored.
func (t AuthToken) ObtainedAt() time.Time { return time.Unix(t.LastRefreshTimestamp, 0) }

// ExpiresAt returns the computed expiry of the token.
func (t AuthToken) ExpiresAt() time.Time {
	return t.ObtainedAt().Add(time.Duration(t.ExpiresInMinutes) * time.Minute)
}

// Header returns the Authorization header value for the token.
func (t AuthToken) Header() string {
	typ := t.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	return typ + " " + t.AccessToken
}

// TokenGrant is the payload returned by the refresh endpoint.
type TokenGrant struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresInMinutes int    `json:"expires_in_minutes"`
}

// Stamp turns the grant into a stored token obtained at now.
func (g TokenGrant) Stamp(now time.Time) AuthToken {
	return AuthToken{
		AccessToken:          g.AccessToken,
		TokenType:            g.TokenType,
		ExpiresInMinutes:     g.ExpiresInMinutes,
		LastRefreshTimestamp: now.Unix(),
	}
}
