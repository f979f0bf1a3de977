package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/model"
	"github.com/and161185/mealsync/internal/tokens"
)

// RefreshPath is the token refresh endpoint.
const RefreshPath = "/auth/refresh"

// Auth calls the authentication endpoints. Its client must not go through a
// tokens.Transport, or refreshing would recurse.
type Auth struct{ c *Client }

var _ tokens.Refresher = (*Auth)(nil)

// NewAuth wraps c.
func NewAuth(c *Client) *Auth { return &Auth{c: c} }

// Refresh implements tokens.Refresher.
func (a *Auth) Refresh(ctx context.Context, current model.AuthToken) (model.TokenGrant, error) {
	h := http.Header{}
	if !current.Empty() {
		h.Set("Authorization", current.Header())
	}
	var g model.TokenGrant
	if err := a.c.do(ctx, http.MethodPost, RefreshPath, h, nil, &g); err != nil {
		return model.TokenGrant{}, err
	}
	if g.AccessToken == "" || g.ExpiresInMinutes <= 0 {
		return model.TokenGrant{}, fmt.Errorf("POST %s: incomplete grant: %w", RefreshPath, errs.ErrInvalidResponse)
	}
	if g.TokenType == "" {
		g.TokenType = "Bearer"
	}
	return g, nil
}
