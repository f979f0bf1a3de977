package realtime

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Strategy builds the socket URL for one way of presenting the token to the
// notification endpoint.
type Strategy interface {
	URL(base, userID, token string) (string, error)
	Name() string
}

// QueryParam carries the token in the named query parameter.
type QueryParam string

// Name implements Strategy.
func (q QueryParam) Name() string { return "query:" + string(q) }

// URL implements Strategy.
func (q QueryParam) URL(base, userID, token string) (string, error) {
	if userID == "" {
		return "", errors.New("empty user id")
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/notifications/users/" + url.PathEscape(userID) + "/")
	if err != nil {
		return "", fmt.Errorf("bad realtime base url: %w", err)
	}
	q2 := u.Query()
	q2.Set(string(q), token)
	u.RawQuery = q2.Encode()
	return u.String(), nil
}

// DefaultStrategies tries ?jwt= first, then ?token=.
func DefaultStrategies() []Strategy {
	return []Strategy{QueryParam("jwt"), QueryParam("token")}
}

// ParseStrategies maps query parameter names onto strategies.
func ParseStrategies(params []string) ([]Strategy, error) {
	if len(params) == 0 {
		return DefaultStrategies(), nil
	}
	out := make([]Strategy, 0, len(params))
	for _, p := range params {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, errors.New("empty strategy name")
		}
		out = append(out, QueryParam(p))
	}
	return out, nil
}
