package tokens

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/mealsync/internal/errs"
)

// Transport authorizes outgoing requests with the stored token. It renews the
// token proactively and, when a 401 arrives close to expiry, forces one
// refresh and retries the request once. Any other 401 is returned to the caller.
type Transport struct {
	Base   http.RoundTripper
	Tokens *Coordinator
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	c := t.Tokens

	tok, err := c.Current(ctx)
	if err != nil && !errors.Is(err, errs.ErrNoToken) {
		return nil, err
	}
	if err == nil && NeedsProactiveRefresh(tok, c.now()) {
		fresh, rerr := c.Refresh(ctx, false)
		if rerr != nil {
			c.log.Warn("proactive refresh failed", zap.Error(rerr))
		} else {
			tok = fresh
		}
	}

	out := req.Clone(ctx)
	if !tok.Empty() {
		out.Header.Set("Authorization", tok.Header())
	}
	resp, err := t.base().RoundTrip(out)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if tok.Empty() || !WithinReactiveWindow(tok, c.now()) {
		return resp, nil
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}

	fresh, err := c.Refresh(ctx, true)
	if err != nil {
		c.log.Warn("reactive refresh failed", zap.String("path", req.URL.Path), zap.Error(err))
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", fresh.Header())
	return t.base().RoundTrip(retry)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
