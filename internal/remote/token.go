package remote

import (
	"context"
	"errors"
)

// StaticTokenProvider serves a single fixed token — a stand-in for the
// out-of-scope OAuth flow, sufficient to make the daemon runnable with a
// long-lived personal access token.
type StaticTokenProvider struct {
	token string
}

// NewStaticTokenProvider wraps a fixed token. ForceRefresh is a no-op that
// returns the same token, since there is nothing to refresh.
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

func (p *StaticTokenProvider) CurrentToken(_ context.Context) (string, error) {
	if p.token == "" {
		return "", errors.New("no token configured")
	}
	return p.token, nil
}

func (p *StaticTokenProvider) ForceRefresh(ctx context.Context) (string, error) {
	return p.CurrentToken(ctx)
}
