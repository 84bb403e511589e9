// Package credentials keeps the agent's API token fresh. Tokens come from an
// OAuth2 client-credentials exchange and are persisted into the data
// directory, where agent containers pick them up via the mount allowlist.
package credentials

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/hrygo/microclaw/internal/profile"
)

// tokenFile is where the current token lives inside the data directory.
const tokenFile = "credentials.json"

// expirySlack renews tokens slightly before they actually expire.
const expirySlack = time.Minute

// authErrorMarkers are substrings that identify a credential failure in an
// agent error message.
var authErrorMarkers = []string{
	"401",
	"unauthorized",
	"invalid_grant",
	"invalid_token",
	"token expired",
	"authentication failed",
}

// SendFunc delivers service notices, usually to the main group.
type SendFunc func(ctx context.Context, text string) error

// Service refreshes and persists agent credentials. A zero-configured
// service (no token URL) is a no-op so deployments with static credentials
// need nothing special.
type Service struct {
	conf      *clientcredentials.Config
	cachePath string
	notify    SendFunc

	mu      sync.Mutex
	token   *oauth2.Token
	failing bool
}

// NewService builds the service from the profile. notify may be nil.
func NewService(p *profile.Profile, notify SendFunc) *Service {
	s := &Service{
		cachePath: filepath.Join(p.Data, tokenFile),
		notify:    notify,
	}
	if p.CredentialTokenURL != "" {
		s.conf = &clientcredentials.Config{
			TokenURL:     p.CredentialTokenURL,
			ClientID:     p.CredentialClientID,
			ClientSecret: p.CredentialClientSecret,
		}
	}
	return s
}

// Enabled reports whether a token endpoint is configured.
func (s *Service) Enabled() bool {
	return s.conf != nil
}

// IsAuthError reports whether an agent error message looks like a
// credential failure. Deliberately substring-based; the agent's error text
// is not structured.
func (s *Service) IsAuthError(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range authErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// EnsureFresh refreshes the token only when the cached one is missing or
// close to expiry.
func (s *Service) EnsureFresh(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	valid := s.token != nil && s.token.Expiry.After(time.Now().Add(expirySlack))
	s.mu.Unlock()
	if valid {
		return nil
	}
	return s.Refresh(ctx)
}

// Refresh unconditionally fetches a new token and persists it.
func (s *Service) Refresh(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	token, err := s.conf.TokenSource(ctx).Token()
	if err != nil {
		return errors.Wrap(err, "fetch agent token")
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	if err := s.persist(token); err != nil {
		return err
	}
	slog.Info("credentials: token refreshed", "expires", token.Expiry.Format(time.RFC3339))
	return nil
}

func (s *Service) persist(token *oauth2.Token) error {
	data, err := json.Marshal(map[string]any{
		"access_token": token.AccessToken,
		"token_type":   token.TokenType,
		"expiry":       token.Expiry.Format(time.RFC3339),
	})
	if err != nil {
		return errors.Wrap(err, "encode token")
	}
	tmp := s.cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write token cache")
	}
	if err := os.Rename(tmp, s.cachePath); err != nil {
		return errors.Wrap(err, "replace token cache")
	}
	return nil
}

// Run refreshes the token on a fixed period until ctx is cancelled. The
// first failure of a streak and the recovery after it are announced through
// notify; repeats stay in the log only.
func (s *Service) Run(ctx context.Context, every time.Duration) {
	if !s.Enabled() {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	s.refreshAndReport(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshAndReport(ctx)
		}
	}
}

func (s *Service) refreshAndReport(ctx context.Context) {
	err := s.Refresh(ctx)

	s.mu.Lock()
	wasFailing := s.failing
	s.failing = err != nil
	s.mu.Unlock()

	switch {
	case err != nil && !wasFailing:
		slog.Error("credentials: refresh failed", "error", err)
		s.announce(ctx, "Credential refresh failed, replies may stop working: "+err.Error())
	case err != nil:
		slog.Warn("credentials: refresh still failing", "error", err)
	case wasFailing:
		s.announce(ctx, "Credentials are working again.")
	}
}

func (s *Service) announce(ctx context.Context, text string) {
	if s.notify == nil {
		return
	}
	if err := s.notify(ctx, text); err != nil {
		slog.Warn("credentials: notify failed", "error", err)
	}
}
