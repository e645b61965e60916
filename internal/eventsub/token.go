package eventsub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/you/cheerfx/internal/core"
)

var oauthTokenURL = "https://id.twitch.tv/oauth2/token"

// expirySkew renews the app token slightly before Twitch would reject it.
const expirySkew = time.Minute

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// tokenSource fetches and caches a client-credentials app access token.
type tokenSource struct {
	clientID     string
	clientSecret string
	http         *http.Client

	mu    sync.Mutex
	token cachedToken
}

func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token.token != "" && time.Now().Before(s.token.expiresAt) {
		token := s.token.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	form := url.Values{}
	form.Set("client_id", strings.TrimSpace(s.clientID))
	form.Set("client_secret", strings.TrimSpace(s.clientSecret))
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: request app token: %v", core.ErrExternalService, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: app token status %d", core.ErrExternalService, resp.StatusCode)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decode app token: %v", core.ErrExternalService, err)
	}
	token := strings.TrimSpace(parsed.AccessToken)
	if token == "" {
		return "", fmt.Errorf("%w: %v", core.ErrExternalService, errors.New("empty access_token"))
	}

	expiresIn := time.Duration(parsed.ExpiresIn) * time.Second
	if parsed.ExpiresIn <= 0 {
		expiresIn = time.Hour
	}
	if expiresIn > 2*expirySkew {
		expiresIn -= expirySkew
	}

	s.mu.Lock()
	s.token = cachedToken{token: token, expiresAt: time.Now().Add(expiresIn)}
	s.mu.Unlock()
	return token, nil
}

// Invalidate drops the cached token after Twitch rejected it.
func (s *tokenSource) Invalidate() {
	s.mu.Lock()
	s.token = cachedToken{}
	s.mu.Unlock()
}
