// Package secrets holds the webhook signing secrets and reloads file-backed
// ones without a restart.
package secrets

import (
	"errors"
	"sync"

	"github.com/you/cheerfx/internal/config"
)

var ErrNoFiles = errors.New("secrets: no file-backed secrets configured")

type Store struct {
	twitchFile  string
	billingFile string

	mu      sync.RWMutex
	twitch  string
	billing string
}

func New(twitch, twitchFile, billing, billingFile string) *Store {
	return &Store{twitch: twitch, twitchFile: twitchFile, billing: billing, billingFile: billingFile}
}

func FromConfig(cfg config.Config) *Store {
	return New(cfg.Twitch.WebhookSecret, cfg.Twitch.WebhookSecretFile,
		cfg.Billing.WebhookSecret, cfg.Billing.WebhookSecretFile)
}

func (s *Store) Twitch() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.twitch
}

func (s *Store) Billing() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.billing
}

// Files lists the configured secret files.
func (s *Store) Files() []string {
	var out []string
	for _, p := range []string{s.twitchFile, s.billingFile} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Result reports which secrets changed on a reload.
type Result struct {
	Twitch  bool `json:"twitch"`
	Billing bool `json:"billing"`
}

// Reload re-reads every file-backed secret. A file that cannot be read keeps
// the previous value and is reported in the returned error.
func (s *Store) Reload() (Result, error) {
	if len(s.Files()) == 0 {
		return Result{}, ErrNoFiles
	}
	var (
		res  Result
		errs []error
	)
	if s.twitchFile != "" {
		if v, err := config.ReadSecretFile(s.twitchFile); err != nil {
			errs = append(errs, err)
		} else {
			res.Twitch = s.swap(&s.twitch, v)
		}
	}
	if s.billingFile != "" {
		if v, err := config.ReadSecretFile(s.billingFile); err != nil {
			errs = append(errs, err)
		} else {
			res.Billing = s.swap(&s.billing, v)
		}
	}
	return res, errors.Join(errs...)
}

func (s *Store) swap(dst *string, v string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := *dst != v
	*dst = v
	return changed
}
