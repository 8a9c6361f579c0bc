package notebook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const sessionReloadDebounce = 100 * time.Millisecond

// Session holds the external product credential. The credential comes from a
// browser storage-state file that another process keeps fresh; the session
// only reads it, marks it invalid when the gateway rejects it, and reloads it
// when the file changes.
type Session struct {
	path   string
	domain string
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	loadedAt  time.Time
	invalid   bool
	loadErr   error
}

type storageState struct {
	Cookies []storageCookie `json:"cookies"`
}

type storageCookie struct {
	Name    string  `json:"name"`
	Value   string  `json:"value"`
	Domain  string  `json:"domain"`
	Path    string  `json:"path"`
	Expires float64 `json:"expires"`
}

// SessionStatus is a point-in-time view for health checks.
type SessionStatus struct {
	Path          string    `json:"path"`
	Authenticated bool      `json:"authenticated"`
	LoadedAt      time.Time `json:"loadedAt,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt,omitempty"`
	Error         string    `json:"error,omitempty"`
}

func NewSession(path string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		path:   strings.TrimSpace(path),
		domain: "google.com",
		logger: logger,
		now:    time.Now,
	}
}

// StaticSession wraps a fixed credential, for gateways that hold their own
// session and for tests.
func StaticSession(token string) *Session {
	s := &Session{token: token, now: time.Now, logger: slog.Default()}
	s.loadedAt = s.now()
	return s
}

// Load reads the storage-state file and rebuilds the credential from the
// unexpired cookies scoped to the product domain.
func (s *Session) Load() error {
	if s.path == "" {
		return s.setLoadResult("", time.Time{}, fmt.Errorf("%w: storage state path is not configured", ErrSessionExpired))
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return s.setLoadResult("", time.Time{}, fmt.Errorf("read storage state: %w", err))
	}
	var state storageState
	if err := json.Unmarshal(data, &state); err != nil {
		return s.setLoadResult("", time.Time{}, fmt.Errorf("parse storage state: %w", err))
	}
	token, expiresAt := buildCookieToken(state.Cookies, s.domain, s.now())
	if token == "" {
		return s.setLoadResult("", time.Time{}, fmt.Errorf("%w: no valid cookies in %s", ErrSessionExpired, s.path))
	}
	return s.setLoadResult(token, expiresAt, nil)
}

func (s *Session) setLoadResult(token string, expiresAt time.Time, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.expiresAt = expiresAt
	s.loadErr = err
	s.invalid = err != nil
	if err == nil {
		s.loadedAt = s.now()
	}
	return err
}

func buildCookieToken(cookies []storageCookie, domain string, now time.Time) (string, time.Time) {
	var (
		parts    []string
		earliest time.Time
	)
	for _, c := range cookies {
		if c.Name == "" || c.Value == "" {
			continue
		}
		host := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
		if host != domain && !strings.HasSuffix(host, "."+domain) {
			continue
		}
		// Session cookies carry expires = -1.
		if c.Expires > 0 {
			exp := time.Unix(int64(c.Expires), 0)
			if !exp.After(now) {
				continue
			}
			if earliest.IsZero() || exp.Before(earliest) {
				earliest = exp
			}
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	sort.Strings(parts)
	return strings.Join(parts, "; "), earliest
}

// Token implements TokenProvider.
func (s *Session) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.invalid || s.token == "" {
		return "", s.expiredErr()
	}
	if !s.expiresAt.IsZero() && !s.expiresAt.After(s.now()) {
		return "", s.expiredErr()
	}
	return s.token, nil
}

// must be called with s.mu held.
func (s *Session) expiredErr() error {
	if s.loadErr != nil {
		return fmt.Errorf("%w: %w", ErrExternalUnavailable, s.loadErr)
	}
	return fmt.Errorf("%w: %w", ErrExternalUnavailable, ErrSessionExpired)
}

// Invalidate marks the credential unusable until the next successful Load.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.invalid {
		s.logger.Warn("external session invalidated", "path", s.path)
	}
	s.invalid = true
}

func (s *Session) Authenticated() bool {
	_, err := s.Token(context.Background())
	return err == nil
}

func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	status := SessionStatus{Path: s.path, LoadedAt: s.loadedAt, ExpiresAt: s.expiresAt}
	if s.loadErr != nil {
		status.Error = s.loadErr.Error()
	}
	s.mu.RUnlock()
	status.Authenticated = s.Authenticated()
	return status
}

// Watch reloads the credential whenever the storage-state file is written or
// replaced. It blocks until ctx is done.
func (s *Session) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: writers usually replace the file via rename.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(s.path)

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.logger.Debug("storage state changed", "path", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(sessionReloadDebounce)
			} else {
				timer.Reset(sessionReloadDebounce)
			}
			reload = timer.C
		case <-reload:
			reload = nil
			if err := s.Load(); err != nil {
				s.logger.Warn("storage state reload failed", "path", s.path, "error", err)
				continue
			}
			s.logger.Info("external session reloaded", "path", s.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("storage state watcher error", "error", err)
		}
	}
}
