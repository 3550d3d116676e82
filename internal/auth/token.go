// Package auth supplies the bearer token shared by the REST client and the
// real-time transport. The token lives in a file that an external login
// flow rewrites; the source reloads it when the file changes.
package auth

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	// ErrNoToken is returned when the token file is missing or empty.
	ErrNoToken = errors.New("no token available")
	// ErrTokenExpired is returned when the token's exp claim has passed.
	ErrTokenExpired = errors.New("token expired")
)

// FileSource reads a bearer token from a file.
type FileSource struct {
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	token  string
	expiry time.Time
	// onChange runs after every reload that changed the token.
	onChange []func()

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewFileSource creates a source for path and loads it once. A missing file
// is not an error; Token reports ErrNoToken until the file appears.
func NewFileSource(path string, logger *zap.Logger) (*FileSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileSource{path: path, logger: logger.Named("auth"), now: time.Now}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Token returns the current token.
func (s *FileSource) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", fmt.Errorf("%w in %s", ErrNoToken, s.path)
	}
	if !s.expiry.IsZero() && !s.now().Before(s.expiry) {
		return "", fmt.Errorf("%w at %s", ErrTokenExpired, s.expiry.Format(time.RFC3339))
	}
	return s.token, nil
}

// Expiry returns the token's exp claim, or zero for opaque tokens.
func (s *FileSource) Expiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiry
}

// OnChange registers fn to run after a reload replaces the token.
func (s *FileSource) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Reload re-reads the token file.
func (s *FileSource) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	expiry := tokenExpiry(token)

	s.mu.Lock()
	changed := token != s.token
	s.token = token
	s.expiry = expiry
	callbacks := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	if changed {
		s.logger.Info("token loaded", zap.Bool("present", token != ""), zap.Time("expiry", expiry))
		for _, fn := range callbacks {
			fn()
		}
	}
	return nil
}

// Watch reloads the token whenever its file is written, created, renamed
// or removed. The parent directory is watched so editors and login tools
// that replace the file atomically are seen too.
func (s *FileSource) Watch() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create token watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = w
	s.wg.Add(1)
	go s.watch(w)
	return nil
}

// Close stops watching.
func (s *FileSource) Close() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	s.wg.Wait()
	s.watcher = nil
	return err
}

func (s *FileSource) watch(w *fsnotify.Watcher) {
	defer s.wg.Done()
	name := filepath.Clean(s.path)
	for {
		select {
		case evt, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != name {
				continue
			}
			if evt.Op.Has(fsnotify.Chmod) && !evt.Op.Has(fsnotify.Write) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("token reload failed", zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("token watcher error", zap.Error(err))
		}
	}
}

// tokenExpiry reads the exp claim without verifying the signature; the
// backend verifies. Opaque tokens have no expiry.
func tokenExpiry(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
