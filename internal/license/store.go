package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	licenseErrors "gymdesk/internal/errors"
	"gymdesk/internal/security"
)

// ErrStoreClosed is returned by Load and Save after Close
var ErrStoreClosed = errors.New("license store is closed")

// Fingerprinter derives the device fingerprint the cache key is bound to
type Fingerprinter interface {
	GenerateFingerprint(ctx context.Context) string
}

// Store persists one CachedLicenseRecord per installation, sealed with a key
// derived from the device fingerprint. A cache copied to another device
// cannot be opened there.
type Store struct {
	path          string
	fingerprinter Fingerprinter
	logger        *slog.Logger

	mu         sync.Mutex
	closed     bool
	cipherOnce sync.Once
	cipher     *security.CacheCipher
	cipherErr  error
}

// NewStore creates a store for the cache file at path
func NewStore(path string, fingerprinter Fingerprinter, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:          path,
		fingerprinter: fingerprinter,
		logger:        logger.With(slog.String("component", "license_store")),
	}
}

// Path returns the cache file location
func (s *Store) Path() string {
	return s.path
}

// Close wipes the derived cache key. Later loads and saves fail with
// ErrStoreClosed; the file on disk is left alone.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.cipherOnce.Do(func() {})
	if s.cipher != nil {
		s.cipher.Destroy()
	}
}

// cacheCipher derives the key once per store; it lives in memory only
func (s *Store) cacheCipher(ctx context.Context) (*security.CacheCipher, error) {
	s.cipherOnce.Do(func() {
		s.cipher, s.cipherErr = security.NewCacheCipherForDevice(s.fingerprinter.GenerateFingerprint(ctx))
	})
	return s.cipher, s.cipherErr
}

// Load reads and decrypts the cache. A missing file is (nil, nil). A file
// that cannot be decrypted or decoded is quarantined and also reported as
// (nil, nil) so activation can proceed. Only I/O failures return an error.
func (s *Store) Load(ctx context.Context) (*CachedLicenseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, licenseErrors.NewLicenseError(licenseErrors.CodeStorageError, "failed to read license cache", ErrStoreClosed)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, licenseErrors.NewLicenseError(licenseErrors.CodeStorageError, "failed to read license cache", err)
	}

	c, err := s.cacheCipher(ctx)
	if err != nil {
		return nil, licenseErrors.NewLicenseError(licenseErrors.CodeStorageError, "failed to derive cache key", err)
	}

	plaintext, err := c.Open(string(data))
	if err != nil {
		s.quarantine(ctx, err)
		return nil, nil
	}

	var record CachedLicenseRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		s.quarantine(ctx, err)
		return nil, nil
	}
	if record.LicenseKey == "" {
		s.quarantine(ctx, errors.New("record has no license key"))
		return nil, nil
	}

	return &record, nil
}

// Save encrypts record and atomically replaces the cache file
func (s *Store) Save(ctx context.Context, record *CachedLicenseRecord) error {
	if record == nil {
		return licenseErrors.NewLicenseError(licenseErrors.CodeStorageError, "refusing to save empty record", nil)
	}

	plaintext, err := json.Marshal(record)
	if err != nil {
		return licenseErrors.NewLicenseError(licenseErrors.CodeStorageError, "failed to encode license record", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return licenseErrors.NewLicenseError(licenseErrors.CodeStorageError, "failed to write license cache", ErrStoreClosed)
	}

	c, err := s.cacheCipher(ctx)
	if err != nil {
		return licenseErrors.NewLicenseError(licenseErrors.CodeStorageError, "failed to derive cache key", err)
	}
	blob, err := c.Seal(plaintext)
	if err != nil {
		return licenseErrors.NewLicenseError(licenseErrors.CodeStorageError, "failed to encrypt license record", err)
	}

	if err := writeFileAtomic(s.path, []byte(blob)); err != nil {
		s.logger.ErrorContext(ctx, "failed to write license cache",
			slog.String("path", s.path),
			slog.String("error", err.Error()))
		return licenseErrors.NewLicenseError(licenseErrors.CodeStorageError, "failed to write license cache", err)
	}

	s.logger.DebugContext(ctx, "license cache written",
		slog.String("path", s.path),
		slog.Int("size_bytes", len(blob)))
	return nil
}

// Clear deletes the cache file and reports whether one existed
func (s *Store) Clear(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, licenseErrors.NewLicenseError(licenseErrors.CodeStorageError, "failed to delete license cache", err)
	}
	s.logger.InfoContext(ctx, "license cache cleared", slog.String("path", s.path))
	return true, nil
}

// quarantine moves an unreadable cache aside, keeping it for inspection
func (s *Store) quarantine(ctx context.Context, cause error) {
	target := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().UnixNano())
	if err := os.Rename(s.path, target); err != nil {
		s.logger.ErrorContext(ctx, "failed to quarantine corrupt license cache",
			slog.String("path", s.path),
			slog.String("error", err.Error()))
		return
	}
	s.logger.WarnContext(ctx, "corrupt license cache quarantined",
		slog.String("path", s.path),
		slog.String("quarantined_as", filepath.Base(target)),
		slog.String("reason", cause.Error()))
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0o600); err != nil && !errors.Is(err, errors.ErrUnsupported) {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to restrict temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}
