package license

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"orderpad/internal/security"
)

// CacheStore persists the last successful validation result as an encrypted,
// hardware-bound record. The ciphertext is written to two independent paths
// so a torn write or a deleted primary never loses the record.
//
// The store exclusively owns both files; no other component writes them.
type CacheStore struct {
	primaryPath  string
	backupPath   string
	fingerprints *security.FingerprintManager
	mu           sync.Mutex
}

// NewCacheStore creates a cache store over the given primary and backup
// paths.
func NewCacheStore(primaryPath, backupPath string, fingerprints *security.FingerprintManager) *CacheStore {
	return &CacheStore{
		primaryPath:  primaryPath,
		backupPath:   backupPath,
		fingerprints: fingerprints,
	}
}

// Save encrypts and persists a cache record for the given license data.
// A zero timestamp means "validated now". Returns false on any
// serialization, encryption or write failure; it never panics.
func (s *CacheStore) Save(ctx context.Context, data LicenseData, validatedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if validatedAt.IsZero() {
		validatedAt = time.Now()
	}

	hardwareID := s.fingerprints.ComputeHardwareID()
	record := CacheRecord{
		LicenseData:    data,
		LastValidation: validatedAt,
		HardwareID:     hardwareID,
		Version:        cacheRecordVersion,
	}

	plaintext, err := json.Marshal(record)
	if err != nil {
		logError(ctx, "cache_save", "Failed to serialize cache record",
			slog.String("error", err.Error()),
		)
		return false
	}

	key := security.DeriveKey(hardwareID, appSecret)
	payload, err := security.Encrypt(plaintext, key)
	if err != nil {
		logError(ctx, "cache_save", "Failed to encrypt cache record",
			slog.String("error", err.Error()),
		)
		return false
	}

	ciphertext, err := json.Marshal(payload)
	if err != nil {
		logError(ctx, "cache_save", "Failed to serialize encrypted payload",
			slog.String("error", err.Error()),
		)
		return false
	}

	ok := true
	for _, path := range []string{s.primaryPath, s.backupPath} {
		if err := writeFileAtomic(path, ciphertext, 0600); err != nil {
			logError(ctx, "cache_save", "Failed to write cache file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			ok = false
		}
	}

	if ok {
		logInfo(ctx, "cache_save", "Cache record persisted",
			slog.Time("last_validation", validatedAt),
			slog.Bool("perpetual", data.Perpetual),
		)
	}
	return ok
}

// Load returns the cached record, trying the primary path first and the
// backup second. Returns nil when neither file yields a record that
// decrypts, has its required fields, and is bound to this machine.
func (s *CacheStore) Load(ctx context.Context) *CacheRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range []string{s.primaryPath, s.backupPath} {
		record, err := s.loadFrom(path)
		if err != nil {
			if !os.IsNotExist(err) {
				logDebug(ctx, "cache_load", "Cache file rejected",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		return record
	}

	return nil
}

func (s *CacheStore) loadFrom(path string) (*CacheRecord, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var payload security.EncryptedPayload
	if err := json.Unmarshal(ciphertext, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	// GCM authentication failure means the ciphertext was tampered with or
	// sealed under another machine's key.
	key := security.DeriveKey(s.fingerprints.ComputeHardwareID(), appSecret)
	plaintext, err := security.Decrypt(&payload, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	var record CacheRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	if record.HardwareID == "" || record.LastValidation.IsZero() || record.Version == 0 {
		return nil, fmt.Errorf("%w: missing required fields", ErrParse)
	}

	// Decryption already binds the record to this machine through the key,
	// but the stored id is re-checked so a record re-encrypted with a
	// leaked secret still cannot travel between machines.
	if !s.fingerprints.Matches(record.HardwareID) {
		return nil, ErrHardwareMismatch
	}

	return &record, nil
}

// Clear removes both cache files. Idempotent; missing files are not errors.
func (s *CacheStore) Clear(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := true
	for _, path := range []string{s.primaryPath, s.backupPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logError(ctx, "cache_clear", "Failed to remove cache file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			ok = false
		}
	}

	if ok {
		logInfo(ctx, "cache_clear", "Cache files cleared")
	}
	return ok
}

// writeFileAtomic writes data via a temp file and atomic rename so a
// concurrent reader never observes a partially written file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
