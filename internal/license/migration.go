package license

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"orderpad/internal/config"
)

// MigrationStatus is the final status of a migration attempt.
type MigrationStatus string

const (
	MigrationCompleted MigrationStatus = "completed"
	MigrationFailed    MigrationStatus = "failed"
	MigrationSkipped   MigrationStatus = "skipped"
	MigrationDryRun    MigrationStatus = "dry_run"
)

// MigrationStep records the outcome of one protocol step.
type MigrationStep struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// MigrationAttempt is one entry of the append-only migration log.
type MigrationAttempt struct {
	Timestamp time.Time       `json:"timestamp"`
	Status    MigrationStatus `json:"status"`
	Steps     []MigrationStep `json:"steps"`
}

// freeSpaceProbeBytes is the write probe used to pre-validate free disk
// space. A failing probe of this size means the data volume is too full to
// migrate safely.
const freeSpaceProbeBytes = 256 * 1024

// migratedFiles are the licensing files a snapshot covers, by base name.
func (m *Migrator) migratedFiles() []string {
	return []string{
		m.paths.LegacyLicenseFile,
		m.paths.CacheFile,
		m.paths.CacheBackupFile,
		m.paths.TrialFile,
	}
}

// Migrator converts a legacy license installation to the unified encrypted
// cache, once, with snapshot backups and automatic rollback. Every step is
// independently idempotent and logged.
type Migrator struct {
	paths   config.PathsConfig
	legacy  *LegacyLoader
	cache   *CacheStore
	flow    *Flow
	metrics *Metrics
	now     func() time.Time
}

// NewMigrator creates a migration manager over the configured paths.
func NewMigrator(paths config.PathsConfig, legacy *LegacyLoader, cache *CacheStore, flow *Flow, metrics *Metrics) *Migrator {
	return &Migrator{
		paths:   paths,
		legacy:  legacy,
		cache:   cache,
		flow:    flow,
		metrics: metrics,
		now:     time.Now,
	}
}

// Execute runs the migration protocol. In dry-run mode it performs the same
// assessments and pre-validations without writing anything, including the
// log. The returned attempt describes every step taken; the error is
// ErrMigrationFailure (wrapped) when the agent should stay on the legacy
// path.
func (m *Migrator) Execute(ctx context.Context, dryRun bool) (*MigrationAttempt, error) {
	attempt := &MigrationAttempt{Timestamp: m.now()}
	record := func(name string, ok bool, detail string) {
		attempt.Steps = append(attempt.Steps, MigrationStep{Name: name, OK: ok, Detail: detail})
	}

	// Step 1: assess.
	legacyExists := fileExists(m.paths.LegacyLicenseFile)
	cacheExists := fileExists(m.paths.CacheFile) || fileExists(m.paths.CacheBackupFile)
	completed := m.alreadyCompleted()
	record("assess", true, fmt.Sprintf("legacy=%t cache=%t prior_completed=%t", legacyExists, cacheExists, completed))

	if completed || (!legacyExists && !cacheExists) {
		attempt.Status = MigrationSkipped
		logInfo(ctx, "migration", "Migration not needed",
			slog.Bool("prior_completed", completed),
			slog.Bool("legacy_exists", legacyExists),
		)
		return attempt, nil
	}

	// Step 2: pre-validate write permission and free space.
	if err := m.preValidate(); err != nil {
		record("pre_validate", false, err.Error())
		attempt.Status = MigrationFailed
		if !dryRun {
			m.appendLog(ctx, attempt)
		}
		m.metrics.recordMigration(ctx, attempt.Status)
		return attempt, fmt.Errorf("%w: %v", ErrMigrationFailure, err)
	}
	record("pre_validate", true, "")

	if dryRun {
		attempt.Status = MigrationDryRun
		logInfo(ctx, "migration", "Dry run completed, no files touched")
		return attempt, nil
	}

	// Step 3: snapshot before any mutation.
	snapshotDir, err := m.snapshot()
	if err != nil {
		record("backup", false, err.Error())
		attempt.Status = MigrationFailed
		m.appendLog(ctx, attempt)
		m.metrics.recordMigration(ctx, attempt.Status)
		return attempt, fmt.Errorf("%w: backup: %v", ErrMigrationFailure, err)
	}
	record("backup", true, snapshotDir)

	fail := func(step, detail string) (*MigrationAttempt, error) {
		record(step, false, detail)
		if err := m.Rollback(ctx, snapshotDir); err != nil {
			logError(ctx, "migration", "Rollback failed",
				slog.String("snapshot", snapshotDir),
				slog.String("error", err.Error()),
			)
		}
		attempt.Status = MigrationFailed
		m.appendLog(ctx, attempt)
		m.metrics.recordMigration(ctx, attempt.Status)
		return attempt, fmt.Errorf("%w: %s: %s", ErrMigrationFailure, step, detail)
	}

	// Step 4: convert a validated legacy license into the unified cache.
	if legacyExists {
		if legacyState := m.legacy.Load(ctx); legacyState != nil && legacyState.Status == StatusActive {
			data := LicenseData{
				Customer:           legacyState.Customer,
				SubscriptionID:     legacyState.SubscriptionID,
				SubscriptionStatus: legacyState.SubscriptionStatus,
				ValidUntil:         legacyState.ValidUntil,
				Perpetual:          legacyState.ValidUntil.IsZero(),
			}
			if !m.cache.Save(ctx, data, m.now()) {
				return fail("migrate", "failed to persist migrated cache record")
			}
			record("migrate", true, "legacy license converted")
		} else {
			record("migrate", true, "no valid legacy license to convert")
		}
	} else {
		record("migrate", true, "no legacy file present")
	}

	// Step 5: never carry forward foreign or corrupt pre-existing cache
	// state. Load applies the field and hardware-id checks; a present file
	// that fails them is cleared.
	if (fileExists(m.paths.CacheFile) || fileExists(m.paths.CacheBackupFile)) && m.cache.Load(ctx) == nil {
		m.cache.Clear(ctx)
		record("validate_cache", true, "invalid pre-existing cache cleared")
	} else {
		record("validate_cache", true, "")
	}

	// Step 6: post-validate by re-running the full chain.
	state := m.flow.Run(ctx)
	if state.Status == StatusInvalid {
		return fail("post_validate", state.ErrorMessage)
	}
	record("post_validate", true, string(state.Status))

	attempt.Status = MigrationCompleted
	m.appendLog(ctx, attempt)
	m.metrics.recordMigration(ctx, attempt.Status)
	logInfo(ctx, "migration", "Migration completed",
		slog.String("snapshot", snapshotDir),
		slog.String("post_status", string(state.Status)),
	)
	return attempt, nil
}

// preValidate checks write permission and minimum free disk space on the
// data directory with a probe file.
func (m *Migrator) preValidate() error {
	if err := os.MkdirAll(m.paths.DataDir, 0755); err != nil {
		return fmt.Errorf("data directory not writable: %v", err)
	}

	probe, err := os.CreateTemp(m.paths.DataDir, ".migration-probe-*")
	if err != nil {
		return fmt.Errorf("data directory not writable: %v", err)
	}
	probePath := probe.Name()
	defer os.Remove(probePath)

	if _, err := probe.Write(make([]byte, freeSpaceProbeBytes)); err != nil {
		probe.Close()
		return fmt.Errorf("insufficient free disk space: %v", err)
	}
	return probe.Close()
}

// snapshot copies every present licensing file into a fresh timestamped
// directory and returns its path.
func (m *Migrator) snapshot() (string, error) {
	name := fmt.Sprintf("snapshot-%s-%s", m.now().Format("20060102T150405"), uuid.NewString()[:8])
	dir := filepath.Join(m.paths.BackupDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	for _, src := range m.migratedFiles() {
		if !fileExists(src) {
			continue
		}
		if err := copyFile(src, filepath.Join(dir, filepath.Base(src))); err != nil {
			return "", err
		}
	}

	return dir, nil
}

// Rollback restores all licensing files from the given snapshot directory.
// Files absent in the snapshot are removed so the pre-migration state is
// reproduced exactly.
func (m *Migrator) Rollback(ctx context.Context, snapshotDir string) error {
	for _, dst := range m.migratedFiles() {
		src := filepath.Join(snapshotDir, filepath.Base(dst))
		if fileExists(src) {
			if err := copyFile(src, dst); err != nil {
				return fmt.Errorf("restore %s: %w", filepath.Base(dst), err)
			}
			continue
		}
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", filepath.Base(dst), err)
		}
	}

	logInfo(ctx, "migration", "Rolled back from snapshot",
		slog.String("snapshot", snapshotDir),
	)
	return nil
}

// CleanupSnapshots removes all but the keep most recent snapshot
// directories. Snapshot names sort chronologically.
func (m *Migrator) CleanupSnapshots(keep int) error {
	if keep < 1 {
		keep = 1
	}

	entries, err := os.ReadDir(m.paths.BackupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snapshots []string
	for _, entry := range entries {
		if entry.IsDir() {
			snapshots = append(snapshots, entry.Name())
		}
	}
	sort.Strings(snapshots)

	if len(snapshots) <= keep {
		return nil
	}

	for _, name := range snapshots[:len(snapshots)-keep] {
		if err := os.RemoveAll(filepath.Join(m.paths.BackupDir, name)); err != nil {
			return err
		}
	}
	return nil
}

// ReadLog returns the migration log entries in order, oldest first.
func (m *Migrator) ReadLog() ([]MigrationAttempt, error) {
	data, err := os.ReadFile(m.paths.MigrationLogFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var attempts []MigrationAttempt
	if err := json.Unmarshal(data, &attempts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return attempts, nil
}

func (m *Migrator) alreadyCompleted() bool {
	attempts, err := m.ReadLog()
	if err != nil {
		return false
	}
	for _, attempt := range attempts {
		if attempt.Status == MigrationCompleted {
			return true
		}
	}
	return false
}

// appendLog appends an attempt to the migration log. Entries are never
// rewritten; the file only grows.
func (m *Migrator) appendLog(ctx context.Context, attempt *MigrationAttempt) {
	attempts, err := m.ReadLog()
	if err != nil {
		logWarn(ctx, "migration", "Migration log unreadable, starting fresh",
			slog.String("error", err.Error()),
		)
		attempts = nil
	}

	attempts = append(attempts, *attempt)
	data, err := json.MarshalIndent(attempts, "", "  ")
	if err != nil {
		logError(ctx, "migration", "Failed to serialize migration log",
			slog.String("error", err.Error()),
		)
		return
	}

	if err := writeFileAtomic(m.paths.MigrationLogFile, data, 0644); err != nil {
		logError(ctx, "migration", "Failed to write migration log",
			slog.String("error", err.Error()),
		)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}

	return writeFileAtomic(dst, data, 0600)
}
