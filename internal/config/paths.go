package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// PathsConfig is the single source of truth for every licensing file path.
// All paths are resolved relative to the executable directory so the agent
// behaves the same whether launched by the installer or from a shell.
type PathsConfig struct {
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR"`

	// Resolved file locations; populated by resolve(), not configurable
	// individually.
	LegacyLicenseFile string `yaml:"-"`
	CacheFile         string `yaml:"-"`
	CacheBackupFile   string `yaml:"-"`
	TrialFile         string `yaml:"-"`
	MigrationLogFile  string `yaml:"-"`
	BackupDir         string `yaml:"-"`
	LogsDir           string `yaml:"-"`
}

// resolve fills in the concrete file paths under the data directory.
// When DataDir is unset it defaults to <executable dir>/data.
func (p *PathsConfig) resolve() error {
	if p.DataDir == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
		exe, err = filepath.EvalSymlinks(exe)
		if err != nil {
			return fmt.Errorf("failed to resolve executable symlinks: %w", err)
		}
		p.DataDir = filepath.Join(filepath.Dir(exe), "data")
	}

	// Layout:
	//   data/
	//     license.dat          (legacy signed license, pre-migration)
	//     license.cache        (encrypted cache, primary)
	//     license.cache.bak    (encrypted cache, backup)
	//     trial.json
	//     migration.log.json
	//     backups/             (timestamped migration snapshots)
	p.LegacyLicenseFile = filepath.Join(p.DataDir, "license.dat")
	p.CacheFile = filepath.Join(p.DataDir, "license.cache")
	p.CacheBackupFile = filepath.Join(p.DataDir, "license.cache.bak")
	p.TrialFile = filepath.Join(p.DataDir, "trial.json")
	p.MigrationLogFile = filepath.Join(p.DataDir, "migration.log.json")
	p.BackupDir = filepath.Join(p.DataDir, "backups")
	p.LogsDir = filepath.Join(filepath.Dir(p.DataDir), "logs")

	return nil
}

// EnsureDirectories creates the directories the agent writes into.
func (p *PathsConfig) EnsureDirectories() error {
	for _, dir := range []string{p.DataDir, p.BackupDir, p.LogsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ResolveUnder rebinds every path beneath the given directory. Used by tests
// and by child processes that receive an explicit data dir.
func (p *PathsConfig) ResolveUnder(dir string) {
	p.DataDir = dir
	p.LegacyLicenseFile = filepath.Join(dir, "license.dat")
	p.CacheFile = filepath.Join(dir, "license.cache")
	p.CacheBackupFile = filepath.Join(dir, "license.cache.bak")
	p.TrialFile = filepath.Join(dir, "trial.json")
	p.MigrationLogFile = filepath.Join(dir, "migration.log.json")
	p.BackupDir = filepath.Join(dir, "backups")
	p.LogsDir = filepath.Join(dir, "logs")
}
