package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths contains the resolved file system locations used by the license subsystem
type Paths struct {
	ExecutableDir string
	DataDir       string
	CacheFile     string
	AppRoot       string
	LogFile       string
	ConfigFile    string
}

// GetPaths resolves cfg's paths. Relative paths are anchored at the directory
// of the running executable, never the current working directory.
func GetPaths(cfg *Config) (*Paths, error) {
	exeDir, err := executableDir()
	if err != nil {
		return nil, err
	}

	dataDir := resolve(exeDir, cfg.License.DataDir)
	return &Paths{
		ExecutableDir: exeDir,
		DataDir:       dataDir,
		CacheFile:     filepath.Join(dataDir, cfg.License.CacheFile),
		AppRoot:       resolve(exeDir, cfg.License.AppRoot),
		LogFile:       resolve(exeDir, cfg.Logging.FilePath),
		ConfigFile:    filepath.Join(exeDir, DefaultConfigFile),
	}, nil
}

// CachePath returns the absolute path of the encrypted license cache
func (c *Config) CachePath() string {
	return filepath.Join(c.License.DataDir, c.License.CacheFile)
}

// EnsureDirectories creates the data and log directories if they don't exist
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.DataDir, filepath.Dir(p.LogFile)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		slog.Debug("ensured directory exists", slog.String("directory", dir))
	}
	return nil
}

func executableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable symlinks: %w", err)
	}
	return filepath.Dir(exe), nil
}

func resolve(base, p string) string {
	if p == "" {
		return base
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
