package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// HomeEnv names the environment variable overriding the aqueduct home.
const HomeEnv = "AQUEDUCT_HOME"

// GetAqueductHome returns the aqueduct home directory.
// Priority order:
//  1. AQUEDUCT_HOME environment variable (if set)
//  2. ~/.aqueduct
//  3. ./.aqueduct when the user home cannot be determined
//
// The directory is not created; see EnsureHome.
func GetAqueductHome() (string, error) {
	if home := os.Getenv(HomeEnv); home != "" {
		return filepath.Abs(home)
	}

	userHome, err := os.UserHomeDir()
	if err == nil && userHome != "" {
		return filepath.Join(userHome, ".aqueduct"), nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return filepath.Join(cwd, ".aqueduct"), nil
}

// EnsureHome creates the home directory and the directories the service
// writes into.
func (c *Config) EnsureHome() error {
	for _, dir := range []string{c.Home, c.ExtensionsDir, c.ExperimentsDir, c.LogDir, filepath.Dir(c.DBPath)} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// resolve makes p absolute relative to the home directory.
func (c *Config) resolve(p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Home, p)
}
