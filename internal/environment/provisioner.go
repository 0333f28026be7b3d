// Package environment provisions one isolated Python environment per
// extension, inside the extension's own folder.
package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/harrison/aqueduct/internal/filelock"
	"github.com/harrison/aqueduct/internal/logger"
	"github.com/harrison/aqueduct/internal/metrics"
	"github.com/harrison/aqueduct/internal/models"
)

const (
	// DirName is the environment folder inside an extension folder.
	DirName = "venv"

	// RequirementsFile and ProjectFile are the optional dependency declarations.
	RequirementsFile = "requirements.txt"
	ProjectFile      = "pyproject.toml"

	lockFile = ".venv.lock"
)

// DefaultTimeout bounds one provisioning run.
const DefaultTimeout = 10 * time.Minute

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (output string, err error)
}

// ExecRunner runs commands directly, without a shell.
type ExecRunner struct{}

// Run executes name with args in dir and returns combined stdout/stderr.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// Options configures a Provisioner.
type Options struct {
	// Interpreter creates environments, e.g. "python3".
	Interpreter string
	// Timeout bounds creation plus dependency installation.
	Timeout time.Duration
}

// Provisioner creates extension environments on demand.
type Provisioner struct {
	opts   Options
	runner CommandRunner
	logger logger.Logger
	group  singleflight.Group
}

// NewProvisioner creates a provisioner. A nil runner executes real commands.
func NewProvisioner(opts Options, runner CommandRunner, log logger.Logger) *Provisioner {
	if opts.Interpreter == "" {
		opts.Interpreter = "python3"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Provisioner{opts: opts, runner: runner, logger: log}
}

// folder returns the extension folder, which must exist and be a directory.
func folder(ext *models.Extension) (string, error) {
	dir, err := ext.Folder()
	if err != nil {
		return "", &models.ConfigError{Path: ext.Name, Err: err}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", &models.ConfigError{Path: dir, Err: err}
	}
	if !info.IsDir() {
		return "", &models.ConfigError{Path: dir, Err: errors.New("extension folder is not a directory")}
	}
	return dir, nil
}

// EnvDir returns the environment folder of ext.
func EnvDir(ext *models.Extension) (string, error) {
	dir, err := ext.Folder()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DirName), nil
}

// InterpreterPath returns the interpreter inside the environment of ext.
func InterpreterPath(ext *models.Extension) (string, error) {
	env, err := EnvDir(ext)
	if err != nil {
		return "", err
	}
	return filepath.Join(env, "bin", "python"), nil
}

// IsReady reports whether the environment folder exists and is a directory.
// The folder appears before dependencies are installed, so callers that are
// about to use the environment go through Ensure instead.
func (p *Provisioner) IsReady(ext *models.Extension) (bool, error) {
	env, err := EnvDir(ext)
	if err != nil {
		return false, &models.ConfigError{Path: ext.Name, Err: err}
	}
	info, err := os.Stat(env)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// Ensure makes sure the environment of ext exists and returns its
// interpreter path. Concurrent calls for one extension share a single
// provisioning run, and a file lock keeps other processes out while it runs.
// Readiness is only checked with the lock held, so no caller gets the path
// while dependencies are still being installed.
func (p *Provisioner) Ensure(ctx context.Context, ext *models.Extension) (string, error) {
	dir, err := folder(ext)
	if err != nil {
		return "", err
	}
	python, err := InterpreterPath(ext)
	if err != nil {
		return "", &models.ConfigError{Path: ext.Name, Err: err}
	}

	_, err, _ = p.group.Do(dir, func() (interface{}, error) {
		// Shared by every waiter, so one caller going away must not abort it.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.Timeout)
		defer cancel()
		return nil, filelock.WithLock(pctx, filepath.Join(dir, lockFile), func() error {
			return p.provision(pctx, ext, dir)
		})
	})
	if err != nil {
		metrics.EnvironmentProvisions.WithLabelValues(metrics.ProvisionFailed).Inc()
		return "", fmt.Errorf("provision environment for %s: %w", ext.Name, err)
	}
	return python, nil
}

// provision creates the environment and installs dependencies. The caller
// holds the folder lock.
func (p *Provisioner) provision(ctx context.Context, ext *models.Extension, dir string) error {
	// Another caller or process may have finished while we waited for the lock.
	if ready, err := p.IsReady(ext); err != nil {
		return err
	} else if ready {
		metrics.EnvironmentProvisions.WithLabelValues(metrics.ProvisionReused).Inc()
		return nil
	}

	env := filepath.Join(dir, DirName)
	start := time.Now()
	p.logger.Infof("Creating environment for extension %s in %s", ext.Name, env)

	if out, err := p.runner.Run(ctx, dir, p.opts.Interpreter, "-m", "venv", env); err != nil {
		os.RemoveAll(env)
		return fmt.Errorf("create environment: %w%s", err, formatOutput(out))
	}

	python := filepath.Join(env, "bin", "python")
	p.install(ctx, ext, dir, RequirementsFile, python, "-m", "pip", "install", "-r", RequirementsFile)
	p.install(ctx, ext, dir, ProjectFile, python, "-m", "pip", "install", ".")

	metrics.EnvironmentProvisions.WithLabelValues(metrics.ProvisionCreated).Inc()
	p.logger.Infof("Environment for extension %s ready in %s", ext.Name, time.Since(start).Round(time.Millisecond))
	return nil
}

// install runs one dependency step when marker exists. Failures are logged
// and otherwise ignored.
func (p *Provisioner) install(ctx context.Context, ext *models.Extension, dir, marker, name string, args ...string) {
	if _, err := os.Stat(filepath.Join(dir, marker)); err != nil {
		return
	}
	if out, err := p.runner.Run(ctx, dir, name, args...); err != nil {
		p.logger.Warnf("Extension %s: installing from %s failed: %v%s", ext.Name, marker, err, formatOutput(out))
		return
	}
	p.logger.Debugf("Extension %s: installed dependencies from %s", ext.Name, marker)
}

func formatOutput(out string) string {
	out = strings.TrimSpace(out)
	if out == "" {
		return ""
	}
	return "\nOutput:\n" + out
}
