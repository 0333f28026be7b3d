package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/harrison/aqueduct/internal/config"
	"github.com/harrison/aqueduct/internal/environment"
	"github.com/harrison/aqueduct/internal/executor"
	"github.com/harrison/aqueduct/internal/experiment"
	"github.com/harrison/aqueduct/internal/extension"
	"github.com/harrison/aqueduct/internal/logger"
	"github.com/harrison/aqueduct/internal/store"
	"github.com/harrison/aqueduct/internal/tasks"
)

// loadConfig resolves the home directory, loads the config file and applies
// the persistent flags of cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	home, _ := flags.GetString("home")
	if home == "" {
		var err error
		home, err = config.GetAqueductHome()
		if err != nil {
			return nil, err
		}
	}

	configPath, _ := flags.GetString("config")
	cfg, err := config.LoadConfig(home, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var overrides config.FlagOverrides
	for name, dst := range map[string]**string{
		"log-level":       &overrides.LogLevel,
		"extensions-dir":  &overrides.ExtensionsDir,
		"experiments-dir": &overrides.ExperimentsDir,
		"db":              &overrides.DBPath,
	} {
		if f := flags.Lookup(name); f != nil && f.Changed {
			v := f.Value.String()
			*dst = &v
		}
	}
	if flags.Lookup("host") != nil && flags.Changed("host") {
		v, _ := flags.GetString("host")
		overrides.Host = &v
	}
	if flags.Lookup("port") != nil && flags.Changed("port") {
		v, _ := flags.GetInt("port")
		overrides.Port = &v
	}
	if flags.Lookup("max-concurrency") != nil && flags.Changed("max-concurrency") {
		v, _ := flags.GetInt("max-concurrency")
		overrides.MaxConcurrency = &v
	}
	cfg.MergeWithFlags(overrides)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newRegistry builds the extension registry described by cfg.
func newRegistry(cfg *config.Config, log logger.Logger) *extension.Registry {
	return extension.NewRegistry(cfg.ExtensionsDir, extension.Options{
		Manifest: cfg.Registry.Manifest,
		URL:      cfg.Server.URL,
		Key:      cfg.Server.Key,
		CacheTTL: cfg.Registry.CacheTTL,
	}, log)
}

// app holds the wired components of a command that executes or queries tasks.
type app struct {
	cfg         *config.Config
	logger      logger.Logger
	fileLogger  *logger.FileLogger
	store       *store.Store
	registry    *extension.Registry
	experiments *experiment.FSStore
	tracker     *tasks.Tracker
	service     *executor.Service
}

// newApp creates the home layout, opens the task database and wires the
// execution service. Console output goes to stderr; with fileLog set a run
// log and per-task logs are written to the log directory as well.
func newApp(cfg *config.Config, stderr io.Writer, fileLog bool) (*app, error) {
	if err := cfg.EnsureHome(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	console := logger.NewConsoleLogger(stderr, cfg.LogLevel)
	a.logger = console
	if fileLog {
		fl, err := logger.NewFileLogger(cfg.LogDir, cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to create file logger: %w", err)
		}
		a.fileLogger = fl
		a.logger = logger.NewMultiLogger(console, fl)
	}

	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open task database: %w", err)
	}
	a.store = st
	if v, err := st.GetLatestVersion(context.Background()); err == nil {
		a.logger.Debugf("Task database %s at schema version %d", st.Path(), v)
	}

	a.registry = newRegistry(cfg, a.logger)
	a.experiments = experiment.NewFSStore(cfg.ExperimentsDir)
	a.tracker = tasks.NewTracker(st, a.logger,
		tasks.WithMaxPageSize(cfg.Tasks.MaxPageSize),
		tasks.WithCancelWait(cfg.Execution.KillGrace+executor.CancelWaitSlack),
	)

	provisioner := environment.NewProvisioner(environment.Options{
		Interpreter: cfg.Environment.Interpreter,
		Timeout:     cfg.Environment.ProvisionTimeout,
	}, nil, a.logger)

	a.service = executor.NewService(executor.Options{
		DefaultTimeout: cfg.Execution.DefaultTimeout,
		MaxTimeout:     cfg.Execution.MaxTimeout,
		MaxConcurrency: cfg.Execution.MaxConcurrency,
		QueueSize:      cfg.Execution.QueueSize,
	}, a.registry, provisioner, a.experiments, a.tracker,
		executor.NewRunner(cfg.Execution.Shell, cfg.Execution.KillGrace), a.logger)

	return a, nil
}

// shutdown stops the service, then releases the database and log files.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.service != nil {
		errs = append(errs, a.service.Close(ctx))
	}
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

func (a *app) close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.fileLogger != nil {
		errs = append(errs, a.fileLogger.Close())
	}
	return errors.Join(errs...)
}
