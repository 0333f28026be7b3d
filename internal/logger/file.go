package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harrison/aqueduct/internal/models"
)

// FileLogger logs service events to files in a log directory.
// It creates timestamped per-run log files, per-task detailed logs,
// and maintains a latest.log symlink pointing to the most recent run.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	tasksDir string
	logLevel string
	mu       sync.Mutex
}

// NewFileLogger creates a FileLogger writing to logDir at the given level.
// It creates the log directory if it doesn't exist, opens a timestamped
// run log file, and creates/updates the latest.log symlink.
func NewFileLogger(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	tasksDir := filepath.Join(logDir, "tasks")
	if err := os.MkdirAll(tasksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tasks directory: %w", err)
	}

	// run-YYYYMMDD-HHMMSS.log
	ts := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", ts))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	if err := linkLatest(logDir, filepath.Base(runFile)); err != nil {
		file.Close()
		return nil, err
	}

	logger := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		tasksDir: tasksDir,
		logLevel: normalizeLogLevel(logLevel),
	}

	logger.writeRunLog("=== Aqueduct Run Log ===\n")
	logger.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))

	return logger, nil
}

// linkLatest points logDir/latest.log at target. The link is created under a
// temporary name and renamed into place, so concurrent runs never see the
// link missing.
func linkLatest(logDir, target string) error {
	link := filepath.Join(logDir, "latest.log")
	tmp := filepath.Join(logDir, fmt.Sprintf(".latest.log.%d.%d", os.Getpid(), time.Now().UnixNano()))
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("failed to create symlink: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace latest.log: %w", err)
	}
	return nil
}

// RunFile returns the path of the current run log.
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

// TaskLogPath returns where the detailed log of a task is written.
func (fl *FileLogger) TaskLogPath(taskID string) string {
	return filepath.Join(fl.tasksDir, taskID+".log")
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

func (fl *FileLogger) Debugf(format string, args ...interface{}) {
	fl.logWithLevel("DEBUG", fmt.Sprintf(format, args...))
}

func (fl *FileLogger) Infof(format string, args ...interface{}) {
	fl.logWithLevel("INFO", fmt.Sprintf(format, args...))
}

func (fl *FileLogger) Warnf(format string, args ...interface{}) {
	fl.logWithLevel("WARN", fmt.Sprintf(format, args...))
}

func (fl *FileLogger) Errorf(format string, args ...interface{}) {
	fl.logWithLevel("ERROR", fmt.Sprintf(format, args...))
}

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	formatted := fmt.Sprintf("[%s] [%s] %s\n", time.Now().Format("15:04:05"), level, message)
	fl.writeRunLog(formatted)
}

// LogTaskResult writes a detailed log for a finished task to
// tasks/<task-id>.log and a one-line entry to the run log.
func (fl *FileLogger) LogTaskResult(task *models.Task) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	file, err := os.OpenFile(fl.TaskLogPath(task.ID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create task log file: %w", err)
	}
	defer file.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "=== Task %s: %s/%s ===\n", task.ID, task.Extension, task.Action)
	fmt.Fprintf(&b, "Experiment: %s\n", task.Experiment)
	if task.Requester != "" {
		fmt.Fprintf(&b, "Requester: %s\n", task.Requester)
	}
	fmt.Fprintf(&b, "Status: %s\n", task.Status)
	if task.ResultCode != nil {
		fmt.Fprintf(&b, "Result Code: %d\n", *task.ResultCode)
	}
	fmt.Fprintf(&b, "Received: %s\n", task.ReceivedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Duration: %.1fs\n", task.Duration().Seconds())
	b.WriteString("\n")

	if len(task.Params) > 0 {
		b.WriteString("Parameters:\n")
		for _, k := range sortedKeys(task.Params) {
			fmt.Fprintf(&b, "  %s=%s\n", k, task.Params[k])
		}
		b.WriteString("\n")
	}
	if task.Stdout != "" {
		fmt.Fprintf(&b, "Stdout:\n%s\n\n", task.Stdout)
	}
	if task.Stderr != "" {
		fmt.Fprintf(&b, "Stderr:\n%s\n\n", task.Stderr)
	}
	if task.Error != "" {
		fmt.Fprintf(&b, "Error:\n%s\n\n", task.Error)
	}
	fmt.Fprintf(&b, "Completed at: %s\n", time.Now().Format(time.RFC3339))

	if _, err := file.WriteString(b.String()); err != nil {
		return fmt.Errorf("failed to write task log: %w", err)
	}

	if fl.runLog != nil {
		fl.runLog.WriteString(fmt.Sprintf("[%s] [TASK] %s %s/%s -> %s\n",
			time.Now().Format("15:04:05"), task.ID, task.Extension, task.Action, task.Status))
	}
	return nil
}

// Close flushes and closes the run log file.
// It should be called when the logger is no longer needed.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		if err := fl.runLog.Sync(); err != nil {
			return fmt.Errorf("failed to sync run log: %w", err)
		}
		if err := fl.runLog.Close(); err != nil {
			return fmt.Errorf("failed to close run log: %w", err)
		}
		fl.runLog = nil
	}

	return nil
}

// writeRunLog is a thread-safe helper to write to the run log file.
func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		fl.runLog.WriteString(message)
		// Flush after each write for real-time logging
		fl.runLog.Sync()
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
