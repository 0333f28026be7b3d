package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/harrison/aqueduct/internal/models"
)

// DefaultTimeout applies when an invocation does not set one.
const DefaultTimeout = 60 * time.Second

// Invocation is one action run with validated, normalized parameters.
type Invocation struct {
	Extension   *models.Extension
	Action      *models.Action
	Params      map[string]string
	Interpreter string        // substituted for the interpreter placeholder
	Timeout     time.Duration // zero means DefaultTimeout
}

// Label names the invocation as extension/action.
func (inv Invocation) Label() string {
	return inv.Extension.Name + "/" + inv.Action.Name
}

// Runner spawns action scripts through a shell.
type Runner struct {
	Shell     string        // e.g. "sh"; the script is passed with -c
	KillGrace time.Duration // SIGTERM to SIGKILL delay on timeout or cancel
}

// NewRunner creates a runner. An empty shell means "sh".
func NewRunner(shell string, killGrace time.Duration) *Runner {
	if shell == "" {
		shell = "sh"
	}
	return &Runner{Shell: shell, KillGrace: killGrace}
}

// ExpandScript substitutes every interpreter placeholder in script.
func ExpandScript(script, interpreter string) string {
	if interpreter == "" {
		return script
	}
	return strings.ReplaceAll(script, models.InterpreterPlaceholder, interpreter)
}

// BuildEnv layers the extension constants, the parameters and the aqueduct
// connection variables over base. Later entries win on duplicate names.
func BuildEnv(base []string, ext *models.Extension, params map[string]string) []string {
	env := make([]string, 0, len(base)+len(ext.Constants)+len(params)+2)
	env = append(env, base...)
	for k, v := range ext.Constants {
		env = append(env, k+"="+v)
	}
	for k, v := range params {
		env = append(env, k+"="+v)
	}
	env = append(env, models.EnvURL+"="+ext.URL)
	if ext.Key != "" {
		env = append(env, models.EnvKey+"="+ext.Key)
	}
	return env
}

// workDir returns the extension folder, or the home directory when the
// extension was not loaded from disk.
func workDir(ext *models.Extension) string {
	if dir, err := ext.Folder(); err == nil {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return ""
}

// Run executes the action and waits for it to exit, time out or be
// cancelled through ctx. The result is returned whenever the process started,
// also alongside an error. Errors are:
//   - *SpawnError when the script could not be started or the shell reported
//     126/127
//   - *TimeoutError when the timeout expired; the process group is killed
//   - ctx.Err() (wrapped) when ctx was cancelled
//
// A plain non-zero exit is not an error; check result.Succeeded().
func (r *Runner) Run(ctx context.Context, inv Invocation) (*models.ExecutionResult, error) {
	label := inv.Label()
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Shell, "-c", ExpandScript(inv.Action.Script, inv.Interpreter))
	cmd.Dir = workDir(inv.Extension)
	cmd.Env = BuildEnv(os.Environ(), inv.Extension, inv.Params)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureProcess(cmd, r.KillGrace)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Action: label, ExitCode: -1, Err: err}
	}
	waitErr := cmd.Wait()

	result := &models.ExecutionResult{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if waitErr != nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("%s: %w", label, ctx.Err())
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return result, NewTimeoutError(label, timeout)
		}
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return result, fmt.Errorf("%s: %w", label, waitErr)
		}
	}

	if result.ExitCode == 126 || result.ExitCode == 127 {
		return result, &SpawnError{Action: label, ExitCode: result.ExitCode}
	}
	return result, nil
}
