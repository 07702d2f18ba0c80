package tooling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// ShellPolicy configures the bash tool's confinement and defaults (spec
// §4.3/§6 "shell execution").
type ShellPolicy struct {
	WorkspaceRoot    string
	DefaultTimeout   time.Duration
	MaxOutputBytes   int
	Shell            string // "auto", "bash", "powershell", "cmd"
}

// ErrOutsideWorkspace is returned (wrapped) when a bash tool's resolved
// cwd escapes the configured workspace root.
var ErrOutsideWorkspace = errors.New("cwd is outside the workspace root")

// resolveCwd joins root and requested cwd, rejecting anything that
// escapes root after cleaning — symlink-level escapes are out of scope,
// same as path confinement elsewhere in the pack.
func resolveCwd(root, requested string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("workspace root is not configured")
	}
	target := root
	if requested != "" {
		if filepath.IsAbs(requested) {
			target = requested
		} else {
			target = filepath.Join(root, requested)
		}
	}
	cleanRoot := filepath.Clean(root)
	cleanTarget := filepath.Clean(target)
	if cleanTarget != cleanRoot && !strings.HasPrefix(cleanTarget, cleanRoot+string(filepath.Separator)) {
		return "", ErrOutsideWorkspace
	}
	return cleanTarget, nil
}

// shellCommand builds the exec.Cmd for policy.Shell on the current
// platform; "auto" means bash on non-Windows platforms (spec §6).
func shellCommand(ctx context.Context, policy ShellPolicy, command string) *exec.Cmd {
	shell := policy.Shell
	if shell == "" || shell == "auto" {
		if runtime.GOOS == "windows" {
			shell = "powershell"
		} else {
			shell = "bash"
		}
	}
	switch shell {
	case "powershell":
		return exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", command)
	case "cmd":
		return exec.CommandContext(ctx, "cmd", "/C", command)
	default:
		return exec.CommandContext(ctx, "bash", "-c", command)
	}
}

type limitedWriter struct {
	buf   bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil // silently drop past the cap, report full size to the caller
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func bashHandler(deps Deps) Handler {
	return func(ctx context.Context, inv Invocation, args json.RawMessage) (Result, error) {
		var in struct {
			Command     string `json:"command"`
			Cwd         string `json:"cwd"`
			TimeoutMs   int    `json:"timeoutMs"`
			MaxOutputKB int    `json:"maxOutputKB"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return errResult("decode: %v", err), nil
		}
		if strings.TrimSpace(in.Command) == "" {
			return errResult("command is required"), nil
		}

		cwd, err := resolveCwd(deps.Shell.WorkspaceRoot, in.Cwd)
		if err != nil {
			return errResult("%v", err), nil
		}

		timeout := deps.Shell.DefaultTimeout
		if in.TimeoutMs > 0 {
			timeout = time.Duration(in.TimeoutMs) * time.Millisecond
		}
		maxOutput := deps.Shell.MaxOutputBytes
		if in.MaxOutputKB > 0 {
			maxOutput = in.MaxOutputKB * 1024
		}

		runCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		cmd := shellCommand(runCtx, deps.Shell, in.Command)
		cmd.Dir = cwd
		stdout := &limitedWriter{limit: maxOutput}
		stderr := &limitedWriter{limit: maxOutput}
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		start := deps.Now()
		runErr := cmd.Run()
		duration := deps.Now().Sub(start)

		exitCode := 0
		if runErr != nil {
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}

		payload := map[string]any{
			"ok":         runErr == nil,
			"stdout":     stdout.buf.String(),
			"stderr":     stderr.buf.String(),
			"exitCode":   exitCode,
			"durationMs": duration.Milliseconds(),
		}
		if runCtx.Err() != nil {
			payload["error"] = "timed out"
		}
		return Result{OK: true, Payload: payload}, nil
	}
}
