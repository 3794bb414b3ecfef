// Package runner invokes the external computation on a batch of claimed
// unit files. The computation is a black box to segpool: it receives the
// input directory, the unit basenames, an output directory, and a CPU
// budget, and anything other than exit status 0 is failure.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Invocation describes one run of the external computation: all claimed
// units of one group, passed together.
type Invocation struct {
	Group      string
	InputDir   string   // directory holding the claimed unit files
	InputFiles []string // basenames within InputDir
	OutputDir  string
	CPUs       int
}

// Result captures the outcome of an invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the invocation exited with the success code.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Invoker runs the external computation. The error return covers failures to
// run the command at all; a command that ran and exited non-zero is reported
// through Result, not the error.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// ExecInvoker runs a configured command as a subprocess.
type ExecInvoker struct {
	// Command is the executable and leading arguments.
	Command []string

	// ExtraArgs are appended after the standard arguments.
	ExtraArgs []string

	Log *slog.Logger
}

// Invoke runs the command as:
//
//	<command...> --input-data-directory <dir> --input-files <f1> <f2> ...
//	             --output-directory <dir> --cpus <n> <extra args...>
func (e *ExecInvoker) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	if len(e.Command) == 0 {
		return Result{}, fmt.Errorf("no runner command configured")
	}
	if len(inv.InputFiles) == 0 {
		return Result{}, fmt.Errorf("no input files for group %s", inv.Group)
	}

	argv := make([]string, 0, len(e.Command)+len(inv.InputFiles)+len(e.ExtraArgs)+8)
	argv = append(argv, e.Command...)
	argv = append(argv, "--input-data-directory", inv.InputDir, "--input-files")
	argv = append(argv, inv.InputFiles...)
	argv = append(argv, "--output-directory", inv.OutputDir, "--cpus", strconv.Itoa(inv.CPUs))
	argv = append(argv, e.ExtraArgs...)

	if e.Log != nil {
		e.Log.Info("running external computation", "group", inv.Group, "cmd", strings.Join(argv, " "))
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		// The command never ran (bad path, context cancelled before start).
		res.ExitCode = -1
		return res, fmt.Errorf("run %s: %w", argv[0], err)
	}

	res.ExitCode = cmd.ProcessState.ExitCode()
	return res, nil
}
