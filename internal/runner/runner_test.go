package runner

import (
	"context"
	"runtime"
	"testing"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
}

func TestInvokeSuccess(t *testing.T) {
	skipWithoutShell(t)
	inv := &ExecInvoker{Command: []string{"true"}}
	res, err := inv.Invoke(context.Background(), Invocation{
		Group:      "T1",
		InputDir:   t.TempDir(),
		InputFiles: []string{"input_table_T1_1.csv"},
		OutputDir:  t.TempDir(),
		CPUs:       1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success() || res.ExitCode != 0 {
		t.Errorf("result = %+v, want success", res)
	}
}

func TestInvokeNonZeroExitIsNotAnError(t *testing.T) {
	skipWithoutShell(t)
	inv := &ExecInvoker{Command: []string{"false"}}
	res, err := inv.Invoke(context.Background(), Invocation{
		Group:      "T1",
		InputDir:   t.TempDir(),
		InputFiles: []string{"input_table_T1_1.csv"},
		OutputDir:  t.TempDir(),
		CPUs:       1,
	})
	if err != nil {
		t.Fatalf("non-zero exit must be reported via Result, got error %v", err)
	}
	if res.Success() || res.ExitCode == 0 {
		t.Errorf("result = %+v, want failure", res)
	}
}

func TestInvokeMissingCommand(t *testing.T) {
	inv := &ExecInvoker{Command: []string{"/no/such/binary"}}
	res, err := inv.Invoke(context.Background(), Invocation{
		Group:      "T1",
		InputDir:   t.TempDir(),
		InputFiles: []string{"input_table_T1_1.csv"},
		OutputDir:  t.TempDir(),
		CPUs:       1,
	})
	if err == nil {
		t.Fatal("expected error for unrunnable command")
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
}

func TestInvokeRequiresInputFiles(t *testing.T) {
	inv := &ExecInvoker{Command: []string{"true"}}
	if _, err := inv.Invoke(context.Background(), Invocation{Group: "T1"}); err == nil {
		t.Fatal("expected error for empty input file list")
	}
}

func TestInvokeRequiresCommand(t *testing.T) {
	inv := &ExecInvoker{}
	if _, err := inv.Invoke(context.Background(), Invocation{
		Group:      "T1",
		InputFiles: []string{"x.csv"},
	}); err == nil {
		t.Fatal("expected error for missing command")
	}
}
