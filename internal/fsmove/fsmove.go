// Package fsmove implements the move primitive the claim protocol rests on.
//
// The fast path is os.Rename, which is atomic when source and destination
// share a volume: exactly one of two racing movers succeeds, the other sees
// the source vanish. When the two directories live on different volumes the
// rename fails with EXDEV and the fallback copies the file to a dotted temp
// name inside the destination directory, syncs it to durable storage, renames
// it over the final name, and best-effort deletes the original. The final
// name therefore never exposes a partially written file.
//
// If the underlying filesystem does not guarantee atomic same-volume rename,
// the at-most-one-claimant property does not hold. That is an assumption of
// the deployment, not something this package can detect or repair.
package fsmove

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cohortworks/segpool/internal/retry"
)

// ErrSourceGone reports that the source disappeared before the move: another
// claimant won the race. Callers treat this as benign and try the next
// candidate.
var ErrSourceGone = errors.New("move source no longer exists")

const (
	// DefaultAttempts bounds retries of a transiently failing move.
	DefaultAttempts = 3

	// DefaultDelay is the pause between transient-failure retries.
	DefaultDelay = 50 * time.Millisecond
)

// Move relocates src to dst with a single attempt. Returns ErrSourceGone when
// src is already gone.
func Move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		// ENOENT can also mean the destination directory is missing;
		// only a vanished source is the benign race.
		if _, statErr := os.Lstat(src); errors.Is(statErr, fs.ErrNotExist) {
			return ErrSourceGone
		}
		return fmt.Errorf("rename %s to %s: %w", src, dst, err)
	}

	if isCrossDevice(err) {
		return moveCrossDevice(src, dst)
	}

	return fmt.Errorf("rename %s to %s: %w", src, dst, err)
}

// MoveWithRetry runs Move under the standard bounded retry for transient
// filesystem errors. ErrSourceGone is returned immediately.
func MoveWithRetry(src, dst string) error {
	p := retry.Policy{
		MaxAttempts: DefaultAttempts,
		NewBackOff:  retry.Constant(DefaultDelay),
		Retryable: func(err error) bool {
			return !errors.Is(err, ErrSourceGone)
		},
	}
	return p.Do(context.Background(), func() error {
		return Move(src, dst)
	})
}

// isCrossDevice reports whether err is the EXDEV rename failure.
func isCrossDevice(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.EXDEV
}

// moveCrossDevice is the copy-then-atomic-rename fallback for moves that
// span volumes. Failure to delete the original afterwards is non-fatal: the
// leftover becomes a pool orphan that the done-cache suppresses on the next
// claim pass.
func moveCrossDevice(src, dst string) error {
	tmp := filepath.Join(filepath.Dir(dst),
		fmt.Sprintf(".%s.tmp.%d", filepath.Base(dst), os.Getpid()))

	if err := CopyFile(src, tmp); err != nil {
		os.Remove(tmp)
		if errors.Is(err, fs.ErrNotExist) {
			return ErrSourceGone
		}
		return fmt.Errorf("copy %s to %s: %w", src, tmp, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s to %s: %w", tmp, dst, err)
	}

	// Best effort only. The destination already owns the unit.
	os.Remove(src)

	return nil
}

// CopyFile copies src to dst and forces the copy to durable storage before
// returning, so a subsequent rename publishes complete bytes.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
