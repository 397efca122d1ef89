// Package statestore implements the job output & state store (§4.2):
// atomic per-entity files, an append-only output log per job, and the
// session/chat pointer files. Modeled on the teacher's eventlog.Writer
// (JSONL append-and-sync) and state.Store (baseDir-wrapping persistence),
// generalized with the atomic-rename-with-backoff invariant the spec
// requires that neither teacher file implements.
package statestore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"herdctl/internal/herderrors"
)

// atomicWriteRetries bounds the rename retry loop on EACCES/EPERM.
const atomicWriteRetries = 5

// atomicWriteBaseDelay is the starting backoff delay; it doubles each retry
// up to a capped maximum.
const atomicWriteBaseDelay = 10 * time.Millisecond
const atomicWriteMaxDelay = 500 * time.Millisecond

// AtomicWrite writes data to a sibling temp file `.{target}.tmp.<16 hex>`
// then renames it over target, retrying the rename with exponential backoff
// on EACCES/EPERM. The temp file is removed on both success and failure.
// Exported so other state-owning packages (chatsession) share the same
// invariant rather than reimplementing it.
func AtomicWrite(target string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &herderrors.StateFileError{StorageKind: herderrors.KindStateDirectoryCreate, Path: dir, Cause: err}
	}

	suffix, err := randomHexSuffix(16)
	if err != nil {
		return &herderrors.AtomicWriteError{Path: target, Cause: err}
	}
	tempPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp.%s", filepath.Base(target), suffix))

	if err := os.WriteFile(tempPath, data, perm); err != nil {
		_ = os.Remove(tempPath)
		return &herderrors.AtomicWriteError{Path: target, TempPath: tempPath, Cause: err}
	}

	renameErr := renameWithBackoff(tempPath, target)
	if renameErr != nil {
		_ = os.Remove(tempPath)
		return &herderrors.AtomicWriteError{Path: target, TempPath: tempPath, Cause: renameErr}
	}
	return nil
}

func renameWithBackoff(src, dst string) error {
	delay := atomicWriteBaseDelay
	var lastErr error
	for attempt := 0; attempt < atomicWriteRetries; attempt++ {
		err := os.Rename(src, dst)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
		if delay > atomicWriteMaxDelay {
			delay = atomicWriteMaxDelay
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	return errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM)
}

func randomHexSuffix(n int) (string, error) {
	buf := make([]byte, n/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
