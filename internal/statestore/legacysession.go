package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"herdctl/internal/herderrors"
)

// LegacySessionPointer is the single-channel-less per-agent session
// pointer kept at sessions/<agentName>.json for backward compatibility with
// single-session agents (§4.2 Files).
type LegacySessionPointer struct {
	SessionID     string    `json:"session_id"`
	LastMessageAt time.Time `json:"last_message_at"`
}

func (s *Store) legacySessionPath(agentName string) string {
	return filepath.Join(s.baseDir, "sessions", agentName+".json")
}

// WriteLegacySession atomically persists the legacy session pointer.
func (s *Store) WriteLegacySession(agentName string, ptr LegacySessionPointer) error {
	data, err := json.Marshal(ptr)
	if err != nil {
		return err
	}
	return AtomicWrite(s.legacySessionPath(agentName), data, 0o644)
}

// ReadLegacySession reads the legacy session pointer, returning (nil, nil)
// if absent.
func (s *Store) ReadLegacySession(agentName string) (*LegacySessionPointer, error) {
	data, err := os.ReadFile(s.legacySessionPath(agentName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &herderrors.StateFileError{StorageKind: herderrors.KindStateFileRead, Path: s.legacySessionPath(agentName), Cause: err}
	}
	var ptr LegacySessionPointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return nil, nil
	}
	return &ptr, nil
}
