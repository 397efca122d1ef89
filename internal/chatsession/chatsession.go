// Package chatsession implements the per-platform, per-agent chat session
// map described in §3 Chat session pointer and §8 scenario 6 (session
// expiry). It generalizes the teacher's single global session map
// (pkg/state/store.go) and pkg/chat/service.go's in-memory-canonical-state
// pattern to the richer {platform -> agent -> channel -> pointer} shape the
// data model calls for, with idle expiry the teacher does not have.
package chatsession

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"herdctl/internal/herderrors"
	"herdctl/internal/logx"
	"herdctl/internal/model"
	"herdctl/internal/statestore"
)

// Store holds, per platform and per agent, a map from channelId to pointer.
// In-memory canonical state; persisted to
// <stateDir>/<platform>-sessions/<agentName>.yaml on every mutation,
// mirroring the teacher's "in-memory canonical, DB as log" design but
// synchronous rather than fire-and-forget (session pointers are small and
// infrequent compared to chat messages).
type Store struct {
	baseDir string
	log     *logx.Logger

	mu   sync.RWMutex
	data map[string]map[string]map[string]model.ChatSessionPointer // platform -> agent -> channelId -> ptr
}

// New constructs an empty chat session store rooted at baseDir.
func New(baseDir string, log *logx.Logger) *Store {
	return &Store{
		baseDir: baseDir,
		log:     log,
		data:    make(map[string]map[string]map[string]model.ChatSessionPointer),
	}
}

func (s *Store) platformPath(platform, agentName string) string {
	return filepath.Join(s.baseDir, platform+"-sessions", agentName+".yaml")
}

// Load reads the on-disk file for platform/agent into memory, if present.
// Safe to call repeatedly; a missing file is not an error.
func (s *Store) Load(platform, agentName string) error {
	data, err := os.ReadFile(s.platformPath(platform, agentName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &herderrors.StateFileError{StorageKind: herderrors.KindStateFileRead, Path: s.platformPath(platform, agentName), Cause: err}
	}

	var pointers []model.ChatSessionPointer
	if err := yaml.Unmarshal(data, &pointers); err != nil {
		s.log.Warn("chat session file %s is malformed, ignoring: %v", s.platformPath(platform, agentName), err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureMaps(platform, agentName)
	for _, p := range pointers {
		s.data[platform][agentName][p.ChannelID] = p
	}
	return nil
}

func (s *Store) ensureMaps(platform, agentName string) {
	if s.data[platform] == nil {
		s.data[platform] = make(map[string]map[string]model.ChatSessionPointer)
	}
	if s.data[platform][agentName] == nil {
		s.data[platform][agentName] = make(map[string]model.ChatSessionPointer)
	}
}

func (s *Store) persist(platform, agentName string) error {
	pointers := make([]model.ChatSessionPointer, 0, len(s.data[platform][agentName]))
	for _, p := range s.data[platform][agentName] {
		pointers = append(pointers, p)
	}
	data, err := yaml.Marshal(pointers)
	if err != nil {
		return fmt.Errorf("marshal chat sessions for %s/%s: %w", platform, agentName, err)
	}
	return statestore.AtomicWrite(s.platformPath(platform, agentName), data, 0o644)
}

// GetSession returns the channel's pointer if present and not expired. An
// idle session (now - lastMessageAt > expiryHours) is treated as absent
// (§3, §8 scenario 6); expired entries are lazily removed.
func (s *Store) GetSession(platform, agentName, channelID string, expiryHours int, now time.Time) (*model.ChatSessionPointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureMaps(platform, agentName)
	ptr, ok := s.data[platform][agentName][channelID]
	if !ok {
		return nil, nil
	}

	if expiryHours > 0 && now.Sub(ptr.LastMessageAt) > time.Duration(expiryHours)*time.Hour {
		delete(s.data[platform][agentName], channelID)
		if err := s.persist(platform, agentName); err != nil {
			return nil, err
		}
		return nil, nil
	}

	result := ptr
	return &result, nil
}

// GetOrCreateSession returns the existing (non-expired) session or creates
// a new one with id prefix `<platform>-<agentName>-` (§8 scenario 6).
// Touching a session twice yields the same sessionId with a strictly
// non-decreasing lastMessageAt (§8 round-trip property).
func (s *Store) GetOrCreateSession(platform, agentName, channelID string, expiryHours int, now time.Time, idSuffix string) (model.ChatSessionPointer, error) {
	existing, err := s.GetSession(platform, agentName, channelID, expiryHours, now)
	if err != nil {
		return model.ChatSessionPointer{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureMaps(platform, agentName)

	if existing != nil {
		lastMessageAt := existing.LastMessageAt
		if now.After(lastMessageAt) {
			lastMessageAt = now
		}
		ptr := model.ChatSessionPointer{ChannelID: channelID, SessionID: existing.SessionID, LastMessageAt: lastMessageAt}
		s.data[platform][agentName][channelID] = ptr
		if err := s.persist(platform, agentName); err != nil {
			return model.ChatSessionPointer{}, err
		}
		return ptr, nil
	}

	ptr := model.ChatSessionPointer{
		ChannelID:     channelID,
		SessionID:     fmt.Sprintf("%s-%s-%s", platform, agentName, idSuffix),
		LastMessageAt: now,
	}
	s.data[platform][agentName][channelID] = ptr
	if err := s.persist(platform, agentName); err != nil {
		return model.ChatSessionPointer{}, err
	}
	return ptr, nil
}

// Touch updates lastMessageAt for an existing session without changing its
// id, persisting the change.
func (s *Store) Touch(platform, agentName, channelID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureMaps(platform, agentName)

	ptr, ok := s.data[platform][agentName][channelID]
	if !ok {
		return fmt.Errorf("no session for channel %s", channelID)
	}
	if now.After(ptr.LastMessageAt) {
		ptr.LastMessageAt = now
	}
	s.data[platform][agentName][channelID] = ptr
	return s.persist(platform, agentName)
}
