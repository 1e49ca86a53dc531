// Package history caches a client's view of each room's messages on the
// local device. Each room is stored under its own key as a JSON array,
// oldest first, and is rewritten in full on every append.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/recurshawn/secret-chat-app/internal/chat"
)

// KeyPrefix namespaces room history keys in the backend.
const KeyPrefix = "chat_history_"

// Key returns the backend key holding the history of room.
func Key(room string) string {
	return KeyPrefix + room
}

// Store loads, appends to and clears per-room message history.
type Store struct {
	backend Backend

	mu    sync.Mutex
	rooms map[string][]chat.Message // rooms loaded this process, in append order
}

// NewStore returns a Store persisting to backend.
func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		rooms:   make(map[string][]chat.Message),
	}
}

// Load returns the stored messages for room in the order they were
// appended. Missing or unreadable history yields an empty list; read and
// parse failures are logged and never returned.
func (s *Store) Load(room string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.read(room)
	s.rooms[room] = msgs
	return append([]chat.Message{}, msgs...)
}

// Append adds msg to the end of room's history and persists the full list.
// Duplicates are not filtered.
func (s *Store) Append(room string, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ok := s.rooms[room]
	if !ok {
		msgs = s.read(room)
	}
	msgs = append(msgs[:len(msgs):len(msgs)], msg)

	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("history: encode %q: %w", room, err)
	}
	if err := s.backend.Set(Key(room), data); err != nil {
		return fmt.Errorf("history: persist %q: %w", room, err)
	}
	s.rooms[room] = msgs
	return nil
}

// Clear deletes room's history. Other rooms are untouched.
func (s *Store) Clear(room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rooms, room)
	if err := s.backend.Delete(Key(room)); err != nil {
		return fmt.Errorf("history: clear %q: %w", room, err)
	}
	return nil
}

// read fetches and decodes room's history from the backend. The caller
// holds s.mu.
func (s *Store) read(room string) []chat.Message {
	data, err := s.backend.Get(Key(room))
	if errors.Is(err, ErrNotFound) {
		return []chat.Message{}
	}
	if err != nil {
		log.Warn().Str("module", "history").Str("room", room).Err(err).Msg("failed to read history")
		return []chat.Message{}
	}

	var msgs []chat.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		log.Warn().Str("module", "history").Str("room", room).Err(err).Msg("failed to parse history")
		return []chat.Message{}
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return msgs
}
