package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/recurshawn/secret-chat-app/internal/ledger"
)

// RoomDetail is the body of GET /rooms/{key}.
type RoomDetail struct {
	Room           string           `json:"room"`
	Members        int              `json:"members"`
	ClusterMembers *int64           `json:"cluster_members,omitempty"`
	Activity       *ledger.Activity `json:"activity,omitempty"`
}

// Routes mounts the room inspection endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/rooms", s.handleRooms)
	r.Get("/rooms/{key}", s.handleRoom)
}

func (s *Service) handleRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rooms.Rooms())
}

func (s *Service) handleRoom(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if r.URL.RawPath != "" {
		// chi matched against the escaped path.
		if k, err := url.PathUnescape(key); err == nil {
			key = k
		}
	}
	detail := RoomDetail{Room: key, Members: s.rooms.Members(key)}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if s.presence != nil {
		n, err := s.presence.RoomSize(ctx, key)
		if err != nil {
			log.Warn().Str("module", "broadcast").Str("room", key).Err(err).Msg("presence lookup failed")
		} else {
			detail.ClusterMembers = &n
		}
	}
	if s.ledger != nil {
		a, err := s.ledger.Get(ctx, key)
		if err != nil {
			log.Warn().Str("module", "broadcast").Str("room", key).Err(err).Msg("ledger lookup failed")
		}
		detail.Activity = a
	}

	known := detail.Members > 0 || detail.Activity != nil ||
		(detail.ClusterMembers != nil && *detail.ClusterMembers > 0)
	if !known {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
