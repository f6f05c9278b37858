package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"roomrelay/internal/relay"
)

type createRoomResponse struct {
	RoomID string `json:"room_id"`
}

type roomStatusResponse struct {
	Status    string `json:"status"`
	RoomID    string `json:"room_id"`
	Size      int    `json:"size"`
	CreatedAt int64  `json:"created_at"`
}

func statusOf(room *relay.Room) roomStatusResponse {
	return roomStatusResponse{Status: "ok", RoomID: room.ID(), Size: room.Size(), CreatedAt: room.CreatedAt().Unix()}
}

type sendResponse struct {
	Status   string `json:"status"`
	Received *int64 `json:"received,omitempty"`
}

type transfersResponse struct {
	RoomID    string           `json:"room_id"`
	ClientID  string           `json:"client_id"`
	Transfers map[string]int64 `json:"transfers"`
}

type roomsResponse struct {
	Rooms []roomStatusResponse `json:"rooms"`
}

func (s *Server) HandleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if !s.createLimiter.Allow(s.clientIP(r)) {
		s.metrics.IncRejected()
		writeError(w, http.StatusTooManyRequests, errors.New(http.StatusText(http.StatusTooManyRequests)))
		return
	}
	id, err := s.registry.CreateRoom()
	if err != nil {
		s.logger.Error("create room failed", slog.Any("error", err))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, createRoomResponse{RoomID: id})
}

func (s *Server) HandleListRooms(w http.ResponseWriter, _ *http.Request) {
	ids := s.registry.Rooms()
	out := roomsResponse{Rooms: make([]roomStatusResponse, 0, len(ids))}
	for _, id := range ids {
		room, err := s.registry.Lookup(id)
		if err != nil {
			continue
		}
		out.Rooms = append(out.Rooms, statusOf(room))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) HandleRoomExists(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	room, err := s.registry.Lookup(roomID)
	if err != nil {
		writeError(w, statusFor(err), relay.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, statusOf(room))
}

// HandleSend publishes one envelope. exclude_self=true suppresses the echo to
// the subscriber named by client_id.
func (s *Server) HandleSend(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	q := r.URL.Query()
	clientID := strings.TrimSpace(q.Get("client_id"))
	excludeSelf, _ := strconv.ParseBool(q.Get("exclude_self"))

	if !s.registry.Exists(roomID) {
		writeError(w, http.StatusNotFound, relay.ErrNotFound)
		return
	}
	if clientID != "" && !s.messageLimiter.Allow(roomID+"/"+clientID) {
		s.metrics.IncRejected()
		writeError(w, http.StatusTooManyRequests, errors.New("sending too quickly"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.limits.MaxMessageBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("message too large"))
		return
	}
	msg, err := relay.DecodeInbound(body)
	if err != nil {
		s.metrics.IncRejected()
		writeError(w, http.StatusBadRequest, err)
		return
	}

	out, err := s.registry.Publish(roomID, clientID, msg, excludeSelf)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	resp := sendResponse{Status: "ok"}
	if chunk, ok := out.(relay.FileChunk); ok && chunk.Tracked {
		received := chunk.Received
		resp.Received = &received
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleTransfers reports the caller's own in-flight transfers.
func (s *Server) HandleTransfers(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		writeError(w, http.StatusBadRequest, errors.New("client_id required"))
		return
	}
	inFlight, err := s.registry.QueryInFlight(roomID, clientID)
	if err != nil {
		writeError(w, statusFor(err), relay.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, transfersResponse{RoomID: roomID, ClientID: clientID, Transfers: inFlight})
}

func decodeJSON(r io.Reader, out interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
