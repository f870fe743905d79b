package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/markus-barta/roomrelay/internal/lifecycle"
	"github.com/markus-barta/roomrelay/internal/pairing"
	"github.com/markus-barta/roomrelay/internal/protocol"
	"github.com/markus-barta/roomrelay/internal/store"
)

// handleHealth returns health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ═══════════════════════════════════════════════════════════════════════════
// ROOMS
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	room, secret, err := s.pairing.CreateRoom(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create room")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	w.Header().Set("Location", "/api/v1/rooms/"+room.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"roomId":     room.ID,
		"roomSecret": secret,
		"createdAt":  room.CreatedAt,
	})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roomID := chi.URLParam(r, "roomID")

	room, err := s.store.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "room_not_found")
		return
	}
	if err != nil {
		s.internalError(w, err, "failed to load room")
		return
	}

	clients, err := s.store.CountClients(ctx, roomID)
	if err != nil {
		s.internalError(w, err, "failed to count clients")
		return
	}
	presets, err := s.store.CountPresets(ctx, roomID)
	if err != nil {
		s.internalError(w, err, "failed to count presets")
		return
	}

	executions, err := s.store.CountExecutions(ctx, roomID)
	if err != nil {
		s.internalError(w, err, "failed to count executions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"roomId":          room.ID,
		"hasPc":           clients > 0,
		"presetsCount":    presets,
		"clientsCount":    clients,
		"executionsCount": executions,
	})
}

type claimRequest struct {
	ClientID   string          `json:"clientId"`
	ClientInfo json.RawMessage `json:"clientInfo,omitempty"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	ip := clientIP(r)

	if !s.claimLimiter.Allow(ip) {
		s.log.Warn().Str("ip", ip).Str("room", roomID).Msg("claim rate limited")
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	var req claimRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	res, err := s.pairing.Claim(r.Context(), roomID, r.Header.Get("X-Room-Secret"), req.ClientID)
	switch {
	case errors.Is(err, pairing.ErrMissingCredential), errors.Is(err, pairing.ErrCredentialMismatch):
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	case errors.Is(err, pairing.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.internalError(w, err, "claim failed")
		return
	}
	s.claimLimiter.Reset(ip)

	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": res.AccessToken,
		"clientId":    res.ClientID,
		"expiresIn":   int(res.ExpiresIn / time.Second),
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// PRESETS
// ═══════════════════════════════════════════════════════════════════════════

type createPresetRequest struct {
	Name                 string   `json:"name"`
	Command              string   `json:"command"`
	Args                 []string `json:"args"`
	WorkDir              *string  `json:"workDir"`
	RequiresConfirmation bool     `json:"requiresConfirmation"`
}

func (s *Server) handleCreatePreset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roomID := chi.URLParam(r, "roomID")

	var req createPresetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "name_and_command_required")
		return
	}

	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "room_not_found")
			return
		}
		s.internalError(w, err, "failed to load room")
		return
	}

	argsJSON, err := store.EncodeArgs(req.Args)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args")
		return
	}

	preset := &store.Preset{
		ID:                   strings.ReplaceAll(uuid.NewString(), "-", ""),
		RoomID:               roomID,
		Name:                 req.Name,
		Command:              req.Command,
		ArgsJSON:             argsJSON,
		WorkDir:              req.WorkDir,
		RequiresConfirmation: req.RequiresConfirmation,
		CreatedAt:            time.Now().UTC(),
	}
	if err := s.store.CreatePreset(ctx, preset); err != nil {
		s.internalError(w, err, "failed to create preset")
		return
	}

	s.gateway.Publish(roomID, protocol.TypePresetCreated, protocol.PresetCreatedPayload{
		PresetID: preset.ID,
		Name:     preset.Name,
	})

	s.log.Info().Str("room", roomID).Str("preset", preset.ID).Msg("preset created")

	w.Header().Set("Location", "/api/v1/rooms/"+roomID+"/presets/"+preset.ID)
	writeJSON(w, http.StatusCreated, map[string]string{"presetId": preset.ID})
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	presets, err := s.store.ListPresets(r.Context(), roomID)
	if err != nil {
		s.internalError(w, err, "failed to list presets")
		return
	}
	if presets == nil {
		presets = []*store.Preset{}
	}
	writeJSON(w, http.StatusOK, presets)
}

func (s *Server) handleGetPreset(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	presetID := chi.URLParam(r, "presetID")

	preset, err := s.store.GetPreset(r.Context(), roomID, presetID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "preset_not_found")
		return
	}
	if err != nil {
		s.internalError(w, err, "failed to load preset")
		return
	}
	writeJSON(w, http.StatusOK, preset)
}

type runPresetRequest struct {
	// Args is accepted for compatibility and ignored; presets run with their stored args.
	Args      []string `json:"args"`
	RequestID *string  `json:"requestId"`
}

func (s *Server) handleRunPreset(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	presetID := chi.URLParam(r, "presetID")

	var req runPresetRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	exec, err := s.tracker.RequestRun(r.Context(), roomID, presetID, protocol.RunMeta{
		RequestedBy: lifecycle.DefaultRequester,
		RequestID:   req.RequestID,
	})
	if errors.Is(err, lifecycle.ErrPresetNotFound) {
		writeError(w, http.StatusNotFound, "preset_not_found")
		return
	}
	if err != nil {
		s.internalError(w, err, "failed to request run")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": exec.ID})
}

type debugPayload struct {
	Test string    `json:"test"`
	TS   time.Time `json:"ts"`
	From string    `json:"from"`
}

// handleDebugBroadcast sends a test preset.run to the room to check delivery.
func (s *Server) handleDebugBroadcast(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	delivered, err := s.gateway.Broadcast(r.Context(), roomID, protocol.TypePresetRun, debugPayload{
		Test: "hello",
		TS:   time.Now().UTC(),
		From: "admin",
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "broadcast_failed",
			"message": err.Error(),
		})
		return
	}

	s.log.Info().Str("room", roomID).Int("delivered", delivered).Msg("debug broadcast sent")
	writeJSON(w, http.StatusOK, map[string]any{"sent": true, "delivered": delivered})
}

// ═══════════════════════════════════════════════════════════════════════════
// EXECUTIONS
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	executionID := chi.URLParam(r, "executionID")

	exec, err := s.tracker.Get(r.Context(), executionID)
	if errors.Is(err, lifecycle.ErrExecutionNotFound) || (err == nil && exec.RoomID != roomID) {
		writeError(w, http.StatusNotFound, "execution_not_found")
		return
	}
	if err != nil {
		s.internalError(w, err, "failed to load execution")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) internalError(w http.ResponseWriter, err error, msg string) {
	s.log.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal_error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// decodeOptional decodes a JSON body that may be absent.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
