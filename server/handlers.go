package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"QFMBot/core/player"
	"QFMBot/logger"
	"QFMBot/model"

	"github.com/gorilla/mux"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", logger.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a playback error kind to an HTTP status.
func statusFor(err error) int {
	switch player.KindOf(err) {
	case player.KindValidation:
		return http.StatusBadRequest
	case player.KindPlayerNotFound:
		return http.StatusNotFound
	case player.KindConnection, player.KindBackendTransient, player.KindBackendFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultHistoryLimit
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}

// HealthHandler pings every registered dependency.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for _, name := range s.checkNames {
		if err := s.checks[name](ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	writeJSON(w, status, map[string]interface{}{
		"status":  http.StatusText(status),
		"players": len(s.players.List()),
		"deps":    deps,
	})
}

// ListPlayersHandler returns snapshots of every live player.
func (s *Server) ListPlayersHandler(w http.ResponseWriter, r *http.Request) {
	players := s.players.List()
	out := make([]player.Snapshot, 0, len(players))
	for _, p := range players {
		snap := p.Snapshot()
		snap.Queue = nil
		out = append(out, snap)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*player.Player, bool) {
	guildID := mux.Vars(r)["guild"]
	p, err := s.players.Get(guildID)
	if err != nil {
		writeError(w, statusFor(err), "no player for guild "+guildID)
		return nil, false
	}
	return p, true
}

func (s *Server) GetPlayerHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	snap := p.Snapshot()
	snap.Queue = nil
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) GetQueueHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	snap := p.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"guildId": snap.GuildID,
		"current": snap.Current,
		"tracks":  snap.Queue,
		"total":   len(snap.Queue),
	})
}

// PreviousTracksHandler lists recently played tracks, newest first.
func (s *Server) PreviousTracksHandler(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guild"]
	tracks, err := s.history.PreviousTracks(r.Context(), guildID, limitParam(r))
	if err != nil {
		logger.Error("failed to load previous tracks", logger.Guild(guildID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if tracks == nil {
		tracks = []model.PreviousTrack{}
	}
	writeJSON(w, http.StatusOK, tracks)
}

// DisconnectsHandler lists the audit trail for a guild.
func (s *Server) DisconnectsHandler(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guild"]
	records, err := s.history.History(r.Context(), guildID, limitParam(r))
	if err != nil {
		logger.Error("failed to load disconnect history", logger.Guild(guildID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "failed to load disconnects")
		return
	}
	if records == nil {
		records = []*model.DisconnectRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// RecoverHandler re-runs recovery for one guild.
func (s *Server) RecoverHandler(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guild"]
	if s.recoverer == nil {
		writeError(w, http.StatusServiceUnavailable, "recovery disabled")
		return
	}

	logger.Info("manual recovery requested",
		logger.Guild(guildID),
		logger.String("by", subjectFromContext(r.Context())))
	outcome, err := s.recoverer.RecoverGuild(r.Context(), guildID)
	if err != nil {
		logger.Warn("manual recovery failed", logger.Guild(guildID), logger.ErrorField(err))
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": err.Error(), "outcome": outcome})
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// DestroyPlayerHandler stops playback and leaves voice.
func (s *Server) DestroyPlayerHandler(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guild"]
	err := s.players.Destroy(r.Context(), guildID, model.ReasonUserStop)
	if err != nil && !errors.Is(err, player.ErrBackendTransient) {
		writeError(w, statusFor(err), err.Error())
		return
	}
	logger.Info("player destroyed via api",
		logger.Guild(guildID),
		logger.String("by", subjectFromContext(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}
