package api

import (
	"net/http"
	"strconv"

	"github.com/timwie/steward/internal/controller"
)

// statusResponse is the live match snapshot exposed to observers.
type statusResponse struct {
	Phase       string                       `json:"phase"`
	Warmup      bool                         `json:"warmup"`
	Paused      bool                         `json:"paused"`
	CurrentMap  interface{}                  `json:"current_map,omitempty"`
	NextMap     interface{}                  `json:"next_map,omitempty"`
	Players     []playerResponse             `json:"players"`
	LiveRanking []controller.RaceRank        `json:"live_ranking"`
}

type playerResponse struct {
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
	Slot        string `json:"slot"`
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	snap := r.ctrl.Match().Snapshot()

	resp := statusResponse{
		Phase:       snap.Phase.String(),
		Warmup:      snap.Warmup,
		Paused:      snap.Paused,
		LiveRanking: snap.LiveRanking,
		Players:     make([]playerResponse, 0, len(snap.Players)),
	}
	if snap.CurrentMap != nil {
		resp.CurrentMap = snap.CurrentMap
	}
	if snap.NextMap != nil {
		resp.NextMap = snap.NextMap
	}
	for login, p := range snap.Players {
		resp.Players = append(resp.Players, playerResponse{
			Login:       login,
			DisplayName: p.Player.DisplayName,
			Slot:        p.Slot.String(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handlePlaylist(w http.ResponseWriter, req *http.Request) {
	playlist, err := r.store.Playlist(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, playlist)
}

func (r *Router) handleMapRanking(w http.ResponseWriter, req *http.Request) {
	uid := req.PathValue("uid")
	if uid == "" {
		writeError(w, http.StatusBadRequest, "map uid is required")
		return
	}

	limit := 10
	if q := req.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	ranking, err := r.store.MapRanking(req.Context(), uid, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ranking)
}

func (r *Router) handlePersonalBest(w http.ResponseWriter, req *http.Request) {
	login := req.PathValue("login")
	uid := req.PathValue("uid")
	if login == "" || uid == "" {
		writeError(w, http.StatusBadRequest, "login and map uid are required")
		return
	}

	pb, err := r.store.PersonalBest(req.Context(), login, uid, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pb == nil {
		writeError(w, http.StatusNotFound, "no record for this player on this map")
		return
	}

	sectors, err := r.store.Sectors(req.Context(), login, uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"record":  pb,
		"sectors": sectors,
	})
}

func (r *Router) handleServerRanking(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.ctrl.ServerRanking())
}
