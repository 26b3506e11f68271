package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"socks-fleet/pkg/fleet"
	"socks-fleet/pkg/model"
)

type createRequest struct {
	GeoCategory   string `json:"geo_category"`
	PlacementMode string `json:"placement_mode"`
	// FixedIPMode is the older name of PlacementMode, still accepted.
	FixedIPMode string `json:"fixed_ip_mode,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	proxies, err := s.fleet.List(r.Context())
	if err != nil {
		s.log.Errorf("list proxies: %v", err)
		writeError(w, statusFor(err), detailFor(err, "Failed to list proxies"))
		return
	}
	writeJSON(w, http.StatusOK, proxies)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.GeoCategory == "" {
		writeError(w, http.StatusBadRequest, "geo_category is required")
		return
	}
	raw := req.PlacementMode
	if raw == "" {
		raw = req.FixedIPMode
	}
	mode, err := model.ParsePlacementMode(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inst, err := s.fleet.Create(r.Context(), req.GeoCategory, mode)
	if err != nil {
		var detail string
		var rerr *fleet.ReadinessError
		switch {
		case errors.Is(err, fleet.ErrNoNodesAvailable):
			detail = fmt.Sprintf("No %s exit nodes found.", req.GeoCategory)
		case errors.As(err, &rerr):
			detail = fmt.Sprintf("Proxy container failed to start. Logs: %s...", rerr.Logs)
		default:
			detail = detailFor(err, "Failed to create proxy")
		}
		writeError(w, statusFor(err), detail)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	params := httprouter.ParamsFromContext(r.Context())
	port, err := strconv.Atoi(params.ByName("port"))
	if err != nil || port <= 0 || port > 65535 {
		writeError(w, http.StatusBadRequest, "port must be a TCP port number")
		return
	}
	if _, err := s.fleet.Terminate(r.Context(), port); err != nil {
		if errors.Is(err, fleet.ErrInstanceNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Proxy on port %d not found.", port))
			return
		}
		s.log.Errorf("terminate proxy on port %d: %v", port, err)
		writeError(w, statusFor(err), detailFor(err, "Failed to terminate proxy"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Proxy on port %d terminated.", port)})
}

// statusFor maps the fleet error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fleet.ErrRuntimeUnavailable):
		return http.StatusInternalServerError
	case errors.Is(err, fleet.ErrNoNodesAvailable), errors.Is(err, fleet.ErrInstanceNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func detailFor(err error, prefix string) string {
	if errors.Is(err, fleet.ErrRuntimeUnavailable) {
		return "Docker daemon not connected."
	}
	return fmt.Sprintf("%s: %v", prefix, err)
}
