package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/logging"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/routing"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/version"
)

type tunnelView struct {
	core.TunnelConfig
	Status *core.TunnelStatus `json:"status,omitempty"`
}

type routeView struct {
	routing.Route
	Status *core.TunnelStatus `json:"status,omitempty"`
}

type createTunnelRequest struct {
	Name       string `json:"name"`
	RegionID   string `json:"region_id"`
	TemplateID string `json:"template_id"`
}

type setRuleRequest struct {
	TunnelConfigID string `json:"tunnel_config_id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.GetInfo())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":       version.Version,
		"tunnels":       s.cfg.Lifecycle.States(),
		"active_routes": s.cfg.Routing.ActiveRoutes(),
	})
}

// handleRouteFor performs a real route resolution: a rule pointing at a
// disconnected tunnel brings that tunnel up before the response is written.
func (s *Server) handleRouteFor(w http.ResponseWriter, r *http.Request) {
	pkg := chi.URLParam(r, "package")

	route, err := s.cfg.Routing.RouteFor(r.Context(), pkg)
	if err != nil {
		logging.FromContext(r.Context()).Warn("route resolution failed",
			"package", pkg, "error", err)
		s.recordRoute("error")
		s.writeError(w, err)
		return
	}

	view := routeView{Route: route}
	if route.Direct {
		s.recordRoute("direct")
	} else {
		s.recordRoute("tunnel")
		if st, stErr := s.cfg.Lifecycle.State(r.Context(), route.TunnelID); stErr == nil {
			view.Status = &st
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRouteRelease(w http.ResponseWriter, r *http.Request) {
	s.cfg.Routing.Release(chi.URLParam(r, "package"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	configs, err := s.cfg.Store.GetAllTunnels(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	statusByID := make(map[string]core.TunnelStatus)
	for _, st := range s.cfg.Lifecycle.States() {
		statusByID[st.TunnelID] = st
	}

	views := make([]tunnelView, 0, len(configs))
	for _, cfg := range configs {
		v := tunnelView{TunnelConfig: cfg}
		if st, ok := statusByID[cfg.ID]; ok {
			v.Status = &st
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg, err := s.cfg.Store.GetTunnel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view := tunnelView{TunnelConfig: cfg}
	if st, stErr := s.cfg.Lifecycle.State(r.Context(), id); stErr == nil {
		view.Status = &st
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCreateTunnel(w http.ResponseWriter, r *http.Request) {
	var req createTunnelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.RegionID == "" {
		http.Error(w, "name and region_id are required", http.StatusBadRequest)
		return
	}
	if req.TemplateID == "" {
		req.TemplateID = core.TemplateWireGuard
	}
	if req.TemplateID != core.TemplateOpenVPN && req.TemplateID != core.TemplateWireGuard {
		http.Error(w, "unknown template_id", http.StatusBadRequest)
		return
	}

	cfg, err := s.cfg.Store.CreateTunnel(r.Context(), core.TunnelConfig{
		Name:       req.Name,
		RegionID:   req.RegionID,
		TemplateID: req.TemplateID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.cfg.Lifecycle.SyncTunnels(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleDeleteTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cfg.Store.DeleteTunnel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	// Tear down the machine for the deleted config right away.
	if err := s.cfg.Lifecycle.SyncTunnels(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.cfg.Store.GetAllRules(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rules == nil {
		rules = []core.AppRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleSetRule(w http.ResponseWriter, r *http.Request) {
	pkg := chi.URLParam(r, "package")
	var req setRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TunnelConfigID == "" {
		http.Error(w, "tunnel_config_id is required", http.StatusBadRequest)
		return
	}
	// Reject rules pointing nowhere instead of creating a dangling ref.
	if _, err := s.cfg.Store.GetTunnel(r.Context(), req.TunnelConfigID); err != nil {
		s.writeError(w, err)
		return
	}
	rule := core.AppRule{PackageName: pkg, TunnelConfigID: req.TunnelConfigID}
	if err := s.cfg.Store.UpsertRule(r.Context(), rule); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	pkg := chi.URLParam(r, "package")
	if err := s.cfg.Store.DeleteRule(r.Context(), pkg); err != nil {
		s.writeError(w, err)
		return
	}
	// Drop the app's live demand along with its rule.
	s.cfg.Routing.Release(pkg)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAutoSetup(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Provisioner.Run(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ProvisionPass(res)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) recordRoute(outcome string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RouteResolved(outcome)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrTunnelNotFound), errors.Is(err, core.ErrRuleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrStoreUnavailable), errors.Is(err, core.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, core.ErrRegionUnresolvable):
		status = http.StatusConflict
	case core.IsConnectError(err):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
