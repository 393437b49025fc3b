package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"orion/pkg/config"
	"orion/pkg/registry"
)

const maxRequestBytes = 1 << 20

type statusResponse struct {
	Status        string                 `json:"status"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Agents        int                    `json:"agents"`
	Bridges       map[string]bridgeState `json:"bridges,omitempty"`
}

// SystemStats is the body of GET /v1/system/stats and of the periodic
// system_status broadcast.
type SystemStats struct {
	registry.Stats
	PollPeers int `json:"poll_peers"`
}

// CreateAgentRequest is the body of POST /v1/agents.
type CreateAgentRequest struct {
	config.AgentSpec
	Start bool `json:"start,omitempty"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}

// Handler returns the gateway's HTTP routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("GET /v1/system/health", s.handleSystemHealth)
	mux.HandleFunc("GET /v1/system/stats", s.handleSystemStats)

	mux.HandleFunc("GET /v1/modules", s.handleListModules)
	mux.HandleFunc("POST /v1/modules/{name}/load", s.handleLoadModule)
	mux.HandleFunc("POST /v1/modules/{name}/reload", s.handleReloadModule)

	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /v1/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /v1/agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("POST /v1/agents/{id}/start", s.handleStartAgent)
	mux.HandleFunc("POST /v1/agents/{id}/stop", s.handleStopAgent)

	mux.HandleFunc("POST /v1/messages", s.poll.Publish)
	mux.HandleFunc("GET /v1/agents/{id}/messages", s.poll.Poll)
	mux.Handle("GET /v1/ws", s.sockets)

	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", UptimeSeconds: s.uptime()})
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.isReady() {
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "not_ready", UptimeSeconds: s.uptime()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ready", UptimeSeconds: s.uptime()})
}

func (s *Service) handleSystemHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if !s.registry.Open() {
		status = "closed"
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:        status,
		UptimeSeconds: s.uptime(),
		Agents:        len(s.registry.List()),
		Bridges:       s.bridgeSnapshot(),
	})
}

func (s *Service) handleSystemStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.systemStats())
}

func (s *Service) systemStats() SystemStats {
	return SystemStats{Stats: s.registry.Stats(), PollPeers: s.poll.Peers()}
}

func (s *Service) handleListModules(w http.ResponseWriter, _ *http.Request) {
	modules, err := s.registry.Scan()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if modules == nil {
		modules = []registry.ModuleInfo{}
	}
	writeJSON(w, http.StatusOK, modules)
}

func (s *Service) handleLoadModule(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Load(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Service) handleReloadModule(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Reload(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Service) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Service) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.writeError(w, registry.NewError(registry.ErrorInvalid, "decode request: %v", err))
		return
	}

	info, err := s.registry.Create(req.AgentSpec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Start {
		started, err := s.registry.Start(r.Context(), info.ID)
		if err != nil {
			if delErr := s.registry.Delete(info.ID); delErr != nil {
				s.log.Warn("Failed to roll back agent after start failure", "agent_id", info.ID, "error", delErr)
			}
			s.writeError(w, err)
			return
		}
		info = started
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Service) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Service) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Service) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Stop(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := registry.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", "error", err)
	}

	body := errorResponse{Error: err.Error(), Category: registry.CategoryFromError(err)}
	var categorized *registry.Error
	if errors.As(err, &categorized) && categorized.Detail != "" {
		body.Error = categorized.Detail
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
