package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/decloudhq/decloud/pkg/registry"
	"github.com/decloudhq/decloud/pkg/types"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := s.registry.Register(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "id")

	var req registry.HeartbeatRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := s.registry.Heartbeat(nodeID, &req, tokenWarning(r.Context()))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type ackRequest struct {
	CommandID  string `json:"command_id"`
	VmID       string `json:"vm_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	ResultJSON string `json:"result_json"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "id")

	var req ackRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.CommandID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("command_id is required"))
		return
	}

	s.deliverer.HandleAck(nodeID, &types.CommandResult{
		CommandID:  req.CommandID,
		VmID:       req.VmID,
		Success:    req.Success,
		Error:      req.Error,
		ResultJSON: req.ResultJSON,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type dhtReadyRequest struct {
	VmID   string `json:"vm_id"`
	PeerID string `json:"peer_id"`
}

func (s *Server) handleDhtReady(w http.ResponseWriter, r *http.Request) {
	var req dhtReadyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	signature := r.Header.Get("X-DHT-Token")
	if err := s.ready.HandleDhtReady(req.VmID, req.PeerID, signature); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type relayReadyRequest struct {
	NodeID    string `json:"node_id"`
	RelayVmID string `json:"relay_vm_id"`
}

func (s *Server) handleRelayReady(w http.ResponseWriter, r *http.Request) {
	var req relayReadyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	signature := r.Header.Get("X-Relay-Token")
	if err := s.ready.HandleRelayReady(req.NodeID, req.RelayVmID, signature); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
