package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/decloudhq/decloud/pkg/types"
)

type loginRequest struct {
	Wallet    string `json:"wallet"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pair, err := s.auth.Login(req.Wallet, req.Timestamp, req.Signature)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, &tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pair, err := s.auth.Refresh(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, &tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	})
}

type createKeyRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	key, err := s.auth.CreateAPIKey(requestUserID(r.Context()), req.Label)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// The raw key is shown exactly once
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "prefix")
	if err := s.auth.RevokeAPIKey(requestUserID(r.Context()), prefix); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

type addDomainRequest struct {
	Domain     string `json:"domain"`
	TargetPort int    `json:"target_port"`
}

type domainResponse struct {
	ID         string                   `json:"id"`
	VmID       string                   `json:"vm_id"`
	Domain     string                   `json:"domain"`
	TargetPort int                      `json:"target_port"`
	Status     types.CustomDomainStatus `json:"status"`
	VerifiedAt time.Time                `json:"verified_at,omitempty"`
	CreatedAt  time.Time                `json:"created_at"`
}

func domainToResponse(d *types.CustomDomain) *domainResponse {
	return &domainResponse{
		ID:         d.ID,
		VmID:       d.VmID,
		Domain:     d.Domain,
		TargetPort: d.TargetPort,
		Status:     d.Status,
		VerifiedAt: d.VerifiedAt,
		CreatedAt:  d.CreatedAt,
	}
}

func (s *Server) handleAddDomain(w http.ResponseWriter, r *http.Request) {
	vm, err := s.ownedVm(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	var req addDomainRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	domain, err := s.ingress.AddCustomDomain(vm.ID, req.Domain, req.TargetPort)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, domainToResponse(domain))
}

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	vm, err := s.ownedVm(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	out := make([]*domainResponse, 0)
	for _, d := range s.ingress.ListDomainsForVm(vm.ID) {
		out = append(out, domainToResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// ownedDomain loads a domain and enforces ownership through its VM
func (s *Server) ownedDomain(r *http.Request) (*types.CustomDomain, error) {
	domainID := chi.URLParam(r, "id")
	domain, err := s.gw.GetCustomDomain(domainID)
	if err != nil {
		return nil, err
	}
	vm, err := s.gw.GetVm(domain.VmID)
	if err != nil || vm.OwnerID != requestUserID(r.Context()) {
		return nil, fmt.Errorf("domain not found: %s", domainID)
	}
	return domain, nil
}

func (s *Server) handleVerifyDomain(w http.ResponseWriter, r *http.Request) {
	domain, err := s.ownedDomain(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	verified, err := s.ingress.VerifyDns(domain.ID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, domainToResponse(verified))
}

func (s *Server) handleRemoveDomain(w http.ResponseWriter, r *http.Request) {
	domain, err := s.ownedDomain(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	if err := s.ingress.RemoveCustomDomain(domain.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
