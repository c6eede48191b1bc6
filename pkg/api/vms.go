package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/decloudhq/decloud/pkg/events"
	"github.com/decloudhq/decloud/pkg/lifecycle"
	"github.com/decloudhq/decloud/pkg/types"
)

type createVmRequest struct {
	Name        string            `json:"name"`
	VCpus       int               `json:"vcpus"`
	MemoryBytes int64             `json:"memory_bytes"`
	DiskBytes   int64             `json:"disk_bytes"`
	Tier        types.QualityTier `json:"tier"`
	GPURequired bool              `json:"gpu_required"`
	GPUModel    string            `json:"gpu_model"`
	TemplateID  string            `json:"template_id"`
	DefaultPort int               `json:"default_port"`
	Labels      map[string]string `json:"labels"`
}

type vmResponse struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	NodeID        string            `json:"node_id,omitempty"`
	Status        types.VmStatus    `json:"status"`
	StatusMessage string            `json:"status_message,omitempty"`
	VCpus         int               `json:"vcpus"`
	MemoryBytes   int64             `json:"memory_bytes"`
	DiskBytes     int64             `json:"disk_bytes"`
	Tier          types.QualityTier `json:"tier"`
	PrivateIP     string            `json:"private_ip,omitempty"`
	HourlyRate    float64           `json:"hourly_rate_usdc"`
	CreatedAt     time.Time         `json:"created_at"`
}

func vmToResponse(vm *types.VirtualMachine) *vmResponse {
	resp := &vmResponse{
		ID:            vm.ID,
		Name:          vm.Name,
		NodeID:        vm.NodeID,
		Status:        vm.Status,
		StatusMessage: vm.StatusMessage,
		CreatedAt:     vm.CreatedAt,
	}
	if vm.Spec != nil {
		resp.VCpus = vm.Spec.VCpus
		resp.MemoryBytes = vm.Spec.MemoryBytes
		resp.DiskBytes = vm.Spec.DiskBytes
		resp.Tier = vm.Spec.Tier
	}
	if vm.Network != nil {
		resp.PrivateIP = vm.Network.PrivateIP
	}
	if vm.Billing != nil {
		resp.HourlyRate = vm.Billing.HourlyRateUsdc
	}
	return resp
}

func (s *Server) handleCreateVm(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r.Context())

	var req createVmRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" || req.VCpus <= 0 || req.MemoryBytes <= 0 || req.DiskBytes <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("name, vcpus, memory_bytes and disk_bytes are required"))
		return
	}
	if req.Tier == "" {
		req.Tier = types.TierBalanced
	}
	tier, ok := s.cfg.Scheduler.Tiers[req.Tier]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown tier: %s", req.Tier))
		return
	}
	if _, err := s.gw.GetVmByName(req.Name); err == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("vm name already in use: %s", req.Name))
		return
	}

	user, err := s.gw.GetUser(userID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if user.Suspended {
		writeError(w, http.StatusForbidden, fmt.Errorf("account suspended"))
		return
	}
	if user.QuotaVms > 0 && user.UsedVms >= user.QuotaVms {
		writeError(w, http.StatusForbidden, fmt.Errorf("vm quota exhausted (%d)", user.QuotaVms))
		return
	}

	pointCost := int64(math.Ceil(float64(req.VCpus) * tier.MinimumBenchmark / s.cfg.Scheduler.BaselineBenchmark))

	now := time.Now()
	vm := &types.VirtualMachine{
		ID:      uuid.New().String(),
		Name:    req.Name,
		OwnerID: user.ID,
		Type:    types.VmTypeGeneral,
		Spec: &types.VmSpec{
			VCpus:            req.VCpus,
			MemoryBytes:      req.MemoryBytes,
			DiskBytes:        req.DiskBytes,
			Tier:             req.Tier,
			GPURequired:      req.GPURequired,
			GPUModel:         req.GPUModel,
			TemplateID:       req.TemplateID,
			ComputePointCost: pointCost,
		},
		Status:     types.VmStatusPending,
		PowerState: types.PowerStateOff,
		Ingress: &types.IngressConfig{
			DefaultSubdomainEnabled: true,
			DefaultPort:             req.DefaultPort,
		},
		Billing: &types.BillingInfo{
			HourlyRateUsdc: s.hourlyRate(req.VCpus, req.MemoryBytes, req.DiskBytes, tier.PriceMultiplier),
		},
		Labels:    req.Labels,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if vm.Labels == nil {
		vm.Labels = make(map[string]string)
	}

	if err := s.gw.SaveVm(vm); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	user.UsedVms++
	if err := s.gw.SaveUser(user); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.broker.Publish(&events.Event{
		Type: events.EventVmCreated,
		VmID: vm.ID,
		Metadata: map[string]string{
			"owner": user.ID,
			"tier":  string(req.Tier),
		},
	})
	writeJSON(w, http.StatusCreated, vmToResponse(vm))
}

// hourlyRate prices a VM from its resource footprint and tier multiplier
func (s *Server) hourlyRate(vcpus int, memoryBytes, diskBytes int64, multiplier float64) float64 {
	const gib = 1 << 30
	base := float64(vcpus)*s.cfg.Metering.RatePerVCpuHour +
		float64(memoryBytes)/gib*s.cfg.Metering.RatePerGbMemoryHour +
		float64(diskBytes)/gib*s.cfg.Metering.RatePerGbDiskHour
	return base * multiplier
}

func (s *Server) handleListVms(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r.Context())

	var out []*vmResponse
	for _, vm := range s.gw.ListVms() {
		if vm.OwnerID == userID && vm.Status != types.VmStatusDeleted {
			out = append(out, vmToResponse(vm))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// ownedVm loads the VM and enforces ownership
func (s *Server) ownedVm(r *http.Request) (*types.VirtualMachine, error) {
	vm, err := s.gw.GetVm(chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if vm.OwnerID != requestUserID(r.Context()) {
		return nil, fmt.Errorf("vm not found: %s", vm.ID)
	}
	return vm, nil
}

func (s *Server) handleGetVm(w http.ResponseWriter, r *http.Request) {
	vm, err := s.ownedVm(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, vmToResponse(vm))
}

func (s *Server) handleStartVm(w http.ResponseWriter, r *http.Request) {
	vm, err := s.ownedVm(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if vm.NodeID == "" {
		writeError(w, http.StatusConflict, fmt.Errorf("vm is not placed on a node yet"))
		return
	}
	if !s.vms.Transition(vm.ID, types.VmStatusProvisioning, lifecycle.TransitionContext{
		Trigger: lifecycle.TriggerManual,
		Source:  requestUserID(r.Context()),
	}) {
		writeError(w, http.StatusConflict, fmt.Errorf("vm cannot start from status %s", vm.Status))
		return
	}
	s.deliverVmCommand(vm, types.CommandStartVm)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (s *Server) handleStopVm(w http.ResponseWriter, r *http.Request) {
	vm, err := s.ownedVm(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if !s.vms.Transition(vm.ID, types.VmStatusStopping, lifecycle.TransitionContext{
		Trigger: lifecycle.TriggerManual,
		Source:  requestUserID(r.Context()),
	}) {
		writeError(w, http.StatusConflict, fmt.Errorf("vm cannot stop from status %s", vm.Status))
		return
	}
	s.deliverVmCommand(vm, types.CommandStopVm)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleDeleteVm(w http.ResponseWriter, r *http.Request) {
	vm, err := s.ownedVm(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if !s.vms.Transition(vm.ID, types.VmStatusDeleting, lifecycle.TransitionContext{
		Trigger: lifecycle.TriggerManual,
		Source:  requestUserID(r.Context()),
	}) {
		writeError(w, http.StatusConflict, fmt.Errorf("vm cannot be deleted from status %s", vm.Status))
		return
	}

	if vm.NodeID == "" {
		// Never reached a node; nothing to tear down remotely
		s.vms.Transition(vm.ID, types.VmStatusDeleted, lifecycle.TransitionContext{
			Trigger: lifecycle.TriggerManual,
			Source:  requestUserID(r.Context()),
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		return
	}

	s.deliverVmCommand(vm, types.CommandDeleteVm)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "deleting"})
}

func (s *Server) deliverVmCommand(vm *types.VirtualMachine, cmdType types.CommandType) {
	node, err := s.gw.GetNode(vm.NodeID)
	if err != nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"vm_id": vm.ID})
	s.deliverer.Deliver(node, &types.NodeCommand{
		ID:          uuid.New().String(),
		NodeID:      node.ID,
		Type:        cmdType,
		PayloadJSON: string(payload),
		CreatedAt:   time.Now(),
	})
}
