package types

import (
	"encoding/json"
	"time"
)

// Node represents a worker host registered with the orchestrator
type Node struct {
	ID            string
	WalletAddress string
	Name          string
	Region        string
	Zone          string
	Status        NodeStatus
	PublicIP      string
	AgentPort     int
	NATType       NATType
	AgentVersion  string

	Hardware  *HardwareInventory
	Resources *NodeResources

	Evaluation  *PerformanceEvaluation
	Obligations []*SystemVmObligation
	DhtInfo     *DhtInfo
	RelayInfo   *RelayInfo
	CgnatInfo   *CgnatInfo

	// Reputation
	TotalVmsHosted          int
	SuccessfulVmCompletions int
	UptimePercent           float64

	LastHeartbeat time.Time
	Metrics       *NodeMetrics

	// Hybrid command delivery state
	PushEnabled             bool
	ConsecutivePushSuccess  int
	ConsecutivePushFailures int
	LastCommandPushedAt     time.Time

	SupportedImages []string
	Labels          map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NodeStatus represents the current state of a node
type NodeStatus string

const (
	NodeStatusOnline   NodeStatus = "online"
	NodeStatusOffline  NodeStatus = "offline"
	NodeStatusDegraded NodeStatus = "degraded"
)

// NATType classifies a node's network reachability
type NATType string

const (
	NATTypeNone       NATType = "none"       // Directly reachable public IP
	NATTypeCGNAT      NATType = "cgnat"      // Carrier-grade NAT, needs a relay
	NATTypeRestricted NATType = "restricted" // Behind NAT but hole-punchable
)

// HardwareInventory is the hardware a node advertised at registration
type HardwareInventory struct {
	PhysicalCores  int
	MemoryBytes    int64
	StorageDevices []*StorageDevice
	BandwidthMbps  int
	GPUs           []*GPUInfo
	CPUModel       string
	BenchmarkScore float64
	Architecture   string // "amd64" or "arm64"
}

// StorageDevice describes one disk on a node
type StorageDevice struct {
	Type      string // "ssd", "nvme", "hdd"
	SizeBytes int64
}

// GPUInfo describes one GPU on a node
type GPUInfo struct {
	Model       string
	MemoryBytes int64
	Count       int
}

// TotalStorageBytes sums storage across all devices
func (h *HardwareInventory) TotalStorageBytes() int64 {
	var total int64
	for _, d := range h.StorageDevices {
		total += d.SizeBytes
	}
	return total
}

// NodeResources tracks capacity and reservations in scheduler units.
// ComputePoints are benchmark-normalized CPU capacity; memory is raw bytes
// and is never overcommitted.
type NodeResources struct {
	TotalComputePoints    int64
	TotalMemoryBytes      int64
	TotalStorageBytes     int64
	ReservedComputePoints int64
	ReservedMemoryBytes   int64
	ReservedStorageBytes  int64
}

// AvailableComputePoints returns unreserved compute points
func (r *NodeResources) AvailableComputePoints() int64 {
	return r.TotalComputePoints - r.ReservedComputePoints
}

// AvailableMemoryBytes returns unreserved memory
func (r *NodeResources) AvailableMemoryBytes() int64 {
	return r.TotalMemoryBytes - r.ReservedMemoryBytes
}

// AvailableStorageBytes returns unreserved storage
func (r *NodeResources) AvailableStorageBytes() int64 {
	return r.TotalStorageBytes - r.ReservedStorageBytes
}

// PerformanceEvaluation records the grade the evaluator assigned a node
type PerformanceEvaluation struct {
	BenchmarkScore float64
	PointsPerCore  float64
	EligibleTiers  []QualityTier
	EvaluatedAt    time.Time
}

// QualityTier determines overcommit policy, pricing and minimum benchmark
type QualityTier string

const (
	TierGuaranteed QualityTier = "guaranteed"
	TierStandard   QualityTier = "standard"
	TierBalanced   QualityTier = "balanced"
	TierBurstable  QualityTier = "burstable"
)

// SystemVmRole is a system workload a node may be obligated to host
type SystemVmRole string

const (
	RoleDht        SystemVmRole = "dht"
	RoleRelay      SystemVmRole = "relay"
	RoleBlockStore SystemVmRole = "blockstore"
	RoleIngress    SystemVmRole = "ingress"
)

// ObligationStatus tracks deployment progress of a system VM role
type ObligationStatus string

const (
	ObligationPending      ObligationStatus = "pending"
	ObligationInitializing ObligationStatus = "initializing"
	ObligationActive       ObligationStatus = "active"
	ObligationFailed       ObligationStatus = "failed"
)

// SystemVmObligation is one system-VM role a node must run
type SystemVmObligation struct {
	Role      SystemVmRole
	Status    ObligationStatus
	VmID      string
	AuthToken string
	UpdatedAt time.Time
}

// DhtInfo holds the DHT system VM identity for a node
type DhtInfo struct {
	VmID        string
	PeerID      string
	AdvertiseIP string
	ReadyAt     time.Time
}

// RelayStatus represents relay VM health
type RelayStatus string

const (
	RelayInitializing RelayStatus = "initializing"
	RelayActive       RelayStatus = "active"
	RelayDegraded     RelayStatus = "degraded"
	RelayOffline      RelayStatus = "offline"
)

// RelayInfo describes the WireGuard relay VM hosted on a public node
type RelayInfo struct {
	RelayVmID           string
	WireGuardEndpoint   string // host:51820
	PublicKey           string
	PrivateKey          string
	TunnelIP            string // 10.20.{subnet}.254
	Subnet              int    // 1..254 within 10.20.0.0/16
	MaxCapacity         int
	CurrentLoad         int
	ConnectedNodeIDs    []string
	Status              RelayStatus
	LastHealthCheck     time.Time
	InitializedAt       time.Time
	ConsecutiveFailures int
}

// TunnelStatus describes a CGNAT node's WireGuard tunnel state
type TunnelStatus string

const (
	TunnelPending     TunnelStatus = "pending"
	TunnelEstablished TunnelStatus = "established"
	TunnelDown        TunnelStatus = "down"
)

// CgnatInfo describes a CGNAT node's relay assignment
type CgnatInfo struct {
	AssignedRelayNodeID string
	TunnelIP            string
	PublicKey           string
	PrivateKey          string
	WireGuardConfig     string
	TunnelStatus        TunnelStatus
	LastHandshake       time.Time
}

// VirtualMachine is a tenant or system VM managed by the orchestrator.
// Spec is immutable after creation; Status changes only through the
// lifecycle manager.
type VirtualMachine struct {
	ID      string
	Name    string // DNS-safe, unique
	OwnerID string // wallet-derived user id
	NodeID  string // set once scheduled
	Type    VmType

	Spec          *VmSpec
	Status        VmStatus
	StatusMessage string
	PowerState    PowerState

	Network *NetworkConfig
	Ingress *IngressConfig
	Billing *BillingInfo

	Metrics        *VmMetrics
	NetworkMetrics *NetworkMetrics
	Attestation    *AttestationInfo

	Labels    map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
	StartedAt time.Time
	StoppedAt time.Time
}

// VmType distinguishes tenant workloads from system VMs
type VmType string

const (
	VmTypeGeneral VmType = "general"
	VmTypeDht     VmType = "dht"
	VmTypeRelay   VmType = "relay"
)

// IsSystemVm reports whether this VM is an orchestrator-owned system VM
func (v *VirtualMachine) IsSystemVm() bool {
	return v.Type != VmTypeGeneral
}

// VmSpec is the immutable resource request for a VM
type VmSpec struct {
	VCpus            int
	MemoryBytes      int64
	DiskBytes        int64
	Tier             QualityTier
	GPURequired      bool
	GPUModel         string
	BandwidthTier    string
	TemplateID       string
	ComputePointCost int64
}

// VmStatus is the lifecycle state of a VM
type VmStatus string

const (
	VmStatusPending      VmStatus = "pending"
	VmStatusScheduling   VmStatus = "scheduling"
	VmStatusProvisioning VmStatus = "provisioning"
	VmStatusRunning      VmStatus = "running"
	VmStatusStopping     VmStatus = "stopping"
	VmStatusStopped      VmStatus = "stopped"
	VmStatusError        VmStatus = "error"
	VmStatusDeleting     VmStatus = "deleting"
	VmStatusDeleted      VmStatus = "deleted"
)

// PowerState is the coarse power view derived from Status
type PowerState string

const (
	PowerStateOn  PowerState = "on"
	PowerStateOff PowerState = "off"
)

// NetworkConfig is a VM's network identity
type NetworkConfig struct {
	PrivateIP string
	PublicIP  string
	Hostname  string
}

// IngressConfig tracks how a VM is exposed through the central ingress
type IngressConfig struct {
	DefaultSubdomainEnabled bool
	DefaultPort             int
	CustomDomainIDs         []string
	DirectPorts             []*DirectPort
}

// DirectPort is a host port allocated for non-HTTP traffic
type DirectPort struct {
	Name      string
	GuestPort int
	HostPort  int
	Protocol  string
}

// BillingInfo tracks metering state for a VM
type BillingInfo struct {
	HourlyRateUsdc     float64
	LastBilledAt       time.Time
	CurrentPeriodStart time.Time
	TotalBilledUsdc    float64
	Paused             bool
	PausedReason       string
}

// VmMetrics is the latest sample reported by the node agent
type VmMetrics struct {
	CPUPercent     float64
	MemoryBytes    int64
	DiskBytes      int64
	NetworkRxBytes int64
	NetworkTxBytes int64
	SampledAt      time.Time
}

// NetworkMetrics tracks RTT calibration for a VM
type NetworkMetrics struct {
	BaselineRttMs float64
	CurrentRttMs  float64
	MinRttMs      float64
	MaxRttMs      float64
	StdevRttMs    float64
	Samples       []float64 // rolling window, newest last
	CalibratedAt  time.Time
	MeasuredAt    time.Time
}

// CommandType identifies an operation the node agent must perform
type CommandType string

const (
	CommandCreateVm CommandType = "create_vm"
	CommandStartVm  CommandType = "start_vm"
	CommandStopVm   CommandType = "stop_vm"
	CommandDeleteVm CommandType = "delete_vm"
)

// NodeCommand is a queued or pushed instruction for a node agent
type NodeCommand struct {
	ID          string
	NodeID      string
	Type        CommandType
	PayloadJSON string
	CreatedAt   time.Time
}

// PayloadVmID extracts the vm_id field from the command payload, if any
func (c *NodeCommand) PayloadVmID() string {
	var payload struct {
		VmID string `json:"vm_id"`
	}
	if err := json.Unmarshal([]byte(c.PayloadJSON), &payload); err != nil {
		return ""
	}
	return payload.VmID
}

// CommandResult is a node's acknowledgement of a delivered command
type CommandResult struct {
	CommandID  string
	VmID       string
	Success    bool
	Error      string
	ResultJSON string
}

// ReportedVm is a VM as described by a node in its heartbeat. The attestation
// fields relay the VM attestation agent's latest verdict.
type ReportedVm struct {
	VmID        string
	TenantID    string
	State       VmStatus
	PrivateIP   string
	VCpus       int
	MemoryBytes int64
	CPUPercent  float64

	AttestationVerified bool
	BillingPaused       bool
}

// AttestationInfo is the latest attestation verdict recorded for a VM.
// The metering pipeline consults it before charging.
type AttestationInfo struct {
	Verified      bool
	BillingPaused bool
	CheckedAt     time.Time
}

// NodeMetrics is the node-level sample carried by a heartbeat
type NodeMetrics struct {
	LoadAverage     float64
	MemoryUsedBytes int64
	DiskUsedBytes   int64
	UptimeSeconds   int64
}

// User is a tenant identified by a checksum-normalized wallet address
type User struct {
	ID            string // checksum wallet address
	WalletAddress string
	Suspended     bool
	BalanceUsdc   float64
	QuotaVms      int
	UsedVms       int
	APIKeys       []*APIKey
	CreatedAt     time.Time
}

// APIKey is an alternate credential for the user-facing API
type APIKey struct {
	Prefix     string // first 8 chars for lookup
	Hash       string // SHA-256 of the full key
	Label      string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Template is a marketplace boot image
type Template struct {
	ID             string
	Name           string
	CategoryID     string
	ImageRef       string
	ExposedPorts   []*TemplatePort
	OneShotFeeUsdc float64
	CreatedAt      time.Time
}

// TemplatePort is a port a template's workload listens on
type TemplatePort struct {
	Name     string
	Port     int
	Protocol string // "http", "ws", "tcp", "udp"
}

// TemplateCategory groups marketplace templates
type TemplateCategory struct {
	ID   string
	Name string
}

// UsageRecord is one metered billing interval awaiting settlement
type UsageRecord struct {
	ID                  string
	UserID              string
	VmID                string
	NodeID              string // receiving wallet
	UserWallet          string
	NodeWallet          string
	AmountUsdc          float64
	PeriodStart         time.Time
	PeriodEnd           time.Time
	AttestationVerified bool
	Settled             bool
	SettlementTxHash    string
	CreatedAt           time.Time
}

// SettlementBatch groups usage records sharing a payer/payee pair
type SettlementBatch struct {
	UserWallet     string
	NodeWallet     string
	Records        []*UsageRecord
	TotalUsdc      float64
	NodePayoutUsdc float64 // TotalUsdc minus the platform fee
}

// NodeAuthToken is the hashed credential a node presents on heartbeats
type NodeAuthToken struct {
	NodeID     string
	Hash       string // SHA-256 of the raw token
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastUsedAt time.Time
	IsRevoked  bool
}

// RouteStatus is the serving state of an ingress route
type RouteStatus string

const (
	RouteActive RouteStatus = "active"
	RoutePaused RouteStatus = "paused"
)

// Route is a default subdomain route for a VM
type Route struct {
	VmID       string
	Subdomain  string // sanitize(vmName).<baseDomain>
	TargetHost string // node tunnel or public IP
	TargetPort int
	Status     RouteStatus
}

// CustomDomainStatus is the verification state of a custom domain
type CustomDomainStatus string

const (
	DomainPendingDns CustomDomainStatus = "pending_dns"
	DomainActive     CustomDomainStatus = "active"
	DomainPaused     CustomDomainStatus = "paused"
	DomainError      CustomDomainStatus = "error"
)

// CustomDomain is a tenant-owned domain routed to a VM
type CustomDomain struct {
	ID         string
	VmID       string
	Domain     string // stored lower-cased
	TargetPort int
	Status     CustomDomainStatus
	VerifiedAt time.Time
	CreatedAt  time.Time
}
