package cloudinit

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/types"
)

// Renderer produces cloud-init user data for system VMs. Templates are role
// specific and parameterized with {{TOKEN}} placeholders filled at render
// time.
type Renderer struct {
	cfg *config.SystemVmsConfig

	// The DHT binary is large; read and encode it once per architecture.
	binaryCacheLock sync.Mutex
	binaryCache     map[string]string // arch -> base64 payload
}

// Params are the substitution values available to role templates
type Params struct {
	VmID                string
	NodeID              string
	Region              string
	AdvertiseIP         string
	BootstrapPeers      []string
	TunnelIP            string
	WireGuardPrivateKey string
	RelaySubnet         int
	AuthToken           string
}

// New creates a cloud-init renderer
func New(cfg *config.SystemVmsConfig) *Renderer {
	return &Renderer{
		cfg:         cfg,
		binaryCache: make(map[string]string),
	}
}

// Render produces the user data for a system VM role on the given node
func (r *Renderer) Render(role types.SystemVmRole, arch string, p *Params) (string, error) {
	var tmpl string
	switch role {
	case types.RoleDht:
		tmpl = dhtTemplate
	case types.RoleRelay:
		tmpl = relayTemplate
	default:
		return "", fmt.Errorf("no cloud-init template for role %s", role)
	}

	out := tmpl
	replace := func(token, value string) {
		out = strings.ReplaceAll(out, token, value)
	}
	replace("{{VM_ID}}", p.VmID)
	replace("{{NODE_ID}}", p.NodeID)
	replace("{{REGION}}", p.Region)
	replace("{{ADVERTISE_IP}}", p.AdvertiseIP)
	replace("{{BOOTSTRAP_PEERS}}", strings.Join(p.BootstrapPeers, ","))
	replace("{{TUNNEL_IP}}", p.TunnelIP)
	replace("{{WIREGUARD_PRIVATE_KEY}}", p.WireGuardPrivateKey)
	replace("{{RELAY_SUBNET}}", fmt.Sprintf("%d", p.RelaySubnet))
	replace("{{AUTH_TOKEN}}", p.AuthToken)

	if role == types.RoleDht {
		payload, err := r.dhtBinary(arch)
		if err != nil {
			return "", err
		}
		out = strings.ReplaceAll(out, "{{DHT_BINARY_B64}}", payload)
	}

	return out, nil
}

// dhtBinary returns the base64-encoded DHT binary for the architecture.
// Encoding a multi-megabyte binary is expensive enough that concurrent
// deploys must not each do it.
func (r *Renderer) dhtBinary(arch string) (string, error) {
	r.binaryCacheLock.Lock()
	defer r.binaryCacheLock.Unlock()

	if cached, ok := r.binaryCache[arch]; ok {
		return cached, nil
	}

	var path string
	switch arch {
	case "arm64":
		path = r.cfg.DhtBinaryArm64
	case "amd64", "":
		path = r.cfg.DhtBinaryAmd64
	default:
		return "", fmt.Errorf("unsupported architecture: %s", arch)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read dht binary for %s: %w", arch, err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	r.binaryCache[arch] = encoded
	log.WithComponent("cloudinit").Debug().
		Str("arch", arch).
		Int("bytes", len(data)).
		Msg("dht binary cached")
	return encoded, nil
}
