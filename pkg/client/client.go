package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a thin HTTP client for the orchestrator API, used by the CLI
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates an API client. token may be a JWT or a dc_ API key; empty is
// fine for unauthenticated endpoints.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Vm is the API's view of a virtual machine
type Vm struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	NodeID        string    `json:"node_id"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"status_message"`
	VCpus         int       `json:"vcpus"`
	MemoryBytes   int64     `json:"memory_bytes"`
	DiskBytes     int64     `json:"disk_bytes"`
	Tier          string    `json:"tier"`
	PrivateIP     string    `json:"private_ip"`
	HourlyRate    float64   `json:"hourly_rate_usdc"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateVmRequest mirrors the API's VM creation payload
type CreateVmRequest struct {
	Name        string            `json:"name"`
	VCpus       int               `json:"vcpus"`
	MemoryBytes int64             `json:"memory_bytes"`
	DiskBytes   int64             `json:"disk_bytes"`
	Tier        string            `json:"tier,omitempty"`
	TemplateID  string            `json:"template_id,omitempty"`
	DefaultPort int               `json:"default_port,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// CreateVm submits a new VM for scheduling
func (c *Client) CreateVm(req *CreateVmRequest) (*Vm, error) {
	var vm Vm
	if err := c.do(http.MethodPost, "/api/vms", req, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

// ListVms returns the caller's VMs
func (c *Client) ListVms() ([]*Vm, error) {
	var vms []*Vm
	if err := c.do(http.MethodGet, "/api/vms", nil, &vms); err != nil {
		return nil, err
	}
	return vms, nil
}

// GetVm returns one VM by id
func (c *Client) GetVm(id string) (*Vm, error) {
	var vm Vm
	if err := c.do(http.MethodGet, "/api/vms/"+id, nil, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

// StartVm asks the orchestrator to start a stopped VM
func (c *Client) StartVm(id string) error {
	return c.do(http.MethodPost, "/api/vms/"+id+"/start", nil, nil)
}

// StopVm asks the orchestrator to stop a running VM
func (c *Client) StopVm(id string) error {
	return c.do(http.MethodPost, "/api/vms/"+id+"/stop", nil, nil)
}

// DeleteVm tears a VM down
func (c *Client) DeleteVm(id string) error {
	return c.do(http.MethodDelete, "/api/vms/"+id, nil, nil)
}

// Domain is the API's view of a custom domain
type Domain struct {
	ID         string `json:"id"`
	VmID       string `json:"vm_id"`
	Domain     string `json:"domain"`
	TargetPort int    `json:"target_port"`
	Status     string `json:"status"`
}

// AddDomain attaches a custom domain to a VM
func (c *Client) AddDomain(vmID, domain string, targetPort int) (*Domain, error) {
	var out Domain
	err := c.do(http.MethodPost, "/api/vms/"+vmID+"/domains", map[string]any{
		"domain":      domain,
		"target_port": targetPort,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDomains lists a VM's custom domains
func (c *Client) ListDomains(vmID string) ([]*Domain, error) {
	var out []*Domain
	if err := c.do(http.MethodGet, "/api/vms/"+vmID+"/domains", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyDomain triggers DNS verification for a domain
func (c *Client) VerifyDomain(domainID string) (*Domain, error) {
	var out Domain
	if err := c.do(http.MethodPost, "/api/domains/"+domainID+"/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
