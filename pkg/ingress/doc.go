// Package ingress is the central HTTP entry point for tenant VMs. Every
// running VM gets a default subdomain under the platform base domain; tenants
// can attach their own domains after DNS verification. The edge proxy serves
// both, terminating TLS with certificates obtained on demand and gated on the
// registry, so handshakes for unknown hosts never trigger issuance.
package ingress
