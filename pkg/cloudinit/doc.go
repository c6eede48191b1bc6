// Package cloudinit renders the user-data for system VMs. Templates are
// plain cloud-config with {{TOKEN}} placeholders; the DHT template embeds
// the architecture-matched participant binary base64-encoded, cached after
// the first read.
package cloudinit
