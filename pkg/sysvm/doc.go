// Package sysvm computes and reconciles system-VM obligations. Every node
// owes the platform a DHT participant; capable public nodes also owe a
// WireGuard relay. The controller deploys pending obligations through role
// deployers and activates them when the VM calls back with a valid HMAC
// over its identity.
package sysvm
