// Package client wraps the orchestrator's tenant HTTP API for CLI usage.
package client
