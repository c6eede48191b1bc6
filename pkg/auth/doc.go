// Package auth authenticates tenants by wallet signature. A login signs a
// timestamped message; the recovered address becomes the checksum-normalized
// user id. Sessions use short-lived JWTs with rotating opaque refresh
// tokens; API keys are the long-lived alternative.
package auth
