// Package tlsutil provides the centralized TLS configuration shared by every
// outbound HTTP client in the gateway (provider drivers, the Vault secret
// store client), hardened to TLS 1.2+ with AEAD-only cipher suites.
package tlsutil
