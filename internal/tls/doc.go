// Package tls issues per-site certificate material and builds mutual-TLS
// configurations from trust registry entries.
//
// Every registration produces an independent CA, so trust is always anchored to
// the root certificate stored in one registry entry. The acceptor built by
// ServerConfig refuses clients without a certificate chaining to that root and
// the connector built by ClientConfig verifies the remote against the same
// root with name verification.
package tls
