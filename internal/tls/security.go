package tls

import "crypto/tls"

// secureCipherSuites restricts TLS 1.2 to AEAD suites with forward secrecy,
// strongest first. TLS 1.3 suites are not configurable and always secure.
var secureCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// applySecureDefaults enforces the minimum version and cipher suites on
// every channel configuration.
func applySecureDefaults(config *tls.Config) *tls.Config {
	if len(config.CipherSuites) == 0 {
		config.CipherSuites = secureCipherSuites
	}
	if config.MinVersion < tls.VersionTLS12 {
		config.MinVersion = tls.VersionTLS12
	}
	config.SessionTicketsDisabled = true
	return config
}
