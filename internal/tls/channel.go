package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"

	"github.com/polisai/polis-agent-ctl/pkg/domain"
)

// ServerConfig builds the acceptor side of a mutual-TLS channel from one
// registry entry. The controller certificate is presented and every client
// must present a certificate chaining to the entry's root; there is no
// fallback for anonymous clients.
func ServerConfig(trust domain.TrustedConnection) (*tls.Config, error) {
	pair, err := ParseKeyPair([]byte(trust.Certificate), []byte(trust.PrivateKey))
	if err != nil {
		return nil, err
	}
	roots, err := rootPool(trust.RootCert)
	if err != nil {
		return nil, err
	}

	return applySecureDefaults(&tls.Config{
		Certificates: []tls.Certificate{pair},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    roots,
	}), nil
}

// ClientConfig builds the connector side of a mutual-TLS channel. The remote
// certificate must chain to the entry's root and carry serverName.
func ClientConfig(trust domain.TrustedConnection, serverName string) (*tls.Config, error) {
	if serverName == "" {
		return nil, NewConfigMissingError("server_name")
	}

	pair, err := ParseKeyPair([]byte(trust.Certificate), []byte(trust.PrivateKey))
	if err != nil {
		return nil, err
	}
	roots, err := rootPool(trust.RootCert)
	if err != nil {
		return nil, err
	}

	return applySecureDefaults(&tls.Config{
		Certificates: []tls.Certificate{pair},
		RootCAs:      roots,
		ServerName:   serverName,
	}), nil
}

// ClassifyHandshakeError collapses every handshake failure into either an
// untrusted-peer or a timeout error. Callers must not pass details of the
// result back to the peer.
func ClassifyHandshakeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return NewHandshakeTimeoutError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewHandshakeTimeoutError(err)
	}
	return NewUntrustedPeerError(err)
}

// PeerCommonName returns the common name of the verified peer leaf, or "" if
// the handshake did not produce one.
func PeerCommonName(state tls.ConnectionState) string {
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.CommonName
}

// VersionName converts a TLS version constant to a short string.
func VersionName(version uint16) string {
	switch version {
	case tls.VersionTLS12:
		return "1.2"
	case tls.VersionTLS13:
		return "1.3"
	default:
		return tls.VersionName(version)
	}
}

func rootPool(rootPEM string) (*x509.CertPool, error) {
	certs, err := ParseCertificatesPEM([]byte(rootPEM))
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	return pool, nil
}
