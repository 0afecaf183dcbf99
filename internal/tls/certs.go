package tls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-agent-ctl/pkg/domain"
)

const (
	defaultCAValidity   = 10 * 365 * 24 * time.Hour
	defaultLeafValidity = 5 * 365 * 24 * time.Hour
	// Tolerates small clock differences between controller and site.
	backdate = 5 * time.Minute
)

// Usage selects the extended key usages of an issued leaf certificate.
type Usage int

const (
	UsageServerAndClient Usage = iota
	UsageServer
	UsageClient
)

func (u Usage) extKeyUsage() []x509.ExtKeyUsage {
	switch u {
	case UsageServer:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	case UsageClient:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	default:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}
}

// Subject describes a leaf certificate to issue.
type Subject struct {
	CommonName   string
	Organization []string
	// DNSNames and IPAddresses become SANs. When both are empty the common
	// name is used as the single SAN so that name verification works.
	DNSNames    []string
	IPAddresses []net.IP
	Usage       Usage
	ValidFor    time.Duration
}

// X509Certs is the transient bundle produced during registration. The CA key
// is only needed to issue the two leaves and is not stored in the registry.
type X509Certs struct {
	CACert               []byte
	CAPrivateKey         []byte
	ControllerCert       []byte
	ControllerPrivateKey []byte
	ReceiverCert         []byte
	ReceiverPrivateKey   []byte
}

// GenerateSelfSignedCA creates a fresh CA scoped to a single site
// relationship.
func GenerateSelfSignedCA(name string) (certPEM, keyPEM []byte, err error) {
	if name == "" {
		return nil, nil, NewConfigMissingError("ca_name")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, NewCertificateIssueError(name, fmt.Errorf("generate key: %w", err))
	}

	serial, err := newSerialNumber()
	if err != nil {
		return nil, nil, NewCertificateIssueError(name, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.Add(defaultCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, nil, NewCertificateIssueError(name, err)
	}

	keyPEM, err = EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, nil, err
	}
	return EncodeCertificatePEM(der), keyPEM, nil
}

// IssueCertificate creates a leaf certificate signed by the given CA.
func IssueCertificate(caCertPEM, caKeyPEM []byte, subject Subject) (certPEM, keyPEM []byte, err error) {
	if subject.CommonName == "" {
		return nil, nil, NewConfigMissingError("common_name")
	}

	caPair, err := ParseKeyPair(caCertPEM, caKeyPEM)
	if err != nil {
		return nil, nil, err
	}
	if !caPair.Leaf.IsCA {
		return nil, nil, NewCertificateIssueError(subject.CommonName,
			fmt.Errorf("issuer %q is not a CA", caPair.Leaf.Subject.CommonName))
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, NewCertificateIssueError(subject.CommonName, fmt.Errorf("generate key: %w", err))
	}

	serial, err := newSerialNumber()
	if err != nil {
		return nil, nil, NewCertificateIssueError(subject.CommonName, err)
	}

	validFor := subject.ValidFor
	if validFor == 0 {
		validFor = defaultLeafValidity
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   subject.CommonName,
			Organization: subject.Organization,
		},
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           subject.Usage.extKeyUsage(),
		BasicConstraintsValid: true,
		DNSNames:              subject.DNSNames,
		IPAddresses:           subject.IPAddresses,
	}

	if len(template.DNSNames) == 0 && len(template.IPAddresses) == 0 {
		if ip := net.ParseIP(subject.CommonName); ip != nil {
			template.IPAddresses = []net.IP{ip}
		} else {
			template.DNSNames = []string{subject.CommonName}
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caPair.Leaf, key.Public(), caPair.PrivateKey)
	if err != nil {
		return nil, nil, NewCertificateIssueError(subject.CommonName, err)
	}

	keyPEM, err = EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, nil, err
	}
	return EncodeCertificatePEM(der), keyPEM, nil
}

// GenerateX509Certs creates an independent CA plus the controller and receiver
// leaves for one site relationship. The controller leaf is named after the
// controller UUID, which is what the site sends as TLS server name when it
// pulls.
func GenerateX509Certs(caName, receiverName string, controllerUUID uuid.UUID) (*X509Certs, error) {
	caCert, caKey, err := GenerateSelfSignedCA(caName)
	if err != nil {
		return nil, fmt.Errorf("generate CA: %w", err)
	}

	controllerCert, controllerKey, err := IssueCertificate(caCert, caKey, Subject{
		CommonName: controllerUUID.String(),
		Usage:      UsageServerAndClient,
	})
	if err != nil {
		return nil, fmt.Errorf("issue controller certificate: %w", err)
	}

	receiverCert, receiverKey, err := IssueCertificate(caCert, caKey, Subject{
		CommonName: receiverName,
		Usage:      UsageServerAndClient,
	})
	if err != nil {
		return nil, fmt.Errorf("issue receiver certificate: %w", err)
	}

	return &X509Certs{
		CACert:               caCert,
		CAPrivateKey:         caKey,
		ControllerCert:       controllerCert,
		ControllerPrivateKey: controllerKey,
		ReceiverCert:         receiverCert,
		ReceiverPrivateKey:   receiverKey,
	}, nil
}

// ControllerTrust returns the registry entry material for the controller side
// of the bundle.
func (c *X509Certs) ControllerTrust(controllerUUID uuid.UUID) domain.TrustedConnection {
	return domain.TrustedConnection{
		UUID:        controllerUUID,
		PrivateKey:  string(c.ControllerPrivateKey),
		Certificate: string(c.ControllerCert),
		RootCert:    string(c.CACert),
	}
}

// ParseCertificatePEM parses the first certificate in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	certs, err := ParseCertificatesPEM(data)
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}

// ParseCertificatesPEM parses every CERTIFICATE block in data. Other block
// types are skipped; at least one certificate is required.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, NewCertificateParseError("certificate", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, NewCertificateParseError("certificate", fmt.Errorf("no CERTIFICATE PEM block found"))
	}
	return certs, nil
}

// ParsePrivateKeyPEM parses a PKCS#8, PKCS#1 or SEC1 encoded private key.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, NewCertificateParseError("private key", fmt.Errorf("no PEM block found"))
	}

	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, NewCertificateParseError("private key", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, NewCertificateParseError("private key", fmt.Errorf("unsupported key type %T", key))
		}
		return signer, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, NewCertificateParseError("private key", err)
		}
		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, NewCertificateParseError("private key", err)
		}
		return key, nil
	default:
		return nil, NewCertificateParseError("private key", fmt.Errorf("unexpected PEM block type %q", block.Type))
	}
}

// EncodeCertificatePEM wraps DER certificate bytes in a PEM block.
func EncodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// EncodePrivateKeyPEM encodes key as PKCS#8.
func EncodePrivateKeyPEM(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParseKeyPair parses a certificate and its private key and checks that they
// belong together. The returned certificate has Leaf populated.
func ParseKeyPair(certPEM, keyPEM []byte) (tls.Certificate, error) {
	certs, err := ParseCertificatesPEM(certPEM)
	if err != nil {
		return tls.Certificate{}, err
	}
	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return tls.Certificate{}, err
	}

	public, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !public.Equal(certs[0].PublicKey) {
		return tls.Certificate{}, NewKeyMismatchError().
			WithContext("subject", certs[0].Subject.CommonName)
	}

	chain := make([][]byte, 0, len(certs))
	for _, cert := range certs {
		chain = append(chain, cert.Raw)
	}
	return tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        certs[0],
	}, nil
}

// ValidateTrustedConnection checks that all trust material parses, that the
// key matches the certificate and that the certificate chains to the root.
func ValidateTrustedConnection(conn domain.TrustedConnection) error {
	if missing := conn.Missing(); len(missing) > 0 {
		return NewConfigMissingError(missing[0]).WithContext("missing", missing)
	}

	pair, err := ParseKeyPair([]byte(conn.Certificate), []byte(conn.PrivateKey))
	if err != nil {
		return err
	}

	roots, err := rootPool(conn.RootCert)
	if err != nil {
		return err
	}

	_, err = pair.Leaf.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return NewTLSErrorWithCause(ErrorTypeCertificateParsing, "certificate does not chain to root_cert", err).
			WithContext("subject", pair.Leaf.Subject.CommonName)
	}
	return nil
}

func newSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 127)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}
