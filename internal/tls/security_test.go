package tls

import (
	"crypto/tls"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelConfigs_ApplySecureDefaults(t *testing.T) {
	controllerUUID := uuid.New()
	certs, err := GenerateX509Certs("Test CA", "localhost", controllerUUID)
	require.NoError(t, err)

	serverConfig, err := ServerConfig(certs.ControllerTrust(controllerUUID))
	require.NoError(t, err)
	clientConfig, err := ClientConfig(certs.ControllerTrust(controllerUUID), "localhost")
	require.NoError(t, err)

	for _, cfg := range []*tls.Config{serverConfig, clientConfig} {
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
		assert.Equal(t, secureCipherSuites, cfg.CipherSuites)
		assert.True(t, cfg.SessionTicketsDisabled)
	}
}

func TestServerConfig_RejectsWeakTLS12Suite(t *testing.T) {
	controllerUUID := uuid.New()
	certs, err := GenerateX509Certs("Test CA", "Test receiver", controllerUUID)
	require.NoError(t, err)

	serverConfig, err := ServerConfig(certs.ControllerTrust(controllerUUID))
	require.NoError(t, err)

	weak := receiverClientConfig(t, certs, controllerUUID.String())
	weak.MaxVersion = tls.VersionTLS12
	weak.CipherSuites = []uint16{tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA}
	result := handshakePair(t, serverConfig, weak)
	assert.Error(t, result.serverErr)

	strong := receiverClientConfig(t, certs, controllerUUID.String())
	strong.MaxVersion = tls.VersionTLS12
	strong.CipherSuites = []uint16{tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256}
	result = handshakePair(t, serverConfig, strong)
	assert.NoError(t, result.serverErr)
	assert.NoError(t, result.clientErr)
}
