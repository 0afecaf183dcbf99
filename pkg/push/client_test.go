package push

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-agent-ctl/internal/governance"
	ctltls "github.com/polisai/polis-agent-ctl/internal/tls"
	"github.com/polisai/polis-agent-ctl/pkg/agentchannel"
	"github.com/polisai/polis-agent-ctl/pkg/domain"
	"github.com/polisai/polis-agent-ctl/pkg/registry"
	"github.com/polisai/polis-agent-ctl/pkg/wire"
)

const testPayload = "<<<check_mk>>>\nVersion: 2.3.0\n"

type received struct {
	path        string
	compression string
	data        []byte
	peer        string
}

// receiver is a site's agent receiver requiring client certificates of its
// registration CA.
type receiver struct {
	server *httptest.Server
	certs  *ctltls.X509Certs
	id     uuid.UUID
	status int
	// failFirst requests are answered with 503.
	failFirst int

	mu   sync.Mutex
	hits []received
}

func newReceiver(t *testing.T) *receiver {
	t.Helper()
	id := uuid.New()
	certs, err := ctltls.GenerateX509Certs("Site CA", "127.0.0.1", id)
	require.NoError(t, err)

	r := &receiver{certs: certs, id: id, status: http.StatusNoContent}
	r.server = httptest.NewUnstartedServer(http.HandlerFunc(r.serveHTTP))

	pair, err := ctltls.ParseKeyPair(certs.ReceiverCert, certs.ReceiverPrivateKey)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(certs.CACert))
	r.server.TLS = &tls.Config{
		Certificates: []tls.Certificate{pair},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}
	r.server.StartTLS()
	t.Cleanup(r.server.Close)
	return r
}

func (r *receiver) serveHTTP(w http.ResponseWriter, req *http.Request) {
	file, _, err := req.FormFile(FormField)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	r.mu.Lock()
	r.hits = append(r.hits, received{
		path:        req.URL.Path,
		compression: req.Header.Get(CompressionHeader),
		data:        data,
		peer:        req.TLS.PeerCertificates[0].Subject.CommonName,
	})
	status := r.status
	if r.failFirst > 0 {
		r.failFirst--
		status = http.StatusServiceUnavailable
	}
	r.mu.Unlock()

	w.WriteHeader(status)
}

func (r *receiver) answer(status, failFirst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.failFirst = failFirst
}

func (r *receiver) received() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.hits...)
}

func (r *receiver) port(t *testing.T) uint16 {
	_, port, err := net.SplitHostPort(r.server.Listener.Addr().String())
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	return uint16(n)
}

func (r *receiver) register(t *testing.T, reg *registry.Registry, siteName string) {
	t.Helper()
	require.NoError(t, reg.RegisterConnection(domain.Push, domain.SiteID{Server: "127.0.0.1", Site: siteName},
		domain.TrustedConnectionWithRemote{
			Trust:        r.certs.ControllerTrust(r.id),
			ReceiverPort: r.port(t),
		}))
}

func newRegistry(t *testing.T) *registry.Registry {
	reg, err := registry.Load(t.TempDir() + "/" + registry.DefaultFileName)
	require.NoError(t, err)
	return reg
}

func TestPushAll(t *testing.T) {
	reg := newRegistry(t)
	site := newReceiver(t)
	site.register(t, reg, "mysite")

	channel := agentchannel.NewStaticChannel([]byte(testPayload))
	client, err := NewClient(reg, channel)
	require.NoError(t, err)

	require.NoError(t, client.PushAll(context.Background()))

	hits := site.received()
	require.Len(t, hits, 1)
	assert.Equal(t, "/mysite/agent-receiver/agent_data/"+site.id.String(), hits[0].path)
	assert.Equal(t, "none", hits[0].compression)
	assert.Equal(t, testPayload, string(hits[0].data))
	assert.Equal(t, site.id.String(), hits[0].peer)
}

func TestPushAll_Zstd(t *testing.T) {
	reg := newRegistry(t)
	site := newReceiver(t)
	site.register(t, reg, "mysite")

	client, err := NewClient(reg, agentchannel.NewStaticChannel([]byte(testPayload)), WithCompression(wire.CompressionZstd))
	require.NoError(t, err)
	require.NoError(t, client.PushAll(context.Background()))

	hits := site.received()
	require.Len(t, hits, 1)
	assert.Equal(t, "zstd", hits[0].compression)
	payload, err := wire.Decode(hits[0].data, wire.CompressionZstd)
	require.NoError(t, err)
	assert.Equal(t, testPayload, string(payload))
}

func TestPushAll_OneFailingSiteDoesNotStopOthers(t *testing.T) {
	reg := newRegistry(t)
	good := newReceiver(t)
	good.register(t, reg, "b_good")

	gone := newReceiver(t)
	gone.register(t, reg, "a_gone")
	gone.server.Close()

	channel := agentchannel.NewStaticChannel([]byte(testPayload))
	client, err := NewClient(reg, channel, WithTimeout(5*time.Second), WithRetry(governance.RetryConfig{MaxRetries: 0}))
	require.NoError(t, err)

	err = client.PushAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1/a_gone")
	assert.NotContains(t, err.Error(), "b_good")
	var connErr *domain.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "a_gone", connErr.Site.Site)

	assert.Len(t, good.received(), 1)
	assert.EqualValues(t, 1, channel.Calls(), "payload is fetched once per cycle")
}

func TestPushAll_NoRegistrations(t *testing.T) {
	channel := agentchannel.NewStaticChannel([]byte(testPayload))
	client, err := NewClient(newRegistry(t), channel)
	require.NoError(t, err)

	assert.NoError(t, client.PushAll(context.Background()))
	assert.EqualValues(t, 0, channel.Calls())
}

func TestPushAll_SourceUnavailable(t *testing.T) {
	reg := newRegistry(t)
	site := newReceiver(t)
	site.register(t, reg, "mysite")

	channel := agentchannel.NewStaticChannel(nil)
	channel.SetError(errors.New("agent down"))
	client, err := NewClient(reg, channel)
	require.NoError(t, err)

	assert.ErrorIs(t, client.PushAll(context.Background()), domain.ErrSourceUnavailable)
	assert.Empty(t, site.received())
}

func TestPush_ReceiverError(t *testing.T) {
	reg := newRegistry(t)
	site := newReceiver(t)
	site.answer(http.StatusForbidden, 0)
	site.register(t, reg, "mysite")

	client, err := NewClient(reg, agentchannel.NewStaticChannel([]byte(testPayload)))
	require.NoError(t, err)

	err = client.PushAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestPush_RetriesTransientFailures(t *testing.T) {
	reg := newRegistry(t)
	site := newReceiver(t)
	site.answer(http.StatusNoContent, 2)
	site.register(t, reg, "mysite")

	client, err := NewClient(reg, agentchannel.NewStaticChannel([]byte(testPayload)),
		WithRetry(governance.RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}))
	require.NoError(t, err)

	require.NoError(t, client.PushAll(context.Background()))
	assert.Len(t, site.received(), 3)
}

func TestPushAll_CircuitOpensForFailingSite(t *testing.T) {
	reg := newRegistry(t)
	site := newReceiver(t)
	site.answer(http.StatusInternalServerError, 0)
	site.register(t, reg, "mysite")

	client, err := NewClient(reg, agentchannel.NewStaticChannel([]byte(testPayload)),
		WithRetry(governance.RetryConfig{MaxRetries: 0}),
		WithCircuitBreaker(governance.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Hour}))
	require.NoError(t, err)

	for range 2 {
		assert.Error(t, client.PushAll(context.Background()))
	}
	require.Len(t, site.received(), 2)

	err = client.PushAll(context.Background())
	assert.ErrorIs(t, err, governance.ErrCircuitOpen)
	assert.Len(t, site.received(), 2, "open circuit skips the receiver")
	assert.Equal(t, string(governance.StateOpen), client.CircuitStats()["127.0.0.1/mysite"].State)

	_, err = reg.RemoveConnection(domain.Push, domain.SiteID{Server: "127.0.0.1", Site: "mysite"})
	require.NoError(t, err)
	require.NoError(t, client.PushAll(context.Background()))
	assert.Empty(t, client.CircuitStats(), "breakers of removed sites are dropped")
}

func TestPushAll_ReRegistrationClosesCircuit(t *testing.T) {
	reg := newRegistry(t)
	old := newReceiver(t)
	old.register(t, reg, "mysite")
	old.server.Close()

	client, err := NewClient(reg, agentchannel.NewStaticChannel([]byte(testPayload)),
		WithTimeout(5*time.Second),
		WithRetry(governance.RetryConfig{MaxRetries: 0}),
		WithCircuitBreaker(governance.CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Hour}))
	require.NoError(t, err)

	assert.Error(t, client.PushAll(context.Background()))
	assert.ErrorIs(t, client.PushAll(context.Background()), governance.ErrCircuitOpen)

	// The site registers again with a new controller UUID and receiver.
	replacement := newReceiver(t)
	replacement.register(t, reg, "mysite")

	require.NoError(t, client.PushAll(context.Background()))
	assert.Len(t, replacement.received(), 1)
	stats := client.CircuitStats()["127.0.0.1/mysite"]
	assert.Equal(t, string(governance.StateClosed), stats.State)
	assert.Equal(t, 1, stats.Successes)
}

func TestPush_UntrustedReceiver(t *testing.T) {
	reg := newRegistry(t)
	site := newReceiver(t)
	impostor := newReceiver(t)

	// Registry trusts site's CA but the port belongs to impostor.
	require.NoError(t, reg.RegisterConnection(domain.Push, domain.SiteID{Server: "127.0.0.1", Site: "mysite"},
		domain.TrustedConnectionWithRemote{
			Trust:        site.certs.ControllerTrust(site.id),
			ReceiverPort: impostor.port(t),
		}))

	client, err := NewClient(reg, agentchannel.NewStaticChannel([]byte(testPayload)))
	require.NoError(t, err)

	assert.Error(t, client.PushAll(context.Background()))
	assert.Empty(t, impostor.received())
}

func TestPush_RejectsPullEntry(t *testing.T) {
	client, err := NewClient(newRegistry(t), agentchannel.NewStaticChannel(nil))
	require.NoError(t, err)

	err = client.Push(context.Background(), registry.Entry{Type: domain.Pull}, nil)
	assert.ErrorIs(t, err, domain.ErrNotRegistered)
}

func TestReceiverURL(t *testing.T) {
	id := uuid.MustParse("1b6a2d1e-8a8c-4d7b-9f2e-3c4d5e6f7a8b")
	entry := registry.Entry{
		Type: domain.Push,
		Site: domain.SiteID{Server: "monitoring.example.com", Site: "prod"},
		Connection: domain.TrustedConnectionWithRemote{
			Trust:        domain.TrustedConnection{UUID: id},
			ReceiverPort: 8000,
		},
	}
	assert.Equal(t,
		"https://monitoring.example.com:8000/prod/agent-receiver/agent_data/1b6a2d1e-8a8c-4d7b-9f2e-3c4d5e6f7a8b",
		ReceiverURL(entry))
}

func TestRun(t *testing.T) {
	reg := newRegistry(t)
	site := newReceiver(t)
	site.register(t, reg, "mysite")

	client, err := NewClient(reg, agentchannel.NewStaticChannel([]byte(testPayload)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, 20*time.Millisecond) }()

	require.Eventually(t, func() bool { return len(site.received()) >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, agentchannel.NewStaticChannel(nil))
	assert.Error(t, err)
	_, err = NewClient(newRegistry(t), nil)
	assert.Error(t, err)
	_, err = NewClient(newRegistry(t), agentchannel.NewStaticChannel(nil), WithCompression("lzma"))
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}
