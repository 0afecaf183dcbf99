package agentchannel

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-agent-ctl/pkg/domain"
)

func serveOnce(t *testing.T, network, address string, handle func(net.Conn)) net.Listener {
	t.Helper()
	ln, err := net.Listen(network, address)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return ln
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "socket", cfg: Config{Type: TypeSocket, Address: "/run/agent.sock"}},
		{name: "socket tcp", cfg: Config{Type: TypeSocket, Network: "tcp", Address: "127.0.0.1:6556"}},
		{name: "socket without address", cfg: Config{Type: TypeSocket}, wantErr: true},
		{name: "socket bad network", cfg: Config{Type: TypeSocket, Network: "udp", Address: "x"}, wantErr: true},
		{name: "command", cfg: Config{Type: TypeCommand, Command: []string{"cat", "/tmp/x"}}},
		{name: "command empty", cfg: Config{Type: TypeCommand}, wantErr: true},
		{name: "static", cfg: Config{Type: TypeStatic}},
		{name: "unknown", cfg: Config{Type: "carrier-pigeon"}, wantErr: true},
		{name: "negative limit", cfg: Config{Type: TypeStatic, MaxPayloadBytes: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrConfigInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_SelectsImplementation(t *testing.T) {
	ch, err := New(Config{Type: TypeSocket, Address: "/run/agent.sock"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SocketChannel{}, ch)

	ch, err = New(Config{Type: TypeCommand, Command: []string{"true"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &CommandChannel{}, ch)

	ch, err = New(Config{Type: TypeStatic, Payload: "<<<check_mk>>>"}, nil)
	require.NoError(t, err)
	data, err := ch.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "<<<check_mk>>>", string(data))

	_, err = New(Config{}, nil)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestSocketChannel_Unix(t *testing.T) {
	address := filepath.Join(t.TempDir(), "agent.sock")
	serveOnce(t, "unix", address, func(conn net.Conn) {
		conn.Write([]byte("<<<check_mk>>>\nVersion: 2.3.0\n"))
	})

	ch := NewSocketChannel("unix", address, 0, nil)
	data, err := ch.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "<<<check_mk>>>\nVersion: 2.3.0\n", string(data))
}

func TestSocketChannel_Unavailable(t *testing.T) {
	ch := NewSocketChannel("unix", filepath.Join(t.TempDir(), "missing.sock"), 0, nil)
	_, err := ch.Fetch(context.Background())
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestSocketChannel_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ln := serveOnce(t, "tcp", "127.0.0.1:0", func(conn net.Conn) {
		conn.Write([]byte("partial"))
		<-release
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewSocketChannel("tcp", ln.Addr().String(), 0, nil).Fetch(ctx)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSocketChannel_PayloadLimit(t *testing.T) {
	ln := serveOnce(t, "tcp", "127.0.0.1:0", func(conn net.Conn) {
		conn.Write(make([]byte, 1024))
	})

	_, err := NewSocketChannel("tcp", ln.Addr().String(), 100, nil).Fetch(context.Background())
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "exceeds")
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandChannel(t *testing.T) {
	requireShell(t)

	data, err := NewCommandChannel([]string{"sh", "-c", "printf 'hello agent'"}, 0, nil).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello agent", string(data))
}

func TestCommandChannel_ExitCode(t *testing.T) {
	requireShell(t)

	_, err := NewCommandChannel([]string{"sh", "-c", "echo broken >&2; exit 3"}, 0, nil).Fetch(context.Background())
	require.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "broken")
}

func TestCommandChannel_KilledOnCancel(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewCommandChannel([]string{"sh", "-c", "sleep 30"}, 0, nil).Fetch(ctx)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCommandChannel_OutputLimit(t *testing.T) {
	requireShell(t)

	_, err := NewCommandChannel([]string{"sh", "-c", "printf '0123456789abcdef'"}, 8, nil).Fetch(context.Background())
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestCommandChannel_MissingBinary(t *testing.T) {
	_, err := NewCommandChannel([]string{"/nonexistent/agent"}, 0, nil).Fetch(context.Background())
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestStaticChannel(t *testing.T) {
	ch := NewStaticChannel([]byte("payload"))

	data, err := ch.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	// Callers must not be able to mutate the served payload.
	data[0] = 'X'
	data, err = ch.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.EqualValues(t, 2, ch.Calls())

	ch.SetError(errors.New("agent stopped"))
	_, err = ch.Fetch(context.Background())
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.EqualValues(t, 3, ch.Calls())
}

func TestStaticChannel_Gate(t *testing.T) {
	ch := NewStaticChannel([]byte("payload"))
	gate := make(chan struct{})
	ch.SetGate(gate)

	result := make(chan error, 1)
	go func() {
		_, err := ch.Fetch(context.Background())
		result <- err
	}()

	require.Eventually(t, func() bool { return ch.Calls() == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-result:
		t.Fatal("fetch returned before the gate opened")
	case <-time.After(20 * time.Millisecond):
	}

	gate <- struct{}{}
	assert.NoError(t, <-result)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ch.Fetch(ctx)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}
