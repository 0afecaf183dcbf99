package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctltls "github.com/polisai/polis-agent-ctl/internal/tls"
	"github.com/polisai/polis-agent-ctl/pkg/domain"
	"github.com/polisai/polis-agent-ctl/pkg/registry"
)

// run executes the CLI with args and stdin and returns stdout.
func run(t *testing.T, ctx context.Context, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), err
}

func connectionDocument(t *testing.T, port uint16) (string, uuid.UUID) {
	t.Helper()
	id := uuid.New()
	certs, err := ctltls.GenerateX509Certs("Site CA", "site.example.com", id)
	require.NoError(t, err)

	doc := registry.NewFileEntry(domain.TrustedConnectionWithRemote{
		Trust:        certs.ControllerTrust(id),
		ReceiverPort: port,
	})
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return string(data), id
}

func TestImportStatusDelete(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), registry.DefaultFileName)
	ctx := context.Background()

	pullDoc, pullID := connectionDocument(t, 0)
	out, err := run(t, ctx, pullDoc, "--registry", regPath, "import", "monitoring/prod")
	require.NoError(t, err)
	assert.Contains(t, out, "Registered pull connection for monitoring/prod")

	pushDoc, _ := connectionDocument(t, 8000)
	_, err = run(t, ctx, pushDoc, "--registry", regPath, "import", "monitoring/prod", "--type", "push")
	require.NoError(t, err)

	out, err = run(t, ctx, "", "--registry", regPath, "status")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "pull"))
	assert.Contains(t, lines[1], pullID.String())
	assert.True(t, strings.HasPrefix(lines[2], "push"))
	assert.Contains(t, lines[2], "8000")

	out, err = run(t, ctx, "", "--registry", regPath, "status", "--json")
	require.NoError(t, err)
	var status struct {
		Connections []statusEntry `json:"connections"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.Len(t, status.Connections, 2)
	assert.Equal(t, pullID.String(), status.Connections[0].Subject)
	assert.True(t, status.Connections[0].NotAfter.After(time.Now()))
	assert.Equal(t, "OK", status.Connections[0].Certificate)

	out, err = run(t, ctx, "", "--registry", regPath, "delete", "monitoring/prod", "--type", "pull")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed pull connection")

	out, err = run(t, ctx, "", "--registry", regPath, "delete", "monitoring/prod")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed push connection")

	_, err = run(t, ctx, "", "--registry", regPath, "delete", "monitoring/prod")
	assert.ErrorIs(t, err, domain.ErrNotRegistered)

	out, err = run(t, ctx, "", "--registry", regPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No connections registered.")
}

func TestImport_Rejects(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), registry.DefaultFileName)
	ctx := context.Background()
	doc, _ := connectionDocument(t, 0)

	_, err := run(t, ctx, doc, "--registry", regPath, "import", "no-slash")
	assert.ErrorIs(t, err, domain.ErrInvalidSiteFormat)

	_, err = run(t, ctx, doc, "--registry", regPath, "import", "srv/site", "--type", "sideways")
	assert.Error(t, err)

	_, err = run(t, ctx, doc, "--registry", regPath, "import", "srv/site", "--type", "push")
	assert.ErrorIs(t, err, domain.ErrConfigInvalid, "push needs a receiver port")

	_, err = run(t, ctx, `{"uuid": "`+uuid.NewString()+`"}`, "--registry", regPath, "import", "srv/site")
	assert.ErrorContains(t, err, "private_key")

	_, err = run(t, ctx, "not json", "--registry", regPath, "import", "srv/site")
	assert.Error(t, err)

	_, statErr := os.Stat(regPath)
	assert.True(t, os.IsNotExist(statErr), "rejected imports must not create the registry")
}

func TestVersion(t *testing.T) {
	out, err := run(t, context.Background(), "", "version")
	require.NoError(t, err)
	assert.Equal(t, "agent-ctl dev\n", out)
}

func TestDaemon_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	// A fresh host has no state directory before the first registration.
	stateDir := filepath.Join(dir, "var", "lib", "agent-ctl")
	cfgPath := filepath.Join(dir, "agent-ctl.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
registry_path: `+filepath.Join(stateDir, registry.DefaultFileName)+`
pull:
  address: 127.0.0.1
  port: 0
push:
  interval: 1h
agent_channel:
  type: static
  payload: hello
`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := run(t, ctx, "", "--config", cfgPath, "daemon", "--grace-period", "1s")
		done <- err
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.DirExists(t, stateDir)
}

func TestSetup_RejectsBadLogFormat(t *testing.T) {
	_, err := run(t, context.Background(), "", "--log-format", "xml", "version")
	assert.Error(t, err)
}
