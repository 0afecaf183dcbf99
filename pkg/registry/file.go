package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/polisai/polis-agent-ctl/pkg/domain"
)

// fileFormat is the on-disk layout. Sites are map keys in "server/site" form.
// Unknown fields are ignored so that newer controllers can add data.
type fileFormat struct {
	Push map[string]FileEntry `json:"push"`
	Pull map[string]FileEntry `json:"pull"`
}

// FileEntry is the serialised form of one TrustedConnectionWithRemote. It is
// also the document accepted by the import command.
type FileEntry struct {
	UUID         uuid.UUID `json:"uuid"`
	PrivateKey   string    `json:"private_key"`
	Certificate  string    `json:"certificate"`
	RootCert     string    `json:"root_cert"`
	ReceiverPort uint16    `json:"receiver_port"`
}

// ToConnection converts the serialised form to the domain type.
func (e FileEntry) ToConnection() domain.TrustedConnectionWithRemote {
	return domain.TrustedConnectionWithRemote{
		Trust: domain.TrustedConnection{
			UUID:        e.UUID,
			PrivateKey:  e.PrivateKey,
			Certificate: e.Certificate,
			RootCert:    e.RootCert,
		},
		ReceiverPort: e.ReceiverPort,
	}
}

// NewFileEntry converts a domain connection to its serialised form.
func NewFileEntry(conn domain.TrustedConnectionWithRemote) FileEntry {
	return FileEntry{
		UUID:         conn.Trust.UUID,
		PrivateKey:   conn.Trust.PrivateKey,
		Certificate:  conn.Trust.Certificate,
		RootCert:     conn.Trust.RootCert,
		ReceiverPort: conn.ReceiverPort,
	}
}

func encodeFile(entries map[Key]domain.TrustedConnectionWithRemote) ([]byte, error) {
	doc := fileFormat{
		Push: make(map[string]FileEntry),
		Pull: make(map[string]FileEntry),
	}
	for key, conn := range entries {
		switch key.Type {
		case domain.Push:
			doc.Push[key.Site.String()] = NewFileEntry(conn)
		case domain.Pull:
			doc.Pull[key.Site.String()] = NewFileEntry(conn)
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal registry: %w", err)
	}
	return append(data, '\n'), nil
}

func decodeFile(data []byte) (map[Key]domain.TrustedConnectionWithRemote, error) {
	entries := make(map[Key]domain.TrustedConnectionWithRemote)
	if len(strings.TrimSpace(string(data))) == 0 {
		return entries, nil
	}

	var doc fileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRegistryParse, err)
	}

	sections := []struct {
		connType domain.ConnectionType
		entries  map[string]FileEntry
	}{
		{domain.Push, doc.Push},
		{domain.Pull, doc.Pull},
	}
	for _, section := range sections {
		for rawSite, fileEntry := range section.entries {
			site, err := domain.ParseSiteID(rawSite)
			if err != nil {
				return nil, fmt.Errorf("%w: %s section: %w", domain.ErrRegistryParse, section.connType, err)
			}
			conn := fileEntry.ToConnection()
			if missing := conn.Trust.Missing(); len(missing) > 0 {
				return nil, fmt.Errorf("%w: %s connection %s: missing required field(s) %s",
					domain.ErrRegistryParse, section.connType, site, strings.Join(missing, ", "))
			}
			entries[Key{Type: section.connType, Site: site}] = conn
		}
	}
	return entries, nil
}

// lockFile takes an exclusive advisory lock next to the registry file and
// returns the release function.
func lockFile(path string) (func(), error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock registry file: %w", err)
	}
	return func() { lock.Unlock() }, nil
}

// writeFileAtomic writes data to a temporary file in the same directory,
// fsyncs it and renames it into place, so readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}

	file, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary registry file: %w", err)
	}
	temporaryPath := file.Name()

	if err := file.Chmod(0o600); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("chmod temporary registry file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("write temporary registry file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("sync temporary registry file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("close temporary registry file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("rename registry file into place: %w", err)
	}

	// Make the rename durable across power loss.
	if parent, err := os.Open(dir); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
