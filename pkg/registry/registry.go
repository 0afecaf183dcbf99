// Package registry persists the per-site trust material of the controller.
//
// The registry is the only source of truth for which sites are trusted. It is
// keyed by (connection type, site) and every mutation replaces a full entry and
// rewrites the file atomically. Readers work on immutable snapshots and never
// observe a half-applied registration.
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	ctltls "github.com/polisai/polis-agent-ctl/internal/tls"
	"github.com/polisai/polis-agent-ctl/pkg/domain"
)

// DefaultFileName is the registry file name inside the controller state
// directory.
const DefaultFileName = "registered_connections.json"

// Key identifies one registry entry.
type Key struct {
	Type domain.ConnectionType
	Site domain.SiteID
}

// Entry is one registered connection.
type Entry struct {
	Type       domain.ConnectionType
	Site       domain.SiteID
	Connection domain.TrustedConnectionWithRemote
}

type snapshot struct {
	entries map[Key]domain.TrustedConnectionWithRemote
	modTime time.Time
}

// Registry is a shared, internally synchronised handle on the registry file.
type Registry struct {
	path   string
	logger *slog.Logger

	// writeMu serialises mutations and reloads; readers only load current.
	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for registry events.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Load reads the registry at path. A missing file yields an empty registry
// that will be created on the first registration.
func Load(path string, opts ...Option) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: registry path is empty", domain.ErrConfigInvalid)
	}

	r := &Registry{
		path:   path,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")

	snap, err := readSnapshot(path)
	if err != nil {
		return nil, err
	}
	r.current.Store(snap)

	r.logger.Debug("Registry loaded", "path", path, "entries", len(snap.entries))
	return r, nil
}

// Path returns the file backing the registry.
func (r *Registry) Path() string {
	return r.path
}

// RegisterConnection stores conn for (connType, site), replacing any existing
// entry, and persists the registry. Invalid trust material is rejected and
// leaves the registry untouched. A pull registration must not reuse the
// controller UUID of another pull site, since that UUID selects the entry
// during the handshake.
func (r *Registry) RegisterConnection(connType domain.ConnectionType, site domain.SiteID, conn domain.TrustedConnectionWithRemote) error {
	if err := ctltls.ValidateTrustedConnection(conn.Trust); err != nil {
		return &domain.ConnectionError{Op: "register", Type: connType, Site: site, Err: err}
	}

	key := Key{Type: connType, Site: site}
	var replaced bool
	_, err := r.mutate(func(next *snapshot) (bool, error) {
		if connType == domain.Pull {
			for other, existing := range next.entries {
				if other.Type == domain.Pull && other.Site != site && existing.Trust.UUID == conn.Trust.UUID {
					return false, &domain.ConnectionError{Op: "register", Type: connType, Site: site,
						Err: fmt.Errorf("%w: uuid %s is already registered for pull site %s",
							domain.ErrConfigInvalid, conn.Trust.UUID, other.Site)}
				}
			}
		}
		_, replaced = next.entries[key]
		next.entries[key] = conn
		return true, nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("Connection registered",
		"type", connType.String(),
		"site", site.String(),
		"uuid", conn.Trust.UUID.String(),
		"replaced", replaced)
	return nil
}

// GetConnection returns the entry for (connType, site).
func (r *Registry) GetConnection(connType domain.ConnectionType, site domain.SiteID) (domain.TrustedConnectionWithRemote, bool) {
	conn, ok := r.current.Load().entries[Key{Type: connType, Site: site}]
	return conn, ok
}

// RemoveConnection deletes the entry for (connType, site). It reports whether
// an entry existed; the file is only rewritten in that case.
func (r *Registry) RemoveConnection(connType domain.ConnectionType, site domain.SiteID) (bool, error) {
	key := Key{Type: connType, Site: site}
	removed, err := r.mutate(func(next *snapshot) (bool, error) {
		if _, ok := next.entries[key]; !ok {
			return false, nil
		}
		delete(next.entries, key)
		return true, nil
	})
	if err != nil || !removed {
		return false, err
	}

	r.logger.Info("Connection removed", "type", connType.String(), "site", site.String())
	return true, nil
}

// List returns all entries ordered by connection type, then site.
func (r *Registry) List() []Entry {
	return r.current.Load().list(func(Key) bool { return true })
}

// PullConnections returns the registered pull entries.
func (r *Registry) PullConnections() []Entry {
	return r.current.Load().list(func(k Key) bool { return k.Type == domain.Pull })
}

// PushConnections returns the registered push entries.
func (r *Registry) PushConnections() []Entry {
	return r.current.Load().list(func(k Key) bool { return k.Type == domain.Push })
}

// IsEmpty reports whether no connection is registered.
func (r *Registry) IsEmpty() bool {
	return len(r.current.Load().entries) == 0
}

// FindPullByUUID returns the pull entry whose controller UUID equals id. The
// site addresses the controller by this UUID as TLS server name. Should a
// hand-edited file carry the UUID twice, the first entry in List order wins.
func (r *Registry) FindPullByUUID(id string) (Entry, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Entry{}, false
	}
	for _, entry := range r.PullConnections() {
		if entry.Connection.Trust.UUID == parsed {
			return entry, true
		}
	}
	return Entry{}, false
}

// Certificates lists the controller certificate of every entry for expiry
// monitoring.
func (r *Registry) Certificates() []ctltls.MonitoredCertificate {
	entries := r.List()
	certs := make([]ctltls.MonitoredCertificate, 0, len(entries))
	for _, e := range entries {
		certs = append(certs, ctltls.MonitoredCertificate{
			Name:           e.Type.String() + " " + e.Site.String(),
			CertificatePEM: e.Connection.Trust.Certificate,
		})
	}
	return certs
}

// Reload re-reads the registry file if it changed on disk since the current
// snapshot was taken. It reports whether a new snapshot was published. A
// failed reload keeps the previous snapshot.
func (r *Registry) Reload() (bool, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	modTime, err := fileModTime(r.path)
	if err != nil {
		return false, err
	}
	if modTime.Equal(r.current.Load().modTime) {
		return false, nil
	}

	snap, err := readSnapshot(r.path)
	if err != nil {
		return false, err
	}
	r.current.Store(snap)

	r.logger.Info("Registry reloaded", "path", r.path, "entries", len(snap.entries))
	return true, nil
}

// mutate applies fn to the current file content and persists the result
// when fn reports a change. The file is re-read under an advisory lock, so
// concurrent CLI invocations do not drop each other's entries.
func (r *Registry) mutate(fn func(next *snapshot) (bool, error)) (bool, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	unlock, err := lockFile(r.path)
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrRegistryIO, err)
	}
	defer unlock()

	latest, err := readSnapshot(r.path)
	if err != nil {
		return false, err
	}
	if !latest.modTime.Equal(r.current.Load().modTime) {
		r.current.Store(latest)
	}

	next := latest.clone()
	changed, err := fn(next)
	if err != nil || !changed {
		return false, err
	}
	if err := r.persist(next); err != nil {
		return false, err
	}
	return true, nil
}

// persist writes next to disk and publishes it. Caller holds writeMu and the
// file lock.
func (r *Registry) persist(next *snapshot) error {
	data, err := encodeFile(next.entries)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(r.path, data); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrRegistryIO, err)
	}

	if modTime, err := fileModTime(r.path); err == nil {
		next.modTime = modTime
	}
	r.current.Store(next)
	return nil
}

func (s *snapshot) clone() *snapshot {
	entries := make(map[Key]domain.TrustedConnectionWithRemote, len(s.entries)+1)
	for k, v := range s.entries {
		entries[k] = v
	}
	return &snapshot{entries: entries, modTime: s.modTime}
}

func (s *snapshot) list(keep func(Key) bool) []Entry {
	entries := make([]Entry, 0, len(s.entries))
	for key, conn := range s.entries {
		if keep(key) {
			entries = append(entries, Entry{Type: key.Type, Site: key.Site, Connection: conn})
		}
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := cmp.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return a.Site.Compare(b.Site)
	})
	return entries
}

func readSnapshot(path string) (*snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &snapshot{entries: make(map[Key]domain.TrustedConnectionWithRemote)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrRegistryIO, path, err)
	}

	entries, err := decodeFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	modTime, err := fileModTime(path)
	if err != nil {
		return nil, err
	}
	return &snapshot{entries: entries, modTime: modTime}, nil
}

func fileModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: stat %s: %w", domain.ErrRegistryIO, path, err)
	}
	return info.ModTime(), nil
}
