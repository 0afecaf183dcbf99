package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ConnectionType is the direction in which a monitoring connection is
// established.
type ConnectionType int

const (
	// Pull connections are initiated by the monitoring site.
	Pull ConnectionType = iota
	// Push connections are initiated by the controller.
	Push
)

// String returns the lower-case name used in the registry file.
func (t ConnectionType) String() string {
	switch t {
	case Pull:
		return "pull"
	case Push:
		return "push"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseConnectionType parses "pull" or "push".
func ParseConnectionType(raw string) (ConnectionType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pull":
		return Pull, nil
	case "push":
		return Push, nil
	default:
		return 0, fmt.Errorf("unknown connection type %q", raw)
	}
}

// TrustedConnection is the trust material for one site relationship. All key
// and certificate fields are PEM encoded.
type TrustedConnection struct {
	// UUID identifies this controller installation towards the site.
	UUID        uuid.UUID `json:"uuid"`
	PrivateKey  string    `json:"private_key"`
	Certificate string    `json:"certificate"`
	// RootCert validates the counterpart's certificate chain.
	RootCert string `json:"root_cert"`
}

// TrustedConnectionWithRemote adds the receiver port used for push
// connections.
type TrustedConnectionWithRemote struct {
	Trust        TrustedConnection
	ReceiverPort uint16
}

// Missing returns the names of required fields that are empty.
func (c TrustedConnection) Missing() []string {
	var missing []string
	if c.UUID == uuid.Nil {
		missing = append(missing, "uuid")
	}
	if strings.TrimSpace(c.PrivateKey) == "" {
		missing = append(missing, "private_key")
	}
	if strings.TrimSpace(c.Certificate) == "" {
		missing = append(missing, "certificate")
	}
	if strings.TrimSpace(c.RootCert) == "" {
		missing = append(missing, "root_cert")
	}
	return missing
}
