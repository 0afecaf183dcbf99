package domain

import (
	"cmp"
	"fmt"
	"strings"
)

// SiteID identifies a monitoring site as a (server, site name) pair.
type SiteID struct {
	Server string
	Site   string
}

// ParseSiteID parses the "server/site" notation used throughout the registry
// and on the command line.
func ParseSiteID(raw string) (SiteID, error) {
	server, site, found := strings.Cut(raw, "/")
	if !found {
		return SiteID{}, fmt.Errorf("%w: %q: expected <server>/<site>", ErrInvalidSiteFormat, raw)
	}
	if server == "" || site == "" {
		return SiteID{}, fmt.Errorf("%w: %q: server and site must not be empty", ErrInvalidSiteFormat, raw)
	}
	if strings.Contains(site, "/") {
		return SiteID{}, fmt.Errorf("%w: %q: too many separators", ErrInvalidSiteFormat, raw)
	}
	return SiteID{Server: server, Site: site}, nil
}

// String renders the site in "server/site" form.
func (s SiteID) String() string {
	return s.Server + "/" + s.Site
}

// Compare orders sites by server, then by site name.
func (s SiteID) Compare(other SiteID) int {
	if c := cmp.Compare(s.Server, other.Server); c != 0 {
		return c
	}
	return cmp.Compare(s.Site, other.Site)
}

// Less reports whether s sorts before other.
func (s SiteID) Less(other SiteID) bool {
	return s.Compare(other) < 0
}

// MarshalText lets SiteID act as a JSON object key.
func (s SiteID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SiteID) UnmarshalText(text []byte) error {
	parsed, err := ParseSiteID(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
