package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	ctltls "github.com/polisai/polis-agent-ctl/internal/tls"
	"github.com/polisai/polis-agent-ctl/pkg/domain"
	"github.com/polisai/polis-agent-ctl/pkg/registry"
)

// statusEntry is one line of the status output.
type statusEntry struct {
	Type         string    `json:"type"`
	Site         string    `json:"site"`
	UUID         string    `json:"uuid"`
	ReceiverPort uint16    `json:"receiver_port,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	NotAfter     time.Time `json:"not_after,omitzero"`
	Certificate  string    `json:"certificate_status"`
	Error        string    `json:"error,omitempty"`
}

func newStatusEntry(entry registry.Entry, now time.Time) statusEntry {
	cert := ctltls.CheckCertificate(ctltls.MonitoredCertificate{
		Name:           entry.Site.String(),
		CertificatePEM: entry.Connection.Trust.Certificate,
	}, now)

	status := statusEntry{
		Type:         entry.Type.String(),
		Site:         entry.Site.String(),
		UUID:         entry.Connection.Trust.UUID.String(),
		ReceiverPort: entry.Connection.ReceiverPort,
		Certificate:  string(cert.Status),
	}
	if cert.Err != nil {
		status.Error = cert.Err.Error()
		return status
	}
	status.Subject = cert.Subject
	status.NotAfter = cert.NotAfter.UTC()
	return status
}

func (c *cli) newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List registered connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := c.openRegistry()
			if err != nil {
				return err
			}
			now := time.Now()
			entries := make([]statusEntry, 0)
			for _, entry := range reg.List() {
				entries = append(entries, newStatusEntry(entry, now))
			}
			if asJSON {
				return writeStatusJSON(cmd.OutOrStdout(), entries)
			}
			return writeStatusTable(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func writeStatusJSON(w io.Writer, entries []statusEntry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Connections []statusEntry `json:"connections"`
	}{entries})
}

func writeStatusTable(w io.Writer, entries []statusEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No connections registered.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSITE\tUUID\tRECEIVER PORT\tCERTIFICATE\tEXPIRES")
	for _, e := range entries {
		port := "-"
		if e.ReceiverPort != 0 {
			port = strconv.Itoa(int(e.ReceiverPort))
		}
		expires := e.Error
		if e.Error == "" {
			expires = e.NotAfter.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.Type, e.Site, e.UUID, port, e.Certificate, expires)
	}
	return tw.Flush()
}

func (c *cli) newImportCmd() *cobra.Command {
	var connType string
	cmd := &cobra.Command{
		Use:   "import <server/site>",
		Short: "Register trust material for a site",
		Long: `Reads a connection document from stdin and registers it for the site:

  {"uuid": "...", "private_key": "...", "certificate": "...",
   "root_cert": "...", "receiver_port": 8000}

An existing registration of the same type is replaced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			site, err := domain.ParseSiteID(args[0])
			if err != nil {
				return err
			}
			typ, err := domain.ParseConnectionType(connType)
			if err != nil {
				return err
			}

			var doc registry.FileEntry
			if err := json.NewDecoder(cmd.InOrStdin()).Decode(&doc); err != nil {
				return fmt.Errorf("read connection document: %w", err)
			}
			conn := doc.ToConnection()
			if missing := conn.Trust.Missing(); len(missing) > 0 {
				return fmt.Errorf("connection document is missing %v", missing)
			}
			if typ == domain.Push && conn.ReceiverPort == 0 {
				return fmt.Errorf("%w: push connections need receiver_port", domain.ErrConfigInvalid)
			}

			reg, err := c.openRegistry()
			if err != nil {
				return err
			}
			if err := reg.RegisterConnection(typ, site, conn); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s connection for %s (uuid %s)\n", typ, site, conn.Trust.UUID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&connType, "type", "t", "pull", "Connection type (pull, push)")
	return cmd
}

func (c *cli) newDeleteCmd() *cobra.Command {
	var connType string
	cmd := &cobra.Command{
		Use:   "delete <server/site>",
		Short: "Remove the registration of a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			site, err := domain.ParseSiteID(args[0])
			if err != nil {
				return err
			}
			types := []domain.ConnectionType{domain.Pull, domain.Push}
			if connType != "" {
				typ, err := domain.ParseConnectionType(connType)
				if err != nil {
					return err
				}
				types = []domain.ConnectionType{typ}
			}

			reg, err := c.openRegistry()
			if err != nil {
				return err
			}
			removed := 0
			for _, typ := range types {
				ok, err := reg.RemoveConnection(typ, site)
				if err != nil {
					return err
				}
				if ok {
					removed++
					fmt.Fprintf(cmd.OutOrStdout(), "Removed %s connection for %s\n", typ, site)
				}
			}
			if removed == 0 {
				return fmt.Errorf("%w for %s", domain.ErrNotRegistered, site)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&connType, "type", "t", "", "Connection type (pull, push); both when empty")
	return cmd
}
