package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/usbipd-go/usbipd/internal/enumerator"
	"github.com/usbipd-go/usbipd/internal/registry"
)

// List enumerates local USB devices alongside their sharing/attachment
// state (§6 "list"), plus the supplemented machine-readable format from
// SPEC_FULL §7 ("state" / usbipd-win's list --usbip-path equivalent).
type List struct {
	Format string `help:"Output format" enum:"text,json" default:"text"`
}

type listEntry struct {
	BusId       string `json:"busId"`
	Description string `json:"description"`
	Shared      bool   `json:"shared"`
	Present     bool   `json:"present"`
	Attached    bool   `json:"attached"`
	ClientAddr  string `json:"clientAddress,omitempty"`
}

func (l *List) Run(logger *slog.Logger) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	enum := enumerator.NewGousbEnumerator()
	defer enum.Close()

	connected, err := enum.ListConnected(context.Background(), false)
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	present := make(map[string]bool, len(connected))
	for _, d := range connected {
		present[d.BusId] = true
	}

	shared, err := reg.ListShared()
	if err != nil {
		return fmt.Errorf("list shared devices: %w", err)
	}
	sharedByBusId := make(map[string]registry.SharedDevice, len(shared))
	for _, s := range shared {
		sharedByBusId[s.BusId] = s
	}

	entries := make([]listEntry, 0, len(connected)+len(shared))
	for _, d := range connected {
		s, isShared := sharedByBusId[d.BusId]
		e := listEntry{BusId: d.BusId, Present: true, Shared: isShared}
		if isShared {
			e.Description = s.StubDescription
			e.Attached = s.Attachment.Attached
			e.ClientAddr = s.Attachment.ClientAddress
		}
		entries = append(entries, e)
	}
	for _, s := range shared {
		if present[s.BusId] {
			continue
		}
		entries = append(entries, listEntry{
			BusId:       s.BusId,
			Description: s.StubDescription,
			Shared:      true,
			Present:     false,
			Attached:    s.Attachment.Attached,
			ClientAddr:  s.Attachment.ClientAddress,
		})
	}

	if l.Format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	return writeListTable(entries)
}

func writeListTable(entries []listEntry) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BUSID\tPRESENT\tSHARED\tATTACHED\tDESCRIPTION")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%t\t%t\t%t\t%s\n", e.BusId, e.Present, e.Shared, e.Attached, e.Description)
	}
	return w.Flush()
}
