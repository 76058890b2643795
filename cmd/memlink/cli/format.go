package cli

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"k8s.io/client-go/util/jsonpath"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/manager"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// render formats v according to flags. table produces the human form.
func render(v any, flags *OutputFlags, table func() string) (string, error) {
	switch flags.Format() {
	case OutputFormatJSON:
		return formatJSON(v)
	case OutputFormatJSONPath:
		return formatJSONPath(v, flags.JSONPathExpr())
	default:
		return table(), nil
	}
}

func formatJSON(v any) (string, error) {
	output, err := jsonAPI.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(output) + "\n", nil
}

func formatJSONPath(v any, expr string) (string, error) {
	jp := jsonpath.New("output")
	if err := jp.Parse(expr); err != nil {
		return "", fmt.Errorf("invalid jsonpath expression %q: %w", expr, err)
	}

	// jsonpath walks generic values, so round-trip through JSON.
	raw, err := jsonAPI.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	var data any
	if err := jsonAPI.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("failed to unmarshal: %w", err)
	}

	var buf bytes.Buffer
	if err := jp.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("jsonpath execution failed: %w", err)
	}
	return buf.String() + "\n", nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatNUMA(n int) string {
	if n == memlink.NoNUMA {
		return "-"
	}
	return fmt.Sprintf("%d", n)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatHandleTable renders one line per handle.
func formatHandleTable(handles []memlink.Handle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s %-7s %-9s %-10s %-5s %-8s %s\n", "MEMID", "ROLE", "STATE", "LENGTH", "NUMA", "PEER", "OWNER")
	for _, h := range handles {
		peer := "-"
		if h.PeerID.Valid() {
			peer = fmt.Sprintf("%d", h.PeerID)
		}
		fmt.Fprintf(&b, "%-8d %-7s %-9s %-10s %-5s %-8s %s\n",
			h.ID, h.Role, h.State, humanize.IBytes(h.Length), formatNUMA(h.NUMA), peer, orDash(h.Owner))
	}
	return b.String()
}

// formatHandleDetail renders a single handle as key/value lines.
func formatHandleDetail(h memlink.Handle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "memid:      %d\n", h.ID)
	fmt.Fprintf(&b, "role:       %s\n", h.Role)
	fmt.Fprintf(&b, "state:      %s\n", h.State)
	fmt.Fprintf(&b, "flags:      %s\n", orDash(h.Flags.String()))
	fmt.Fprintf(&b, "length:     %s\n", humanize.IBytes(h.Length))
	if h.Role == memlink.RoleExport {
		fmt.Fprintf(&b, "nodes:      %s\n", orDash(h.Lengths.String()))
	} else {
		fmt.Fprintf(&b, "numa:       %s\n", formatNUMA(h.NUMA))
		fmt.Fprintf(&b, "base_dist:  %d\n", h.BaseDist)
		if h.PeerID.Valid() {
			fmt.Fprintf(&b, "peer:       %d\n", h.PeerID)
		}
	}
	fmt.Fprintf(&b, "owner:      %s\n", orDash(h.Owner))
	fmt.Fprintf(&b, "digest:     %016x\n", h.Digest)
	if h.Persisted {
		fmt.Fprintf(&b, "descfile:   memdesc_%d.json\n", h.ID)
	}
	fmt.Fprintf(&b, "created:    %s\n", formatTime(h.CreatedAt))
	if h.ReleasedAt != nil {
		fmt.Fprintf(&b, "released:   %s\n", formatTime(*h.ReleasedAt))
	}
	return b.String()
}

// formatDescTable renders a descriptor's fields.
func formatDescTable(d memlink.MemDesc[memlink.PrivData]) string {
	var b strings.Builder
	fmt.Fprintf(&b, "addr:       0x%x\n", d.Addr)
	fmt.Fprintf(&b, "length:     %s (%d)\n", humanize.IBytes(d.Length), d.Length)
	fmt.Fprintf(&b, "seid:       %s\n", d.SEID)
	fmt.Fprintf(&b, "deid:       %s\n", d.DEID)
	fmt.Fprintf(&b, "tokenid:    %d\n", d.TokenID)
	fmt.Fprintf(&b, "scna:       %d\n", d.SCNA)
	fmt.Fprintf(&b, "dcna:       %d\n", d.DCNA)
	fmt.Fprintf(&b, "priv_len:   %d\n", d.PrivLen)
	fmt.Fprintf(&b, "priv_data:  %s\n", orDash(d.PrivData.String()))
	return b.String()
}

// formatDoctorReport groups findings by category.
func formatDoctorReport(report manager.DoctorReport) string {
	if len(report.Findings) == 0 {
		return "All checks passed. Handle records and descriptor files are coherent.\n"
	}

	var b strings.Builder
	var errorCount, warningCount int
	lastCategory := ""
	for _, f := range report.Findings {
		category := categoryHeading(f.Category)
		if category != lastCategory {
			if lastCategory != "" {
				b.WriteString("\n")
			}
			b.WriteString(category + "\n")
			lastCategory = category
		}
		fmt.Fprintf(&b, "  %-7s  %s\n", f.Severity, f.Description)
		switch f.Severity {
		case manager.SeverityError:
			errorCount++
		case manager.SeverityWarning:
			warningCount++
		}
	}
	fmt.Fprintf(&b, "\nSummary: %d error(s), %d warning(s)\n", errorCount, warningCount)
	return b.String()
}

func categoryHeading(cat string) string {
	switch cat {
	case "record":
		return "Checking handle records..."
	case "record-vs-file":
		return "Checking handle records vs descriptor files..."
	case "file":
		return "Checking descriptor files..."
	case "file-vs-record":
		return "Checking descriptor files for orphans..."
	default:
		return cat
	}
}
