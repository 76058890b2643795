package manager

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/codec"
	"github.com/frobware/go-memlink/interpreter"
)

// doctorConcurrency bounds the descriptor files read at once.
const doctorConcurrency = 8

// Severity indicates the severity of a doctor finding.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarning
	SeverityError
)

// String returns a human-readable label for the severity.
func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "OK"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the severity label.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Finding describes a single coherency check result.
type Finding struct {
	Severity    Severity      `json:"severity"`
	Category    string        `json:"category"`
	ID          memlink.MemID `json:"mem_id"`
	Description string        `json:"description"`
}

// DoctorReport contains the results of a coherency check.
type DoctorReport struct {
	Findings []Finding `json:"findings"`
}

// HasErrors returns true if any finding has error severity.
func (r DoctorReport) HasErrors() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any finding has warning severity.
func (r DoctorReport) HasWarnings() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityWarning {
			return true
		}
	}
	return false
}

// Doctor performs a read-only coherency check between live handle
// records and the descriptor store.
func (m *Manager[T]) Doctor(ctx context.Context) (DoctorReport, error) {
	var report DoctorReport

	// Phase 1: Gather state.

	live, err := m.store.ListHandles(ctx, interpreter.HandleFilter{})
	if err != nil {
		return report, fmt.Errorf("list handles: %w", err)
	}
	files, err := m.descs.List()
	if err != nil {
		return report, fmt.Errorf("list descriptors: %w", err)
	}
	onDisk := make(map[memlink.MemID]bool, len(files))
	for _, id := range files {
		onDisk[id] = true
	}

	// Phase 2: Records vs descriptor files.

	results := make([][]Finding, len(live))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(doctorConcurrency)
	for i, h := range live {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = m.checkHandle(h, onDisk[h.ID])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	for _, r := range results {
		report.Findings = append(report.Findings, r...)
	}

	// Phase 3: Descriptor files vs records.

	liveIDs := make(map[memlink.MemID]bool, len(live))
	for _, h := range live {
		if h.Persisted {
			liveIDs[h.ID] = true
		}
	}
	for _, id := range files {
		if !liveIDs[id] {
			report.Findings = append(report.Findings, Finding{
				Severity:    SeverityWarning,
				Category:    "file-vs-record",
				ID:          id,
				Description: fmt.Sprintf("Descriptor %s has no live handle (peer descriptor or leftover)", m.descs.Path(id)),
			})
		}
	}

	m.logger.InfoContext(ctx, "doctor finished", "handles", len(live), "files", len(files), "findings", len(report.Findings))
	return report, nil
}

func roleTitle(r memlink.Role) string {
	if r == memlink.RoleExport {
		return "Export"
	}
	return "Import"
}

// checkHandle compares one live record with its descriptor file.
func (m *Manager[T]) checkHandle(h memlink.Handle, present bool) []Finding {
	var findings []Finding
	add := func(sev Severity, category, format string, args ...any) {
		findings = append(findings, Finding{
			Severity:    sev,
			Category:    category,
			ID:          h.ID,
			Description: fmt.Sprintf(format, args...),
		})
	}

	if codec.Digest([]byte(h.Descriptor)) != h.Digest {
		add(SeverityError, "record", "Handle %d: recorded descriptor does not match its digest %016x", h.ID, h.Digest)
	}

	// A file under the number of an unpersisted import is not ours.
	if !h.Persisted {
		return findings
	}
	if !present {
		add(SeverityError, "record-vs-file", "%s %d has no descriptor file (%s)", roleTitle(h.Role), h.ID, m.descs.Path(h.ID))
		return findings
	}

	data, err := m.descs.Get(h.ID)
	if err != nil {
		add(SeverityError, "file", "Handle %d: %v", h.ID, err)
		return findings
	}
	if _, err := codec.Decode[T](data); err != nil {
		add(SeverityError, "file", "Handle %d: %s: %v", h.ID, m.descs.Path(h.ID), err)
		return findings
	}
	if digest := codec.Digest(data); digest != h.Digest {
		add(SeverityError, "record-vs-file", "Handle %d: descriptor file digest %016x, recorded %016x", h.ID, digest, h.Digest)
	}
	return findings
}
