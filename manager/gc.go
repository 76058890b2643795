package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/interpreter/store"
)

// GCConfig configures descriptor garbage collection.
type GCConfig struct {
	// Now is the reference time for age calculations. If zero,
	// time.Now() is used.
	Now time.Time

	// MinOrphanAge is the minimum age an orphan descriptor must
	// reach before it is collected. This keeps files written by an
	// export that has not committed its record yet.
	// Default: 5 minutes.
	MinOrphanAge time.Duration

	// IncludeOrphans collects descriptor files that have no handle
	// record at all. A descriptor directory shared between nodes
	// holds peer descriptors that look the same, so this is off by
	// default.
	IncludeOrphans bool

	// DryRun prevents any modifications when true.
	DryRun bool

	// MaxDeletions limits how many items can be deleted in one run.
	// Zero means no limit.
	MaxDeletions int
}

// DefaultGCConfig returns a GCConfig that only reports.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		Now:          time.Now(),
		MinOrphanAge: 5 * time.Minute,
		DryRun:       true,
	}
}

// GCReason describes why an item is considered garbage.
type GCReason string

const (
	// GCReleasedDescriptor is a descriptor file left behind by a
	// release that recorded the tombstone but crashed before removing
	// the file.
	GCReleasedDescriptor GCReason = "released_descriptor"

	// GCOrphanDescriptor is a descriptor file no persisted handle
	// record owns, left by an export that crashed between writing the
	// file and committing the record, or by a peer.
	GCOrphanDescriptor GCReason = "orphan_descriptor"
)

// GCItem represents a single item identified for garbage collection.
type GCItem struct {
	Reason GCReason      `json:"reason"`
	ID     memlink.MemID `json:"mem_id"`
	Path   string        `json:"path"`
	Age    time.Duration `json:"age"`
}

// GCPlan contains the items identified for garbage collection.
type GCPlan struct {
	Items    []GCItem  `json:"items"`
	Config   GCConfig  `json:"-"`
	PlanTime time.Time `json:"plan_time"`
}

// CountByReason returns counts grouped by reason.
func (p GCPlan) CountByReason() map[GCReason]int {
	counts := make(map[GCReason]int)
	for _, item := range p.Items {
		counts[item.Reason]++
	}
	return counts
}

// GCItemResult records the outcome of attempting to clean up an item.
type GCItemResult struct {
	Item    GCItem `json:"item"`
	Deleted bool   `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

// GCResult summarises the outcome of applying a GC plan.
type GCResult struct {
	Attempted int            `json:"attempted"`
	Deleted   int            `json:"deleted"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"` // DryRun or MaxDeletions
	Items     []GCItemResult `json:"items"`
}

// PlanGC discovers which descriptor files would be removed and why,
// without side effects.
func (m *Manager[T]) PlanGC(ctx context.Context, cfg GCConfig) (GCPlan, error) {
	if cfg.Now.IsZero() {
		cfg.Now = time.Now()
	}
	if cfg.MinOrphanAge == 0 {
		cfg.MinOrphanAge = 5 * time.Minute
	}
	plan := GCPlan{Config: cfg, PlanTime: cfg.Now}

	files, err := m.descs.List()
	if err != nil {
		return plan, fmt.Errorf("list descriptors: %w", err)
	}

	cutoff := cfg.Now.Add(-cfg.MinOrphanAge)
	for _, id := range files {
		path := m.descs.Path(id)
		info, err := os.Stat(path)
		if err != nil {
			// Removed since List.
			continue
		}
		age := cfg.Now.Sub(info.ModTime())

		h, err := m.store.GetHandle(ctx, id)
		switch {
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return plan, fmt.Errorf("get handle %d: %w", id, err)
		case err == nil && h.Persisted:
			if h.State == memlink.StateReleased {
				plan.Items = append(plan.Items, GCItem{Reason: GCReleasedDescriptor, ID: id, Path: path, Age: age})
			}
		default:
			// No record of ours wrote this file. An import that did
			// not persist can share its number with a peer export.
			if !cfg.IncludeOrphans || info.ModTime().After(cutoff) {
				continue
			}
			plan.Items = append(plan.Items, GCItem{Reason: GCOrphanDescriptor, ID: id, Path: path, Age: age})
		}
	}

	m.logger.DebugContext(ctx, "planned gc", "files", len(files), "items", len(plan.Items))
	return plan, nil
}

// ApplyGC executes a GC plan, returning per-item results.
func (m *Manager[T]) ApplyGC(ctx context.Context, plan GCPlan) (GCResult, error) {
	ctx = ensureOpID(ctx)
	result := GCResult{
		Items: make([]GCItemResult, 0, len(plan.Items)),
	}

	if plan.Config.DryRun {
		for _, item := range plan.Items {
			result.Items = append(result.Items, GCItemResult{Item: item})
		}
		result.Skipped = len(plan.Items)
		return result, nil
	}

	for _, item := range plan.Items {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if plan.Config.MaxDeletions > 0 && result.Deleted >= plan.Config.MaxDeletions {
			result.Skipped++
			result.Items = append(result.Items, GCItemResult{Item: item})
			continue
		}

		result.Attempted++
		itemResult := GCItemResult{Item: item}
		if err := m.descs.Remove(item.ID); err != nil {
			itemResult.Error = err.Error()
			result.Failed++
			m.logger.WarnContext(ctx, "gc remove failed", "mem_id", item.ID, "reason", item.Reason, "error", err)
		} else {
			itemResult.Deleted = true
			result.Deleted++
			m.logger.InfoContext(ctx, "gc removed descriptor", "mem_id", item.ID, "reason", item.Reason, "path", item.Path)
		}
		result.Items = append(result.Items, itemResult)
	}

	return result, nil
}
