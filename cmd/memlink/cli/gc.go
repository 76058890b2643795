package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/frobware/go-memlink/manager"
)

// GCCmd removes descriptor files that no live handle owns.
type GCCmd struct {
	OutputFlags
	Apply   bool          `help:"Remove the files; without this only the plan is printed."`
	Orphans bool          `help:"Also collect files with no handle record at all. Unsafe on a descriptor directory shared with other nodes."`
	MinAge  time.Duration `name:"min-age" default:"5m" help:"Minimum age of an orphan file before it is collected."`
	Max     int           `name:"max" help:"Remove at most this many files (0 means no limit)."`
}

type gcOutput struct {
	Plan   manager.GCPlan   `json:"plan"`
	Result manager.GCResult `json:"result"`
}

// Run executes the gc command.
func (c *GCCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	cfg := manager.DefaultGCConfig()
	cfg.DryRun = !c.Apply
	cfg.IncludeOrphans = c.Orphans
	cfg.MinOrphanAge = c.MinAge
	cfg.MaxDeletions = c.Max

	plan, res, err := b.GC(ctx, cfg)
	if err != nil {
		return err
	}

	out := gcOutput{Plan: plan, Result: res}
	output, err := render(out, &c.OutputFlags, func() string { return formatGC(out, c.Apply) })
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

func formatGC(out gcOutput, applied bool) string {
	if len(out.Plan.Items) == 0 {
		return "Nothing to collect.\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-8s %-20s %-10s %s\n", "MEMID", "REASON", "AGE", "PATH")
	for _, item := range out.Plan.Items {
		fmt.Fprintf(&b, "%-8d %-20s %-10s %s\n", item.ID, item.Reason, item.Age.Truncate(time.Second), item.Path)
	}
	if !applied {
		fmt.Fprintf(&b, "\nDry run: %d file(s) would be removed. Re-run with --apply.\n", len(out.Plan.Items))
		return b.String()
	}
	fmt.Fprintf(&b, "\nRemoved %d, failed %d, skipped %d\n", out.Result.Deleted, out.Result.Failed, out.Result.Skipped)
	for _, r := range out.Result.Items {
		if r.Error != "" {
			fmt.Fprintf(&b, "  %d: %s\n", r.Item.ID, r.Error)
		}
	}
	return b.String()
}
