package cli

import (
	"context"
	"fmt"
	"time"
)

// PruneCmd deletes released handle records.
type PruneCmd struct {
	OlderThan time.Duration `name:"older-than" default:"24h" help:"Only prune records released longer ago than this."`
}

// Run executes the prune command.
func (c *PruneCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	n, err := b.Prune(ctx, c.OlderThan)
	if err != nil {
		return err
	}
	return cli.PrintOutf("Pruned %d released record(s)\n", n)
}
