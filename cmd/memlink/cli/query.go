package cli

import (
	"context"
	"fmt"

	"github.com/frobware/go-memlink"
)

// QueryCmd groups the address translation subcommands.
type QueryCmd struct {
	PA    QueryPACmd    `cmd:"" name:"pa" help:"Physical address of an offset within a handle's region."`
	MemID QueryMemIDCmd `cmd:"" name:"memid" help:"Handle and offset covering a physical address."`
}

type queryResult struct {
	ID     memlink.MemID `json:"mem_id"`
	Offset uint64        `json:"offset"`
	PA     uint64        `json:"pa"`
}

func (r queryResult) table() string {
	return fmt.Sprintf("%-8s %-12s %s\n%-8d 0x%-10x 0x%x\n", "MEMID", "OFFSET", "PA", r.ID, r.Offset, r.PA)
}

// QueryPACmd resolves MEMID+OFFSET to a physical address.
type QueryPACmd struct {
	OutputFlags
	ID     memlink.MemID `arg:"" name:"memid" help:"Handle to translate."`
	Offset Address       `arg:"" optional:"" name:"offset" help:"Byte offset within the region."`
}

// Run executes the query pa command.
func (c *QueryPACmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	pa, err := b.QueryPAByMemID(ctx, c.ID, c.Offset.Value)
	if err != nil {
		return err
	}

	res := queryResult{ID: c.ID, Offset: c.Offset.Value, PA: pa}
	output, err := render(res, &c.OutputFlags, res.table)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

// QueryMemIDCmd resolves a physical address to the handle covering it.
type QueryMemIDCmd struct {
	OutputFlags
	PA Address `arg:"" name:"pa" help:"Physical address to translate."`
}

// Run executes the query memid command.
func (c *QueryMemIDCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	id, offset, err := b.QueryMemIDByPA(ctx, c.PA.Value)
	if err != nil {
		return err
	}

	res := queryResult{ID: id, Offset: offset, PA: c.PA.Value}
	output, err := render(res, &c.OutputFlags, res.table)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}
