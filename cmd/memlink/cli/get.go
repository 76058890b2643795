package cli

import (
	"context"
	"fmt"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/manager"
)

// GetCmd shows a handle record.
type GetCmd struct {
	OutputFlags
	ID memlink.MemID `arg:"" name:"memid" help:"Handle to show (decimal or 0x hex)."`
}

// Run executes the get command.
func (c *GetCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	h, err := b.Get(ctx, c.ID)
	if err != nil {
		return err
	}

	output, err := render(h, &c.OutputFlags, func() string { return formatHandleDetail(h) })
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

// ListCmd lists handle records.
type ListCmd struct {
	OutputFlags
	All  bool   `help:"Include released records."`
	Role string `help:"Only list handles with this role: export or import."`
}

// Run executes the list command.
func (c *ListCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	handles, err := b.List(ctx, manager.ListFilter{Role: memlink.Role(c.Role), All: c.All})
	if err != nil {
		return err
	}

	if len(handles) == 0 && c.Format() == OutputFormatTable {
		return cli.PrintOut("No handles found\n")
	}
	if handles == nil {
		handles = []memlink.Handle{}
	}

	output, err := render(handles, &c.OutputFlags, func() string { return formatHandleTable(handles) })
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}
