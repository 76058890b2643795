package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/manager"
)

// exportResult is the structured output of the export commands.
type exportResult struct {
	Handle     memlink.Handle                    `json:"handle"`
	Descriptor memlink.MemDesc[memlink.PrivData] `json:"descriptor"`
	Path       string                            `json:"path"`
}

func newExportResult(exp manager.Exported[memlink.PrivData]) exportResult {
	return exportResult{Handle: exp.Handle, Descriptor: exp.Desc, Path: exp.Path}
}

func (r exportResult) table() string {
	return fmt.Sprintf("%-8s %-10s %-20s %s\n%-8d %-10s 0x%-18x %s\n",
		"MEMID", "LENGTH", "ADDR", "DESCRIPTOR",
		r.Handle.ID, humanize.IBytes(r.Handle.Length), r.Descriptor.Addr, r.Path)
}

// ExportCmd allocates and exports a region.
type ExportCmd struct {
	OutputFlags
	AttrFlags
	Node []string `name:"node" required:"" sep:"none" help:"NODE=SIZE to allocate, e.g. 1=128MiB (can be repeated)."`
}

// Run executes the export command.
func (c *ExportCmd) Run(cli *CLI, ctx context.Context) error {
	lengths, err := memlink.ParseNodeLengths(strings.Join(c.Node, ","))
	if err != nil {
		return err
	}

	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	cfg := b.Config()
	exp, err := b.Export(ctx, manager.ExportRequest[memlink.PrivData]{
		Lengths: lengths,
		Flags:   c.AttrFlags.flags(cfg.Export.Flags),
		DEID:    c.DEID,
		Attrs:   c.AttrFlags.priv(cfg.Export.Priv),
		Owner:   c.Owner,
	})
	if err != nil {
		return err
	}

	res := newExportResult(exp)
	output, err := render(res, &c.OutputFlags, res.table)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

// ExportVACmd exports an existing user address range.
type ExportVACmd struct {
	OutputFlags
	AttrFlags
	PID    int     `name:"pid" help:"Process owning the range; 0 is the calling process."`
	VA     Address `name:"va" required:"" help:"Start of the virtual address range."`
	Length Size    `name:"length" required:"" help:"Length of the range, e.g. 2MiB."`
}

// Run executes the export-va command.
func (c *ExportVACmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	cfg := b.Config()
	exp, err := b.ExportUserAddr(ctx, manager.UserAddrExportRequest[memlink.PrivData]{
		PID:    c.PID,
		VA:     c.VA.Value,
		Length: c.Length.Value,
		Flags:  c.AttrFlags.flags(cfg.Export.Flags),
		DEID:   c.DEID,
		Attrs:  c.AttrFlags.priv(cfg.Export.Priv),
		Owner:  c.Owner,
	})
	if err != nil {
		return err
	}

	res := newExportResult(exp)
	output, err := render(res, &c.OutputFlags, res.table)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

// UnexportCmd releases an exported region.
type UnexportCmd struct {
	ID    memlink.MemID `arg:"" name:"memid" help:"Handle to release (decimal or 0x hex)."`
	Force bool          `help:"Release even if importers remain."`
}

// Run executes the unexport command.
func (c *UnexportCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	var flags memlink.UnexportFlags
	if c.Force {
		flags = memlink.UnexportForce
	}
	if err := b.Unexport(ctx, c.ID, flags); err != nil {
		return err
	}
	return cli.PrintOutf("Unexported %d\n", c.ID)
}
