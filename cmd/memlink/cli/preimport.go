package cli

import (
	"context"
	"fmt"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/interpreter"
)

// PreimportFlags describe the remote range shared by preimport and
// unpreimport.
type PreimportFlags struct {
	PA       Address             `name:"pa" required:"" help:"Start of the remote physical range."`
	Length   Size                `name:"length" required:"" help:"Length of the range, e.g. 1GiB."`
	BaseDist int                 `name:"base-dist" help:"Base NUMA distance for the new node."`
	NUMA     int                 `name:"numa" default:"-1" help:"Requested local node; -1 lets the provider choose."`
	SEID     memlink.EID         `name:"seid" help:"Source entity id (32 hex digits)."`
	DEID     memlink.EID         `name:"deid" help:"Destination entity id (32 hex digits)."`
	SCNA     uint32              `name:"scna" help:"Source CNA."`
	DCNA     uint32              `name:"dcna" help:"Destination CNA."`
	Priv     memlink.PrivData    `name:"priv" help:"Attribute set, e.g. 'OCHIP | CACHEABLE'."`
	Flags    memlink.ExportFlags `name:"flags" help:"Import flags."`
}

func (f PreimportFlags) info() interpreter.PreimportInfo {
	return interpreter.PreimportInfo{
		PA:       f.PA.Value,
		Length:   f.Length.Value,
		BaseDist: f.BaseDist,
		NUMA:     f.NUMA,
		SEID:     f.SEID,
		DEID:     f.DEID,
		SCNA:     f.SCNA,
		DCNA:     f.DCNA,
		Priv:     f.Priv.AppendPriv(nil),
	}
}

// PreimportCmd declares a remote range ahead of import.
type PreimportCmd struct {
	OutputFlags
	PreimportFlags
}

type preimportResult struct {
	NUMA int `json:"numa"`
}

// Run executes the preimport command.
func (c *PreimportCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	numa, err := b.Preimport(ctx, c.info(), c.Flags)
	if err != nil {
		return err
	}

	res := preimportResult{NUMA: numa}
	output, err := render(res, &c.OutputFlags, func() string {
		return fmt.Sprintf("Preimported range on NUMA node %s\n", formatNUMA(numa))
	})
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

// UnpreimportCmd withdraws a preimport declaration.
type UnpreimportCmd struct {
	PreimportFlags
}

// Run executes the unpreimport command.
func (c *UnpreimportCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	if err := b.Unpreimport(ctx, c.info(), c.Flags); err != nil {
		return err
	}
	return cli.PrintOutf("Unpreimported 0x%x\n", c.PA.Value)
}
