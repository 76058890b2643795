package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/codec"
	"github.com/frobware/go-memlink/manager"
)

// importResult is the structured output of the import command.
type importResult struct {
	Handle memlink.Handle `json:"handle"`
	NUMA   int            `json:"numa"`
}

func (r importResult) table() string {
	return fmt.Sprintf("%-8s %-8s %s\n%-8d %-8s %s\n",
		"MEMID", "PEER", "NUMA",
		r.Handle.ID, orDash(peerString(r.Handle.PeerID)), formatNUMA(r.NUMA))
}

func peerString(id memlink.MemID) string {
	if !id.Valid() {
		return ""
	}
	return fmt.Sprintf("%d", id)
}

// ImportCmd imports a region from its descriptor. The descriptor
// comes from exactly one of: the descriptor store entry for MEMID, a
// file, or standard input.
type ImportCmd struct {
	OutputFlags
	ImportFlags
	ID      string `arg:"" optional:"" name:"memid" help:"Exporter's handle whose descriptor is in the descriptor directory."`
	File    string `name:"file" type:"existingfile" help:"Read the descriptor from FILE."`
	Stdin   bool   `name:"stdin" help:"Read the descriptor from standard input."`
	Persist bool   `help:"Also persist the descriptor under the new local handle."`
	Owner   string `help:"Owner tag recorded with the handle."`
}

// Validate checks that exactly one descriptor source was given.
func (c *ImportCmd) Validate() error {
	n := 0
	for _, set := range []bool{c.ID != "", c.File != "", c.Stdin} {
		if set {
			n++
		}
	}
	if n != 1 {
		return errors.New("exactly one of MEMID, --file or --stdin is required")
	}
	return nil
}

// Run executes the import command.
func (c *ImportCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	cfg := b.Config()
	opts := manager.ImportOpts{
		Flags:    c.ImportFlags.flags(cfg.Import.Flags),
		BaseDist: c.baseDist(cfg.Import.BaseDist),
		NUMA:     c.NUMA,
		Persist:  c.Persist,
		Owner:    c.Owner,
	}

	var imp manager.Imported
	if c.ID != "" {
		peer, err := memlink.ParseMemID(c.ID)
		if err != nil {
			return err
		}
		imp, err = b.ImportByID(ctx, peer, opts)
		if err != nil {
			return err
		}
	} else {
		desc, err := c.readDesc(cli)
		if err != nil {
			return err
		}
		imp, err = b.Import(ctx, desc, opts)
		if err != nil {
			return err
		}
	}

	res := importResult{Handle: imp.Handle, NUMA: imp.NUMA}
	output, err := render(res, &c.OutputFlags, res.table)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

func (c *ImportCmd) readDesc(cli *CLI) (memlink.MemDesc[memlink.PrivData], error) {
	var data []byte
	var err error
	if c.Stdin {
		data, err = io.ReadAll(cli.in())
	} else {
		data, err = os.ReadFile(c.File)
	}
	if err != nil {
		return memlink.MemDesc[memlink.PrivData]{}, fmt.Errorf("read descriptor: %w", err)
	}
	return codec.Decode[memlink.PrivData](data)
}

// UnimportCmd releases an imported region.
type UnimportCmd struct {
	ID    memlink.MemID       `arg:"" name:"memid" help:"Handle to release (decimal or 0x hex)."`
	Flags memlink.ExportFlags `name:"flags" help:"Flags passed to the provider on release, e.g. 'ALLOWMMAP'."`
}

// Run executes the unimport command.
func (c *UnimportCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	if err := b.Unimport(ctx, c.ID, c.Flags); err != nil {
		return err
	}
	return cli.PrintOutf("Unimported %d\n", c.ID)
}
