package cli

import (
	"context"
	"fmt"

	"github.com/frobware/go-memlink/interpreter"
)

// OwnershipCmd changes the access held on a range of a memory device.
type OwnershipCmd struct {
	Device string  `name:"device" required:"" help:"Memory device path of an imported region."`
	Offset Address `name:"offset" help:"Start of the range within the device."`
	Length Size    `name:"length" required:"" help:"Length of the range."`
	Own    string  `arg:"" name:"ownership" enum:"none,read,write" help:"New ownership: none, read or write."`
}

// Run executes the ownership command.
func (c *OwnershipCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	err = b.SetOwnership(ctx, interpreter.OwnershipRequest{
		Device: c.Device,
		Offset: c.Offset.Value,
		Length: c.Length.Value,
		Own:    interpreter.Ownership(c.Own),
	})
	if err != nil {
		return err
	}
	return cli.PrintOutf("Set %s ownership on %s [0x%x, +%s)\n", c.Own, c.Device, c.Offset.Value, c.Length)
}
