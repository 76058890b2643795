package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/codec"
)

// DescCmd groups the descriptor subcommands.
type DescCmd struct {
	Show   DescShowCmd   `cmd:"" help:"Show the persisted descriptor of a handle."`
	Encode DescEncodeCmd `cmd:"" help:"Print a handle's descriptor in compact wire form."`
	Decode DescDecodeCmd `cmd:"" help:"Validate descriptor text and print it in canonical form."`
}

// DescShowCmd shows a persisted descriptor.
type DescShowCmd struct {
	OutputFlags
	ID memlink.MemID `arg:"" name:"memid" help:"Handle whose descriptor to show."`
}

// Run executes the desc show command.
func (c *DescShowCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	d, err := b.Descriptor(ctx, c.ID)
	if err != nil {
		return err
	}

	output, err := render(d, &c.OutputFlags, func() string { return formatDescTable(d) })
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

// DescEncodeCmd prints a descriptor in the compact form another node
// can consume with "import --stdin".
type DescEncodeCmd struct {
	ID memlink.MemID `arg:"" name:"memid" help:"Handle whose descriptor to encode."`
}

// Run executes the desc encode command.
func (c *DescEncodeCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	d, err := b.Descriptor(ctx, c.ID)
	if err != nil {
		return err
	}
	text, err := codec.Encode(d)
	if err != nil {
		return err
	}
	return cli.WriteOut(append(text, '\n'))
}

// DescDecodeCmd parses descriptor text from a file or standard input.
type DescDecodeCmd struct {
	File string `arg:"" optional:"" type:"existingfile" help:"Descriptor file (default: standard input)."`
}

// Run executes the desc decode command.
func (c *DescDecodeCmd) Run(cli *CLI) error {
	var data []byte
	var err error
	if c.File == "" {
		data, err = io.ReadAll(cli.in())
	} else {
		data, err = os.ReadFile(c.File)
	}
	if err != nil {
		return fmt.Errorf("read descriptor: %w", err)
	}

	d, err := codec.Decode[memlink.PrivData](data)
	if err != nil {
		return err
	}
	text, err := codec.EncodeIndent(d)
	if err != nil {
		return err
	}
	return cli.WriteOut(append(text, '\n'))
}
