package cli

import (
	"context"
	"errors"
	"fmt"
)

// DoctorCmd checks coherency between handle records and descriptor
// files.
type DoctorCmd struct {
	OutputFlags
}

// Run executes the doctor command. The report is printed either way;
// the command fails when it contains errors.
func (c *DoctorCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	report, err := b.Doctor(ctx)
	if err != nil {
		return err
	}

	output, err := render(report, &c.OutputFlags, func() string { return formatDoctorReport(report) })
	if err != nil {
		return err
	}
	if err := cli.PrintOut(output); err != nil {
		return err
	}
	if report.HasErrors() {
		return errors.New("coherency check found errors")
	}
	return nil
}
