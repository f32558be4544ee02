package cmd

import (
	"fmt"
	"strings"

	"dbvault/internal/backup"
	"dbvault/internal/engine"

	"github.com/spf13/cobra"
)

func newEnginesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List supported database engines and storage backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			reporter, err := newReporter(cmd)
			if err != nil {
				return err
			}

			registry := engine.NewDefaultRegistry(engine.Options{Logger: commandLogger()})
			rows := make([][]string, 0, len(registry.Names()))
			for _, name := range registry.Names() {
				adapter, err := registry.Get(name)
				if err != nil {
					return err
				}
				rows = append(rows, []string{name, "." + adapter.Extension(), string(adapter.ValidationMethod())})
			}
			if err := reporter.PrintTable([]string{"ENGINE", "EXTENSION", "VALIDATION"}, rows); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\nStorage backends: %s\n", strings.Join(backup.SupportedBackendNames(), ", "))
			return nil
		},
	}
}
