package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siasync/siasync/internal/version"
)

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print siasync version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == outputText {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Detailed())
				return err
			}
			return writeStructured(cmd.OutOrStdout(), output, version.Current())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format: text, json or yaml")

	return cmd
}
