package main

import (
	"fmt"

	"github.com/siasync/siasync/internal/utils"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newConfigPathCmd())
}

// newConfigPathCmd prints the config file siasync would load. The path goes to
// stdout alone so scripts can use it; a missing file is reported on stderr.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-path",
		Short: "Show which config file siasync reads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(cmd)
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), path); err != nil {
				return err
			}
			if resolved, err := utils.ResolvePath(path); err == nil {
				path = resolved
			}
			if !utils.FileExists(path) {
				fmt.Fprintln(cmd.ErrOrStderr(), gray.Render("not created yet, flags, SIASYNC_* env and defaults apply"))
			}
			return nil
		},
	}
}
