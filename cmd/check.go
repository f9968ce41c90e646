// cmd/check.go
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/veil/internal/browser/jsexec"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <script>...",
		Short: "Check that init script files parse",
		Long: `Parses each script without running it. The parser lags browsers on the newest
syntax, so a failure here is worth a look but is not fatal at injection time.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed []error
			for _, path := range args {
				expanded, err := homedir.Expand(path)
				if err != nil {
					return fmt.Errorf("failed to expand %q: %w", path, err)
				}
				src, err := os.ReadFile(expanded)
				if err != nil {
					return fmt.Errorf("failed to read script: %w", err)
				}
				if err := jsexec.Check(path, string(src)); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %v\n", err)
					failed = append(failed, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s\n", path)
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d scripts failed to parse: %w", len(failed), len(args), errors.Join(failed...))
			}
			return nil
		},
	}
}
