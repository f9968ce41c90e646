// cmd/csp.go
package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/veil/internal/browser/csp"
)

func newCSPCmd() *cobra.Command {
	var nonce string
	var meta bool

	cspCmd := &cobra.Command{
		Use:   "csp [policy]",
		Short: "Rewrite a Content-Security-Policy so injected scripts may run",
		Long: `Prints the relaxed form of a policy. The policy is read from the argument or,
when absent, from stdin. With --meta the input is an HTML document and every
<meta http-equiv="Content-Security-Policy"> tag in it is rewritten in place.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input string
			if len(args) == 1 {
				input = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read input: %w", err)
				}
				input = string(data)
			}
			out := cmd.OutOrStdout()

			if meta {
				doc, used := csp.RewriteMeta(input, nonce)
				if used != "" && nonce == "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "adopted nonce %s\n", used)
				}
				_, err := io.WriteString(out, doc)
				return err
			}

			policy := strings.TrimSpace(input)
			if nonce == "" {
				nonce = csp.ExtractNonce(policy)
			}
			fmt.Fprintln(out, csp.Rewrite(policy, nonce))
			return nil
		},
	}

	cspCmd.Flags().StringVar(&nonce, "nonce", "", "Nonce to allow (default: the policy's own script-src nonce)")
	cspCmd.Flags().BoolVar(&meta, "meta", false, "Treat input as HTML and rewrite its meta policies")
	return cspCmd
}
