// cmd/preview.go
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/veil/internal/browser/inject"
	"github.com/xkilldash9x/veil/internal/browser/interception"
)

type previewOptions struct {
	Headers []string
	Status  int64
	Scripts []string
}

func newPreviewCmd() *cobra.Command {
	var opts previewOptions

	previewCmd := &cobra.Command{
		Use:   "preview [file]",
		Short: "Show how a document response would be rewritten, without a browser",
		Long: `Runs the document fulfill pipeline offline: CSP headers and meta tags are
relaxed and init script tags are inserted. The document is read from the file
argument or stdin; response headers are given with --header "Name: value".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range opts.Scripts {
				cfg.AddInjectionInitScriptFile(s)
			}
			inj := cfg.Injection()
			scripts, err := inj.LoadInitScripts()
			if err != nil {
				return err
			}

			var body []byte
			if len(args) == 1 {
				body, err = os.ReadFile(args[0])
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("failed to read document: %w", err)
			}
			return runPreview(cmd.OutOrStdout(), body, scripts, opts)
		},
	}

	previewCmd.Flags().StringArrayVarP(&opts.Headers, "header", "H", nil, `Response header as "Name: value" (repeatable)`)
	previewCmd.Flags().Int64Var(&opts.Status, "status", 200, "Response status code")
	previewCmd.Flags().StringSliceVarP(&opts.Scripts, "script", "s", nil, "Init script file to inject (repeatable)")
	return previewCmd
}

// runPreview fulfills a synthetic document response and writes the result.
func runPreview(out io.Writer, body []byte, scripts []string, opts previewOptions) error {
	headers := make([]*fetch.HeaderEntry, 0, len(opts.Headers))
	for _, h := range opts.Headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("malformed header %q, want \"Name: value\"", h)
		}
		headers = append(headers, &fetch.HeaderEntry{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}

	marker, err := inject.NewMarker()
	if err != nil {
		return err
	}
	x := interception.NewExchange(&fetch.EventRequestPaused{
		RequestID:          "preview",
		ResourceType:       network.ResourceTypeDocument,
		ResponseStatusCode: opts.Status,
		ResponseHeaders:    headers,
		Request:            &network.Request{URL: "about:preview", Method: "GET"},
	})
	resp, err := interception.BuildDocument(x, body, scripts, marker)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%d %s\n", resp.Status, resp.Phrase)
	for _, h := range resp.Headers {
		fmt.Fprintf(out, "%s: %s\n", h.Name, h.Value)
	}
	fmt.Fprintln(out)
	if resp.Body == nil {
		_, err = out.Write(body)
		return err
	}
	_, err = out.Write(resp.Body)
	return err
}
