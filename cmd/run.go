// cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/veil/internal/browser"
	"github.com/xkilldash9x/veil/internal/browser/stealth"
	"github.com/xkilldash9x/veil/internal/browser/transport"
	"github.com/xkilldash9x/veil/internal/config"
	"github.com/xkilldash9x/veil/internal/observability"
)

const shutdownTimeout = 30 * time.Second

// navigateFunc loads url in the launched page.
type navigateFunc func(ctx context.Context, url string) error

// launcher abstracts the browser so the run logic can be tested without Chrome.
type launcher interface {
	Launch(ctx context.Context) (*browser.Page, navigateFunc, error)
	Shutdown(ctx context.Context) error
}

type launcherFactory func(cfg config.Interface, logger *zap.Logger) launcher

// chromeLauncher is the production launcher backed by browser.Manager.
type chromeLauncher struct {
	m *browser.Manager
}

func newChromeLauncher(cfg config.Interface, logger *zap.Logger) launcher {
	return &chromeLauncher{m: browser.NewManager(cfg, logger)}
}

func (l *chromeLauncher) Launch(ctx context.Context) (*browser.Page, navigateFunc, error) {
	p, tabCtx, err := l.m.NewPage(ctx)
	if err != nil {
		return nil, nil, err
	}
	navigate := func(ctx context.Context, url string) error {
		runCtx, cancel := transport.CombineContext(tabCtx, ctx)
		defer cancel()
		return chromedp.Run(runCtx, chromedp.Navigate(url))
	}
	return p, navigate, nil
}

func (l *chromeLauncher) Shutdown(ctx context.Context) error { return l.m.Shutdown(ctx) }

type runOptions struct {
	URL      string
	Scripts  []string
	Eval     string
	Isolated bool
	NoIdle   bool
}

func newRunCmd(newLauncher launcherFactory) *cobra.Command {
	var opts runOptions
	var headful bool

	runCmd := &cobra.Command{
		Use:   "run <url>",
		Short: "Open a page with init scripts injected and print its network summary",
		Long: `Launches Chrome, injects every configured init script into each document the
page loads (rewriting Content-Security-Policy where needed), navigates to the URL
and prints the requests the page made.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if headful {
				cfg.SetBrowserHeadless(false)
			}
			opts.URL = args[0]
			return runRun(ctx, cmd.OutOrStdout(), observability.GetLogger(), cfg, opts, newLauncher)
		},
	}

	runCmd.Flags().StringSliceVarP(&opts.Scripts, "script", "s", nil, "Init script file to inject (repeatable)")
	runCmd.Flags().StringVarP(&opts.Eval, "eval", "e", "", "Expression to evaluate in the page after load")
	runCmd.Flags().BoolVar(&opts.Isolated, "isolated", false, "Evaluate --eval in the utility world instead of the main world")
	runCmd.Flags().BoolVar(&opts.NoIdle, "no-idle", false, "Do not wait for the network to become idle")
	runCmd.Flags().BoolVar(&headful, "headful", false, "Show the browser window")
	return runCmd
}

// runRun contains the core, testable logic of the run command.
func runRun(ctx context.Context, out io.Writer, logger *zap.Logger, cfg config.Interface, opts runOptions, newLauncher launcherFactory) error {
	for _, s := range opts.Scripts {
		cfg.AddInjectionInitScriptFile(s)
	}
	inj := cfg.Injection()
	sources, err := inj.LoadInitScripts()
	if err != nil {
		return err
	}

	l := newLauncher(cfg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := l.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("Browser shutdown failed.", zap.Error(shutdownErr))
		}
	}()

	p, navigate, err := l.Launch(ctx)
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	if inj.Stealth {
		persona := stealth.PersonaFromConfig(cfg.Browser())
		script, err := stealth.Script(persona)
		if err != nil {
			return err
		}
		p.AddInitScript(script)
		if err := p.Run(ctx, stealth.Apply(persona, logger)); err != nil {
			return fmt.Errorf("failed to apply stealth persona: %w", err)
		}
	}
	for _, src := range sources {
		p.AddInitScript(src)
	}
	if err := p.ExposeBinding(ctx, inj.InternalBindingPrefix+"log", pageLog(logger)); err != nil {
		return fmt.Errorf("failed to expose log binding: %w", err)
	}

	navCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := cfg.Browser().NavigationTimeout; timeout > 0 {
		navCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	logger.Info("Navigating.", zap.String("url", opts.URL), zap.Int("init_scripts", len(p.InitScripts())))
	if err := navigate(navCtx, opts.URL); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", opts.URL, err)
	}

	if quiet := cfg.Browser().PostLoadWait; quiet > 0 && !opts.NoIdle {
		if err := p.WaitNetworkIdle(navCtx, quiet); err != nil {
			logger.Warn("Network did not become idle.", zap.Error(err))
		}
	}

	if opts.Eval != "" {
		obj, err := p.EvaluateExpression(ctx, opts.Eval, opts.Isolated)
		if err != nil {
			return fmt.Errorf("evaluation failed: %w", err)
		}
		fmt.Fprintln(out, formatRemoteObject(obj))
	}

	return writeSummary(out, p.Harvester())
}

// pageLog serves the internal log binding.
func pageLog(logger *zap.Logger) browser.BindingFunc {
	logger = logger.Named("page_log")
	return func(_ context.Context, call browser.BindingCall) (any, error) {
		args := make([]string, len(call.Args))
		for i, a := range call.Args {
			args[i] = string(a)
		}
		logger.Info(strings.Join(args, " "),
			zap.String("frame_id", call.FrameID.String()),
			zap.Bool("heuristic", call.Heuristic))
		return nil, nil
	}
}

func formatRemoteObject(obj *runtime.RemoteObject) string {
	switch {
	case obj == nil:
		return "undefined"
	case len(obj.Value) > 0:
		return string(obj.Value)
	case obj.UnserializableValue != "":
		return obj.UnserializableValue.String()
	case obj.Description != "":
		return obj.Description
	}
	return string(obj.Type)
}

func writeSummary(out io.Writer, h *browser.Harvester) error {
	entries := h.Entries()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tMETHOD\tTYPE\tURL")
	for _, e := range entries {
		status := fmt.Sprint(e.Status)
		switch {
		case e.Err != nil:
			status = "failed"
		case !e.Finished:
			status = "pending"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", status, e.Method, e.Type, e.URL)
	}
	dcl, load := h.Timings()
	fmt.Fprintf(tw, "\n%d requests\tDOMContentLoaded %.0fms\tload %.0fms\t\n", len(entries), dcl, load)
	return tw.Flush()
}
