// Command scrapeengine is a CLI wrapper around the pipeline engine,
// grounded on the teacher's cmd/purify/main.go startup sequencing (load
// config, init structured logging, construct the browser, run, shut down
// cleanly) adapted from an always-on HTTP server to a single-shot command,
// in the shape rohmanhakim-docs-crawler's internal/cli/root.go uses spf13/cobra
// for flag parsing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/use-agent/extractengine/config"
	"github.com/use-agent/extractengine/format"
	"github.com/use-agent/extractengine/modelclient"
	"github.com/use-agent/extractengine/pipeline"
	"github.com/use-agent/extractengine/ports"
	"github.com/use-agent/extractengine/queue"
	"github.com/use-agent/extractengine/rodbrowser"
	"github.com/use-agent/extractengine/solver"
	"github.com/use-agent/extractengine/store"
)

var (
	outputMode string
	selector   string
	proxy      string
	userAgent  string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "scrapeengine <url>",
	Short: "Extract the main content region of a web page.",
	Long: `scrapeengine drives a headless browser through rule lookup,
model-assisted discovery, and challenge handling to extract a page's
main content, persisting the discovered selector so later requests for
the same domain skip discovery.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.Flags().StringVar(&outputMode, "mode", string(format.ModeContentOnly),
		"output mode: content_only, cleaned_html, markdown, full_html, metadata_only")
	rootCmd.Flags().StringVar(&selector, "selector", "", "known-rule override XPath selector")
	rootCmd.Flags().StringVar(&proxy, "proxy", "", "proxy URL for this request (ignored by the rod browser adapter)")
	rootCmd.Flags().StringVar(&userAgent, "user-agent", "", "user-agent override for this request")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 0, "per-request timeout (0 uses the engine default)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, target string) error {
	cfg := config.Load()
	initLogger(cfg.Log)

	browser, err := rodbrowser.Launch(rodbrowser.Config{
		Headless:  cfg.Browser.Headless,
		NoSandbox: cfg.Browser.NoSandbox,
		MaxPages:  cfg.Browser.MaxPages,
	})
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer browser.Close()

	model := modelclient.New(modelclient.Config{
		APIKey:  cfg.Model.APIKey,
		BaseURL: cfg.Model.BaseURL,
		Model:   cfg.Model.Model,
	})

	fileStore, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	engine := pipeline.New(browser, model, solver.Unsupported{}, fileStore, slog.Default())
	engine.RediscoverThreshold = cfg.Queue.RediscoverThreshold
	engine.Queue = queue.New(cfg.Queue.MaxInFlight, cfg.Queue.MaxWaiting)
	engine.Queue.Observe(func(evt queue.Event) {
		slog.Debug("queue event", "inFlight", evt.InFlightCount, "maxInFlight", evt.MaxInFlight)
	})

	reqTimeout := timeout
	if reqTimeout == 0 {
		reqTimeout = cfg.Browser.NavigationTimeout
	}

	result, err := engine.Scrape(ctx, target, pipeline.Options{
		OutputMode:       format.Mode(outputMode),
		SelectorOverride: selector,
		Proxy:            proxy,
		UserAgent:        userAgent,
		Timeout:          reqTimeout,
	})
	if err != nil {
		return fmt.Errorf("scrape: %w", err)
	}

	return printResult(result)
}

func printResult(result pipeline.Result) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// initLogger configures slog based on cfg.Log, following the teacher's
// main.go: JSON handler by default, text handler when explicitly asked for.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

var _ ports.ChallengeSolver = solver.Unsupported{}
