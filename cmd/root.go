// Package cmd defines and implements the pushl CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"pushl/internal/config"
	"pushl/internal/engine"
	"pushl/internal/logging"
	"pushl/internal/version"
)

// newRootCmd creates and configures the root command. Positional arguments
// are feed URLs; entry URLs arrive via -e.
func newRootCmd() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "pushl [flags] feed_url ...",
		Short: "Send push notifications for feeds and entries",
		Long: `pushl discovers content changes in feeds and entry pages and sends the
appropriate notifications: WebSub hub pings for updated feeds, Webmention
pings from each entry to the pages it links, and optional Wayback Machine
archival requests. With a cache directory, repeated runs only notify for
genuine changes.`,
		Version:       version.Version,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, args)
		},
	}

	flags := cmd.Flags()
	flags.StringP("cache", "c", "", "cache storage directory (no persistence when unset)")
	flags.StringArrayP("entry", "e", nil, "URL to process as an entry page rather than a feed")
	flags.StringArrayP("websub-only", "s", nil, "feed URL to only send WebSub notifications for")
	flags.BoolP("recurse", "r", false, "recursively process discovered feeds")
	flags.BoolP("archive", "a", false, "process RFC 5005 archive links in feeds")
	flags.BoolP("wayback", "k", false, "request Wayback Machine archival for every linked target")
	flags.CountP("verbose", "v", "increase output verbosity")
	flags.String("user-agent", version.UserAgent(), "User-Agent string to send")
	flags.IntP("timeout", "t", 120, "per-request timeout, in seconds")
	flags.IntP("max-time", "m", 1800, "maximum time to spend on this run, in seconds")
	flags.Int("max-connections", 100, "maximum simultaneous connections")
	flags.Int("max-per-host", 4, "maximum simultaneous connections per host (0 = unlimited)")
	flags.Bool("keepalive", false, "keep TCP connections alive")
	flags.Bool("self-pings", false, "send webmentions to targets on the entry's own domain")
	flags.StringP("rel-whitelist", "w", "", "comma-separated link rels to whitelist for webmentions")
	flags.StringP("rel-blacklist", "b", "nofollow", "comma-separated link rels to blacklist from webmentions")

	bindings := map[string]string{
		"cache_dir":        "cache",
		"websub_only":      "websub-only",
		"recurse":          "recurse",
		"archive":          "archive",
		"wayback":          "wayback",
		"verbosity":        "verbose",
		"user_agent":       "user-agent",
		"timeout_seconds":  "timeout",
		"max_time_seconds": "max-time",
		"max_connections":  "max-connections",
		"max_per_host":     "max-per-host",
		"keepalive":        "keepalive",
		"self_pings":       "self-pings",
		"rel_whitelist":    "rel-whitelist",
		"rel_blacklist":    "rel-blacklist",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}

	return cmd
}

func run(cmd *cobra.Command, v *viper.Viper, feedURLs []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Verbosity)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	entryURLs, err := cmd.Flags().GetStringArray("entry")
	if err != nil {
		return fmt.Errorf("read entry flag: %w", err)
	}
	if len(feedURLs) == 0 && len(entryURLs) == 0 && len(cfg.WebSubOnly) == 0 {
		return errors.New("nothing to do: no feed or entry URLs given")
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.MaxTime())
	defer cancel()

	if err := eng.Run(ctx, feedURLs, entryURLs); err != nil {
		logger.Error("run finished with errors", zap.Error(err))
		return err
	}
	logger.Info("run complete")
	return nil
}

// Execute is the main entry point. The process exits nonzero when any
// task failed or the run was cancelled.
func Execute() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pushl:", err)
		os.Exit(1)
	}
}
