package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dvloznov/deal-confidence/internal/app"
	"github.com/dvloznov/deal-confidence/internal/config"
	"github.com/dvloznov/deal-confidence/internal/logger"
)

// cli carries the state shared by every subcommand.
type cli struct {
	configPath string
	logLevel   string

	log zerolog.Logger
	app *app.App
	out io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{out: os.Stdout}
	if err := c.rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dce",
		Short: "Deal confidence engine maintenance CLI",
		Long: `dce runs the deal confidence engine against the configured store:
ingest parsed statements, recompute deals, export snapshots and
maintain stored snapshots.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.app == nil {
				return nil
			}
			return c.app.Close()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to config.yaml (optional)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level; overrides log.level from config")

	root.AddCommand(
		c.ingestCmd(),
		c.rerunCmd(),
		c.rerunAllCmd(),
		c.exportCmd(),
		c.backfillCmd(),
		c.verifyCmd(),
		c.historyCmd(),
	)
	return root
}

// setup loads configuration and opens the store. Logs go to stderr so
// stdout carries only command output.
func (c *cli) setup(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if c.logLevel != "" {
		level = c.logLevel
	}
	c.log = logger.NewWithWriter(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(logger.ParseLevel(level)).
		With().Str("service", "cli").Str("command", cmd.Name()).Logger()

	// No queue in the CLI: commands that change data recompute inline.
	a, err := app.New(cmd.Context(), cfg, nil, nil, c.log)
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

func (c *cli) print(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
