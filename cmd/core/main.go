// Package main provides the AgentX core command line. It drives the same
// sync core the mobile and desktop shells embed: local writes, queue
// replay and sync status.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/agentx/backend/internal/app"
	"github.com/kimhsiao/agentx/backend/internal/config"
)

// Version is set at build time
var Version = "0.1.0"

// cli holds what every subcommand shares.
type cli struct {
	opts app.Options
	out  io.Writer

	configPath string
	dataDir    string
	remoteURL  string
	jsonOut    bool

	app       *app.App
	logCloser io.Closer
}

func newRootCmd(opts app.Options, out io.Writer) *cobra.Command {
	c := &cli{opts: opts, out: out}

	root := &cobra.Command{
		Use:           "agentx",
		Short:         "Offline-first sync core for the AgentX assistant",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default: ./agentx.yaml or ~/.agentx/agentx.yaml)")
	root.PersistentFlags().StringVar(&c.dataDir, "data-dir", "", "override data_dir")
	root.PersistentFlags().StringVar(&c.remoteURL, "remote", "", "override remote.base_url")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print JSON")

	root.AddGroup(
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
	)

	root.AddCommand(
		c.taskCmd(),
		c.eventCmd(),
		c.chatCmd(),
		c.syncCmd(),
		c.loginCmd(),
		c.logoutCmd(),
		c.runCmd(),
	)
	return root
}

// open loads the configuration and starts the sync core for one command.
func (c *cli) open() (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	if c.remoteURL != "" {
		cfg.Remote.BaseURL = c.remoteURL
	}
	c.logCloser = app.SetupLogging(cfg.Log, os.Stderr)

	a, err := app.New(cfg, c.opts)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) close() {
	if c.app != nil {
		c.app.Close()
		c.app = nil
	}
	if c.logCloser != nil {
		c.logCloser.Close()
	}
}

// withApp adapts a command body to an opened App.
func (c *cli) withApp(fn func(cmd *cobra.Command, a *app.App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := c.open()
		if err != nil {
			return err
		}
		defer c.close()
		return fn(cmd, a, args)
	}
}

// print writes v as JSON with --json, otherwise as text.
func (c *cli) print(v any, text func(w io.Writer)) error {
	if c.jsonOut {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(c.out)
	return nil
}

func main() {
	if err := newRootCmd(app.Options{}, os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
