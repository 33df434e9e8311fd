// Package cli is the hushmesh command tree.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/baderanaas/hushmesh/pkg/config"
	"github.com/baderanaas/hushmesh/pkg/crypto"
	"github.com/baderanaas/hushmesh/pkg/keyring"
	"github.com/baderanaas/hushmesh/pkg/logging"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	logLevel   string

	cfg *config.Config
	log *zap.Logger
}

func NewRootCmd() *cobra.Command {
	a := &app{log: zap.NewNop()}
	cmd := &cobra.Command{
		Use:           "hushmesh",
		Short:         "Infrastructure-free encrypted alert relay",
		Long:          "hushmesh relays short encrypted alerts hop by hop between nearby nodes, without servers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.log.Sync()
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to hushmesh.yaml")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd(a))
	cmd.AddCommand(newSimulateCmd(a))
	cmd.AddCommand(newNetworkCmd(a))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hushmesh %s (commit: %s)\n", Version, Commit)
		},
	}
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	log, err := logging.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	a.cfg, a.log = cfg, log
	return nil
}

func (a *app) keyring() (*keyring.Keyring, error) {
	return keyring.Open(filepath.Join(a.cfg.Node.DataDir, "networks.json"))
}

// codec builds the message codec for the configured network.
func (a *app) codec() (*crypto.Codec, error) {
	k, err := a.keyring()
	if err != nil {
		return nil, err
	}
	n := k.Resolve(a.cfg.Network.Name, crypto.Suite(a.cfg.Network.Cipher))
	if n.Secret == "" {
		a.log.Warn("network has no shared secret, anyone knowing its name can read it",
			zap.String("network", n.Name))
	}
	return n.Codec()
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
