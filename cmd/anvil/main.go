package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jbweber/anvil/internal/config"
	"github.com/jbweber/anvil/internal/logging"
	"github.com/jbweber/anvil/internal/output"
	"github.com/jbweber/anvil/internal/vm"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Global flags
var (
	configPath   string
	logLevel     string
	logFormat    string
	verbose      bool
	outputFormat string
	noHeaders    bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "Anvil - VirtualBox VM provisioning tool",
	Long: `Anvil provisions VirtualBox VMs from an appliance or an install medium.

It imports or creates the machine, wires NAT and host-only networking,
forwards ports, shares host folders and finishes the guest setup over SSH.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.anvil/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "shorthand for --log-level debug")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, yaml, json")
	rootCmd.PersistentFlags().BoolVar(&noHeaders, "no-headers", false, "omit table headers")

	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(microCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(exposeCmd)
	rootCmd.AddCommand(adaptersCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the anvil version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("anvil %s (commit: %s)\n", version, commit)
	},
}

// session is what every command needs: settings, a logger and a provisioner.
type session struct {
	cfg *config.Config
	log *zap.SugaredLogger
	p   *vm.Provisioner
}

// newSession loads configuration and builds the logger and provisioner.
// Command-line flags take precedence over the config file.
func newSession() (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	if verbose {
		level = "debug"
	}
	format := cfg.Log.Format
	if logFormat != "" {
		format = logFormat
	}

	log, err := logging.New(logging.Options{Level: level, Format: format})
	if err != nil {
		return nil, err
	}

	return &session{cfg: cfg, log: log, p: vm.New(cfg, log)}, nil
}

func (s *session) close() {
	_ = s.log.Sync()
}

// formatter validates -o and returns the matching formatter.
func formatter() (output.Formatter, error) {
	if err := output.ValidateFormat(outputFormat); err != nil {
		return nil, err
	}
	return output.NewFormatter(output.Options{
		Format:    output.Format(outputFormat),
		NoHeaders: noHeaders,
	})
}
