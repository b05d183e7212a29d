package main

import (
	"errors"
	"fmt"
	"os"

	"chatrelay/config"

	"github.com/spf13/cobra"
)

// flags override the environment only when given on the command line.
type serverFlags struct {
	address string
	port    int
	store   string
	dbPath  string
	socket  string
	metrics string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		if errors.Is(err, config.ErrInvalidConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags serverFlags

	rootCmd := &cobra.Command{
		Use:   "chatserver",
		Short: "Text chat relay server",
		Long: `chatserver relays chat messages between console clients.

Without a subcommand it serves until interrupted. Settings come from
CHAT_* environment variables (a .env file is read when present) and
the flags below, which take precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &flags)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.address, "address", "a", "", "address to listen on (default all interfaces)")
	pf.IntVarP(&flags.port, "port", "p", 7777, "port to listen on")
	pf.StringVar(&flags.store, "store", "sqlite", "account store: sqlite or badger")
	pf.StringVar(&flags.dbPath, "db", "chat.db", "sqlite file or badger directory")
	pf.StringVar(&flags.socket, "control-socket", "/tmp/chatrelay.sock", "unix socket for management commands, empty to disable")
	pf.StringVar(&flags.metrics, "metrics-address", "", "host:port serving /metrics, empty to disable")

	rootCmd.AddCommand(
		registerCmd(&flags),
		usersCmd(&flags),
		loginsCmd(&flags),
		statsCmd(&flags),
		ctlCmd(&flags),
	)
	return rootCmd
}

func loadConfig(cmd *cobra.Command, flags *serverFlags) (*config.Server, error) {
	config.LoadDotEnv()
	cfg, err := config.LoadServer()
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("address") {
		cfg.Address = flags.address
	}
	if changed("port") {
		cfg.Port = flags.port
	}
	if changed("store") {
		cfg.Store = flags.store
	}
	if changed("db") {
		cfg.DBPath = flags.dbPath
	}
	if changed("control-socket") {
		cfg.ControlSocket = flags.socket
	}
	if changed("metrics-address") {
		cfg.MetricsAddress = flags.metrics
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
