package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"chatrelay/client"
	"chatrelay/config"
	"chatrelay/logging"

	"github.com/spf13/cobra"
)

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
	var (
		name     string
		password string
		logLevel string
		logFile  string
		noColour bool
	)

	cmd := &cobra.Command{
		Use:   "chatclient [ADDRESS] [PORT]",
		Short: "Console chat client",
		Long: `chatclient connects to a chat relay server and lets you send and
receive messages from the terminal. ADDRESS defaults to 127.0.0.1 and
PORT to 7777; both can also be set with CHAT_SERVER_ADDRESS and
CHAT_SERVER_PORT. The account name is asked for when not given.`,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config.LoadDotEnv()
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}

			if len(args) > 0 {
				cfg.Address = args[0]
			}
			if len(args) > 1 {
				port, err := strconv.Atoi(args[1])
				if err != nil {
					return &config.ValidationError{Field: "Port", Value: args[1], Rule: "numeric"}
				}
				cfg.Port = port
			}
			changed := cmd.Flags().Changed
			if changed("name") {
				cfg.Name = name
			}
			if changed("password") {
				cfg.Password = password
			}
			if changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if changed("log-file") {
				cfg.LogFile = logFile
			}
			if noColour {
				cfg.Colours = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cmd, cfg)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "account name")
	cmd.Flags().StringVar(&password, "password", "", "password of a registered account")
	cmd.Flags().StringVar(&logLevel, "log-level", "INFO", "DEBUG, INFO, WARN or ERROR")
	cmd.Flags().StringVar(&logFile, "log-file", "chatclient.log", "log file, empty for stderr")
	cmd.Flags().BoolVar(&noColour, "no-colour", false, "print messages without colours")
	return cmd
}

func run(cmd *cobra.Command, cfg *config.Client) error {
	log, closer, err := logging.Open(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closer.Close()

	console := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Console messenger. Client module.")

	if cfg.Name == "" {
		if cfg.Name, err = askName(console, out); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "Client started as: %s\n", cfg.Name)
	log.Info("client started", "account", cfg.Name, "server", cfg.ServerAddress())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := client.Dial(ctx, cfg.ServerAddress(), client.Config{
		Name:        cfg.Name,
		Password:    cfg.Password,
		SettleDelay: cfg.SettleDelay,
		Colours:     cfg.Colours,
	}, log)
	if err != nil {
		log.Error("could not start the session", "error", err)
		return err
	}
	fmt.Fprintln(out, "Connected to the server.")

	err = session.Run(ctx, console, out)
	if err != nil {
		log.Error("session ended", "error", err)
		return err
	}
	log.Info("session closed")
	return nil
}

func askName(console *bufio.Reader, out io.Writer) (string, error) {
	for {
		fmt.Fprint(out, "Enter user name: ")
		line, err := console.ReadString('\n')
		if name := strings.TrimSpace(line); name != "" {
			return name, nil
		}
		if err != nil {
			return "", fmt.Errorf("no user name given: %w", err)
		}
	}
}
