package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"chatrelay/logging"
	"chatrelay/models"
	"chatrelay/server"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

const timeLayout = "2006-01-02 15:04:05"

// withStore loads the configuration, opens the store and runs fn on it.
func withStore(cmd *cobra.Command, flags *serverFlags, fn func(store) error) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	log, closer, err := logging.Open(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closer.Close()

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func registerCmd(flags *serverFlags) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "register NAME",
		Short: "Protect an account name with a password",
		Long: `Register stores a bcrypt hash of the password for NAME. Afterwards a
presence for NAME is only accepted with that password. Without
--password the password is read from the first line of standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password must not be empty")
			}

			return withStore(cmd, flags, func(st store) error {
				if err := st.Register(args[0], password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Account %s registered\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "account password")
	return cmd
}

func usersCmd(flags *serverFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List known accounts and who is online",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, flags, func(st store) error {
				users, err := st.Users()
				if err != nil {
					return err
				}
				active, err := st.ActiveUsers()
				if err != nil {
					return err
				}
				online := lo.KeyBy(active, func(u models.ActiveUser) string { return u.Name })

				table := newTable(cmd.OutOrStdout(), "Name", "Registered", "Online", "Address", "Last login")
				for _, u := range users {
					row := []string{u.Name, yesNo(u.Password != ""), "no", "", u.LastLogin.Local().Format(timeLayout)}
					if a, ok := online[u.Name]; ok {
						row[2] = "since " + a.LoginTime.Local().Format(timeLayout)
						row[3] = hostPort(a.IP, a.Port)
					}
					table.Append(row)
				}
				table.Render()
				return nil
			})
		},
	}
}

func loginsCmd(flags *serverFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logins [NAME]",
		Short: "Show the login history of one account or of everybody",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return withStore(cmd, flags, func(st store) error {
				records, err := st.LoginHistory(name)
				if err != nil {
					return err
				}
				table := newTable(cmd.OutOrStdout(), "Name", "Time", "Address")
				table.AppendBulk(lo.Map(records, func(r models.LoginRecord, _ int) []string {
					return []string{r.Name, r.At.Local().Format(timeLayout), hostPort(r.IP, r.Port)}
				}))
				table.Render()
				return nil
			})
		},
	}
}

func statsCmd(flags *serverFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-account message counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, flags, func(st store) error {
				stats, err := st.MessageStats()
				if err != nil {
					return err
				}
				table := newTable(cmd.OutOrStdout(), "Name", "Last login", "Sent", "Accepted")
				table.AppendBulk(lo.Map(stats, func(s models.MessageStats, _ int) []string {
					return []string{s.Name, s.LastLogin.Local().Format(timeLayout), strconv.Itoa(s.Sent), strconv.Itoa(s.Accepted)}
				}))
				table.Render()
				return nil
			})
		},
	}
}

func ctlCmd(flags *serverFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "ctl stats|shutdown",
		Short:     "Talk to a running server over its control socket",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"stats", "shutdown"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if cfg.ControlSocket == "" {
				return errors.New("control socket is disabled")
			}

			reply, err := server.ControlRequest(cfg.ControlSocket, args[0])
			if err != nil {
				return err
			}
			if args[0] == "stats" {
				return printStats(cmd.OutOrStdout(), reply)
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
}

// printStats renders a "connections=N,sessions=M,users=a;b" reply.
func printStats(w io.Writer, reply string) error {
	fields := map[string]string{}
	for _, part := range strings.Split(reply, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return fmt.Errorf("unexpected stats reply %q", reply)
		}
		fields[key] = value
	}

	table := newTable(w, "Connections", "Sessions", "Users")
	table.Append([]string{fields["connections"], fields["sessions"], strings.ReplaceAll(fields["users"], ";", " ")})
	table.Render()
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func hostPort(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}
