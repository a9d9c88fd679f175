package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/fruitsalade/autoreload/internal/client"
	"github.com/fruitsalade/autoreload/internal/protocol"
)

var (
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	runningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	stoppedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	pathStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

const requestTimeout = 30 * time.Second

func newClient() *client.Client {
	return client.New(client.Config{
		BaseURL:   flagServer,
		AuthToken: flagToken,
	})
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the reloader status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext()
			defer cancel()
			st, err := newClient().Status(ctx)
			if err != nil {
				return err
			}
			printStatus(st)
			return nil
		},
	}
}

func newEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable",
		Short: "Enable automatic plugin reloading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext()
			defer cancel()
			st, err := newClient().Enable(ctx)
			if err != nil {
				return err
			}
			printStatus(st)
			return nil
		},
	}
}

func newDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable automatic plugin reloading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext()
			defer cancel()
			st, err := newClient().Disable(ctx)
			if err != nil {
				return err
			}
			printStatus(st)
			return nil
		},
	}
}

func newIntervalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interval <seconds>",
		Short: "Set the detection interval (at least 1 second)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sec, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid interval %q: %w", args[0], err)
			}
			ctx, cancel := requestContext()
			defer cancel()
			st, err := newClient().SetInterval(ctx, sec)
			if err != nil {
				return err
			}
			printStatus(st)
			return nil
		},
	}
}

func newBlacklistCmd() *cobra.Command {
	var clearList bool
	cmd := &cobra.Command{
		Use:   "blacklist [file names...]",
		Short: "Replace the list of plugin file names that are never scanned",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !clearList {
				return fmt.Errorf("give file names, or --clear to empty the list")
			}
			ctx, cancel := requestContext()
			defer cancel()
			st, err := newClient().SetBlacklist(ctx, args)
			if err != nil {
				return err
			}
			printStatus(st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearList, "clear", false, "empty the blacklist")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent reloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext()
			defer cancel()
			entries, err := newClient().History(ctx, limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				fmt.Println("no reloads recorded")
				return nil
			}
			for _, e := range entries {
				printEntry(e)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream reloader events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			evs, errc := newClient().Watch(ctx)
			for ev := range evs {
				ts := time.Unix(ev.Timestamp, 0).Format("15:04:05")
				line := fmt.Sprintf("%s %s %s", labelStyle.Render(ts), ev.Type, labelStyle.Render(ev.Instance))
				if ev.Error != "" {
					line += " " + stoppedStyle.Render(ev.Error)
				}
				fmt.Println(line)
				for _, d := range ev.Differences {
					fmt.Printf("  - %s: %s\n", d.Reason, pathStyle.Render(d.Path))
				}
			}
			return <-errc
		},
	}
}

func printStatus(st *protocol.StatusResponse) {
	state := stoppedStyle.Render("stopped")
	if st.Running {
		state = runningStyle.Render("running")
	}
	row := func(label, value string) {
		fmt.Printf("%s %s\n", labelStyle.Render(fmt.Sprintf("%-16s", label)), value)
	}

	row("instance", st.Instance)
	row("worker", state)
	row("enabled", strconv.FormatBool(st.Enabled))
	row("interval", fmt.Sprintf("%gs", st.DetectionIntervalSec))
	row("reload delay", fmt.Sprintf("%gs", st.ReloadDelaySec))
	if st.Running {
		row("next detection", st.NextDetectionPretty)
	}
	if len(st.Blacklist) > 0 {
		row("blacklist", strings.Join(st.Blacklist, ", "))
	}
}

func printEntry(e protocol.HistoryEntry) {
	result := runningStyle.Render("ok")
	if e.Error != "" {
		result = stoppedStyle.Render("failed: " + e.Error)
	}
	fmt.Printf("%s  %s  %dms  %s\n",
		labelStyle.Render(e.StartedAt.Local().Format("2006-01-02 15:04:05")),
		e.Instance, e.DurationMs, result)
	for _, d := range e.Differences {
		line := fmt.Sprintf("  - %s: %s", d.Reason, pathStyle.Render(d.Path))
		if d.PluginID != "" {
			line += labelStyle.Render(" (id=" + d.PluginID + ")")
		}
		fmt.Println(line)
	}
}
