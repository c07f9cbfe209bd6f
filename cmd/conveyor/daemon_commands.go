package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"conveyor/internal/ipc"
)

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running conveyor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Stop()
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				if resp.Stopping {
					fmt.Fprintln(stdout, "Daemon is shutting down")
				} else {
					fmt.Fprintln(stdout, "Stop request sent")
				}
				return nil
			})
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, queue, and circuit breaker status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				status, err := client.Status()
				if err != nil {
					return err
				}
				renderStatus(cmd, status)
				return nil
			})
		},
	}
}

func renderStatus(cmd *cobra.Command, status *ipc.StatusResponse) {
	stdout := cmd.OutOrStdout()

	fmt.Fprintf(stdout, "Running:        %s (pid %d)\n", yesNo(status.Running), status.PID)
	fmt.Fprintf(stdout, "Queue DB:       %s\n", status.QueueDBPath)
	fmt.Fprintf(stdout, "State DB:       %s\n", status.StateDBPath)
	fmt.Fprintf(stdout, "Lock file:      %s\n", status.LockPath)
	fmt.Fprintf(stdout, "Cache degraded: %s\n", yesNo(status.CacheDegraded))
	if status.EventsDropped > 0 {
		fmt.Fprintf(stdout, "Events dropped: %d\n", status.EventsDropped)
	}
	if strings.TrimSpace(status.LastError) != "" {
		fmt.Fprintf(stdout, "Last error:     %s\n", status.LastError)
	}
	fmt.Fprintln(stdout)

	if len(status.QueueStats) > 0 {
		statuses := make([]string, 0, len(status.QueueStats))
		for name := range status.QueueStats {
			statuses = append(statuses, name)
		}
		sort.Strings(statuses)
		rows := make([][]string, 0, len(statuses))
		for _, name := range statuses {
			rows = append(rows, []string{name, fmt.Sprintf("%d", status.QueueStats[name])})
		}
		fmt.Fprintln(stdout, renderTable(
			[]string{"Status", "Count"}, rows,
			[]columnAlignment{alignLeft, alignRight},
		))
	} else {
		fmt.Fprintln(stdout, "Queue is empty")
	}

	if len(status.Breakers) > 0 {
		rows := make([][]string, 0, len(status.Breakers))
		for _, brk := range status.Breakers {
			nextProbe := ""
			if brk.State == "open" && !brk.NextProbeAt.IsZero() {
				nextProbe = brk.NextProbeAt.Format(time.RFC3339)
			}
			rows = append(rows, []string{
				brk.Name,
				brk.State,
				fmt.Sprintf("%d", brk.ConsecutiveFailures),
				nextProbe,
			})
		}
		fmt.Fprintln(stdout, renderTable(
			[]string{"Dependency", "State", "Failures", "Next Probe"}, rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
		))
	}
}

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test push notification via the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.TestNotification()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				return nil
			})
		},
	}
}
