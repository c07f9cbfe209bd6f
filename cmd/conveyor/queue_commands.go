package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"conveyor/internal/ipc"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the work queue",
	}

	queueCmd.AddCommand(newQueueAddCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))
	queueCmd.AddCommand(newQueueRemoveCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))

	return queueCmd
}

func newQueueAddCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "add key=value [key=value ...]",
		Short: "Enqueue a work record with the given input fields",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := make(map[string]any, len(args))
			for _, arg := range args {
				key, value, ok := strings.Cut(arg, "=")
				if !ok || strings.TrimSpace(key) == "" {
					return fmt.Errorf("invalid field %q; expected key=value", arg)
				}
				fields[strings.TrimSpace(key)] = value
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueAdd(fields)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued record %d\n", resp.Record.ID)
				return nil
			})
		},
	}
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var listStatuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueList(listStatuses)
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				if len(resp.Records) == 0 {
					fmt.Fprintln(stdout, "Queue is empty")
					return nil
				}
				colorize := shouldColorize(stdout)
				rows := make([][]string, 0, len(resp.Records))
				for _, record := range resp.Records {
					rows = append(rows, []string{
						strconv.FormatInt(record.ID, 10),
						colorizeCell(record.Status, colorize),
						record.ProgressPhase,
						summarizeFields(record.Fields),
						record.CreatedAt.Format(time.RFC3339),
					})
				}
				fmt.Fprintln(stdout, renderTable(
					[]string{"ID", "Status", "Phase", "Fields", "Created"}, rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "Filter by record status (repeatable)")
	return cmd
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one record and its per-phase progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid record id %q", args[0])
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueDescribe(id)
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				record := resp.Record
				fmt.Fprintf(stdout, "Record %d\n", record.ID)
				fmt.Fprintf(stdout, "  Status:  %s\n", record.Status)
				if record.RunID != "" {
					fmt.Fprintf(stdout, "  Run:     %s\n", record.RunID)
				}
				if record.ProgressPhase != "" {
					fmt.Fprintf(stdout, "  Phase:   %s (%s)\n", record.ProgressPhase, record.ProgressMessage)
				}
				if record.FailureClass != "" {
					fmt.Fprintf(stdout, "  Failure: %s in %s after %d attempts\n",
						record.FailureClass, record.FailurePhase, record.FailureAttempts)
					fmt.Fprintf(stdout, "  Error:   %s\n", record.ErrorMessage)
				}
				if len(record.Fields) > 0 {
					fmt.Fprintf(stdout, "  Fields:  %s\n", summarizeFields(record.Fields))
				}
				if len(resp.Phases) > 0 {
					colorize := shouldColorize(stdout)
					phases := make([]string, 0, len(resp.Phases))
					for id := range resp.Phases {
						phases = append(phases, id)
					}
					sort.Strings(phases)
					rows := make([][]string, 0, len(phases))
					for _, phaseID := range phases {
						rows = append(rows, []string{phaseID, colorizeCell(resp.Phases[phaseID], colorize)})
					}
					fmt.Fprintln(stdout, renderTable(
						[]string{"Phase", "Status"}, rows,
						[]columnAlignment{alignLeft, alignLeft},
					))
				}
				return nil
			})
		},
	}
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id ...]",
		Short: "Retry failed records (all when no ids are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueRetry(ids)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retried %d records\n", resp.Updated)
				return nil
			})
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var clearCompleted bool
	var clearFailed bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove work records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearCompleted && clearFailed {
				return errors.New("specify only one of --completed or --failed")
			}
			scope := "all"
			switch {
			case clearCompleted:
				scope = "completed"
			case clearFailed:
				scope = "failed"
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueClear(scope)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d records\n", resp.Removed)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&clearCompleted, "completed", false, "Remove only completed records")
	cmd.Flags().BoolVar(&clearFailed, "failed", false, "Remove only failed and review records")
	return cmd
}

func newQueueRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id> [id ...]",
		Short: "Remove specific records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueRemove(ids)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d records\n", resp.Removed)
				return nil
			})
		},
	}
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show aggregate queue diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				health, err := client.QueueHealth()
				if err != nil {
					return err
				}
				rows := [][]string{
					{"Total", strconv.Itoa(health.Total)},
					{"Pending", strconv.Itoa(health.Pending)},
					{"Processing", strconv.Itoa(health.Processing)},
					{"Completed", strconv.Itoa(health.Completed)},
					{"Failed", strconv.Itoa(health.Failed)},
					{"Review", strconv.Itoa(health.Review)},
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Status", "Count"}, rows,
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid record id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func summarizeFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, fields[key]))
	}
	summary := strings.Join(parts, " ")
	if len(summary) > 60 {
		summary = summary[:57] + "..."
	}
	return summary
}
