package cmd

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/austindbirch/tonerelay/internal/api"
	"github.com/austindbirch/tonerelay/internal/delivery"
)

var (
	listState   string
	listChannel string
	listLimit   int
	getWait     time.Duration
)

// tasksCmd represents the tasks command
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List, inspect and cancel delivery tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if listState != "" {
			q.Set("state", listState)
		}
		if listChannel != "" {
			q.Set("channel", listChannel)
		}
		if listLimit > 0 {
			q.Set("limit", strconv.Itoa(listLimit))
		}
		path := "/v1/tasks"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		ctx, cancel := requestContext(0)
		defer cancel()
		var list api.TaskList
		if err := callAPI(ctx, "GET", path, nil, &list); err != nil {
			return err
		}
		return printTasks(cmd.OutOrStdout(), list.Tasks)
	},
}

var tasksGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one task, optionally waiting for it to finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := resolveID(args[0])
		if err != nil {
			return err
		}
		t, err := fetchTask(id, getWait)
		if err != nil {
			return err
		}
		return printTask(cmd.OutOrStdout(), t)
	},
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending or in-flight task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := resolveID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(0)
		defer cancel()
		var t delivery.Task
		if err := callAPI(ctx, "DELETE", "/v1/tasks/"+url.PathEscape(id), nil, &t); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("task %s not found", id)
			}
			return err
		}
		return printTask(cmd.OutOrStdout(), t)
	},
}

// resolveID expands the short ids printed by "tasks list".
func resolveID(prefix string) (string, error) {
	if len(prefix) >= 64 {
		return prefix, nil
	}
	ctx, cancel := requestContext(0)
	defer cancel()
	var list api.TaskList
	if err := callAPI(ctx, "GET", "/v1/tasks", nil, &list); err != nil {
		return "", err
	}
	var match string
	for _, t := range list.Tasks {
		if !strings.HasPrefix(t.ID, prefix) {
			continue
		}
		if match != "" {
			return "", fmt.Errorf("task id prefix %q is ambiguous", prefix)
		}
		match = t.ID
	}
	if match == "" {
		return "", fmt.Errorf("task %s not found", prefix)
	}
	return match, nil
}

func fetchTask(id string, wait time.Duration) (delivery.Task, error) {
	path := "/v1/tasks/" + url.PathEscape(id)
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	ctx, cancel := requestContext(wait)
	defer cancel()

	var t delivery.Task
	if err := callAPI(ctx, "GET", path, nil, &t); err != nil {
		if isNotFound(err) {
			return delivery.Task{}, fmt.Errorf("task %s not found", id)
		}
		return delivery.Task{}, err
	}
	return t, nil
}

func printTasks(w io.Writer, tasks []delivery.Task) error {
	if outputJSON {
		return printJSON(w, tasks)
	}
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, "No tasks.")
		return err
	}
	color := shouldColorize(w)
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			shortID(t.ID),
			string(t.Channel),
			t.Destination,
			stateLabel(t.State, color),
			fmt.Sprintf("%d/%d", t.Attempt, t.MaxAttempts),
			nextLabel(t),
			t.FailureReason,
		})
	}
	_, err := fmt.Fprintln(w, renderTable(
		[]string{"ID", "Channel", "Destination", "State", "Attempts", "Next", "Reason"}, rows))
	return err
}

func printTask(w io.Writer, t delivery.Task) error {
	if outputJSON {
		return printJSON(w, t)
	}
	color := shouldColorize(w)
	rows := [][]string{
		{"ID", t.ID},
		{"Channel", string(t.Channel)},
		{"Destination", t.Destination},
		{"Payload", t.Payload.Summary()},
		{"State", stateLabel(t.State, color)},
		{"Attempts", fmt.Sprintf("%d/%d", t.Attempt, t.MaxAttempts)},
		{"Next eligible", nextLabel(t)},
		{"Created", formatTime(t.CreatedAt)},
		{"Last attempt", formatTime(t.LastAttemptAt)},
		{"Finished", formatTime(t.FinishedAt)},
	}
	if t.LastError != "" {
		rows = append(rows, []string{"Last error", t.LastError})
	}
	if t.FailureReason != "" {
		rows = append(rows, []string{"Failure reason", t.FailureReason})
	}
	if t.Escalation {
		rows = append(rows, []string{"Escalation", "yes"})
	}
	_, err := fmt.Fprintln(w, renderTable([]string{"Field", "Value"}, rows))
	return err
}

func stateLabel(s delivery.State, color bool) string {
	if !color {
		return string(s)
	}
	switch s {
	case delivery.StateSucceeded:
		return text.FgGreen.Sprint(s)
	case delivery.StateFailed:
		return text.FgRed.Sprint(s)
	case delivery.StateInFlight:
		return text.FgCyan.Sprint(s)
	case delivery.StateCancelled:
		return text.FgHiBlack.Sprint(s)
	}
	return string(s)
}

func nextLabel(t delivery.Task) string {
	if t.State != delivery.StatePending {
		return "-"
	}
	return formatTime(t.NextEligibleAt)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksListCmd, tasksGetCmd, tasksCancelCmd)

	tasksListCmd.Flags().StringVar(&listState, "state", "", "filter by state (pending, inflight, succeeded, failed, cancelled)")
	tasksListCmd.Flags().StringVar(&listChannel, "channel", "", "filter by channel (webhook, push, ftp)")
	tasksListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of tasks")
	tasksGetCmd.Flags().DurationVar(&getWait, "wait", 0, "wait up to this long for the task to finish")
}
