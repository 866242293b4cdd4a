package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
	}

	cmd.AddCommand(
		newRunListCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunCancelCmd(clientFn, outputFn),
		newRunTasksCmd(clientFn, outputFn),
	)

	return cmd
}

var runHeaders = []string{"ID", "DAG_ID", "STATUS", "LOGICAL_DATE", "TRIGGER", "CREATED"}

func runRow(r RunResponse) []string {
	trigger := "schedule"
	if r.ExternalTrigger {
		trigger = "manual"
	}
	return []string{r.ID, r.DAGID, r.Status, formatTime(r.LogicalDate), trigger, formatTime(r.CreatedAt)}
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListRunsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = runRow(r)
			}

			out.Print(runHeaders, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.DAGID, "dag-id", "", "Filter by DAG ID")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (PENDING, RUNNING, SUCCEEDED, FAILED, CANCELLED)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Number of results to skip")

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "DAG_ID", "STATUS", "LOGICAL_DATE", "STARTED", "FINISHED", "ERROR"},
				[][]string{{
					run.ID, run.DAGID, run.Status, formatTime(run.LogicalDate),
					formatTime(run.StartedAt), formatTime(run.FinishedAt), orDash(run.Error),
				}},
				run,
			)
			return nil
		},
	}
}

func newRunCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.CancelRun(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run cancelled: %s", run.ID))
			return nil
		},
	}
}

func newRunTasksCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks RUN_ID",
		Short: "List tasks in a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			tasks, err := client.ListTasks(args[0])
			if err != nil {
				return err
			}

			headers := []string{"ID", "TASK_ID", "NOTEBOOK", "STATUS", "ATTEMPT", "ERROR"}
			rows := make([][]string, len(tasks))
			for i, t := range tasks {
				rows[i] = []string{t.ID, t.TaskID, t.Notebook, t.Status, strconv.Itoa(t.Attempt), orDash(t.Error)}
			}

			out.Print(headers, rows, tasks)
			return nil
		},
	}
}
