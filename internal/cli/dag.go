package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewDAGCmd создаёт группу команд для управления DAG.
func NewDAGCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dag",
		Short: "Inspect and trigger DAGs",
	}

	cmd.AddCommand(
		newDAGListCmd(clientFn, outputFn),
		newDAGShowCmd(clientFn, outputFn),
		newDAGTriggerCmd(clientFn, outputFn),
		newDAGPauseCmd(clientFn, outputFn, true),
		newDAGPauseCmd(clientFn, outputFn, false),
	)

	return cmd
}

var dagHeaders = []string{"ID", "SCHEDULE", "TASKS", "PAUSED", "NEXT_DUE", "LAST_RUN"}

func dagRow(d DAGResponse) []string {
	schedule := d.ScheduleInterval
	if !d.ScheduleValid {
		schedule += " (invalid)"
	}
	return []string{
		d.ID, schedule, strconv.Itoa(d.TaskCount),
		strconv.FormatBool(d.IsPaused), formatTime(d.NextDueAt), formatTime(d.LastRunAt),
	}
}

func newDAGListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var tag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List DAGs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			dags, err := client.ListDAGs(tag)
			if err != nil {
				return err
			}

			rows := make([][]string, len(dags))
			for i, d := range dags {
				rows[i] = dagRow(d)
			}

			out.Print(dagHeaders, rows, dags)
			return nil
		},
	}

	cmd.Flags().StringVar(&tag, "tag", "", "Filter by tag")

	return cmd
}

func newDAGShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show DAG_ID",
		Short: "Show DAG tasks and dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			dag, err := client.GetDAG(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(dag)
				return nil
			}

			out.Table(dagHeaders, [][]string{dagRow(dag.DAGResponse)})
			fmt.Fprintln(out.w)

			rows := make([][]string, len(dag.Tasks))
			for i, t := range dag.Tasks {
				rows[i] = []string{t.ID, t.Notebook, orDash(strings.Join(t.DependsOn, ","))}
			}
			out.Table([]string{"TASK", "NOTEBOOK", "DEPENDS_ON"}, rows)
			return nil
		},
	}
}

func newDAGTriggerCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var conf []string
	var confJSON string
	var logicalDate string
	var idempotencyKey string

	cmd := &cobra.Command{
		Use:   "trigger DAG_ID",
		Short: "Trigger a manual run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := TriggerRunRequest{IdempotencyKey: idempotencyKey}

			parsed, err := parseConf(confJSON, conf)
			if err != nil {
				return err
			}
			req.Conf = parsed

			if logicalDate != "" {
				t, err := time.Parse(time.RFC3339, logicalDate)
				if err != nil {
					return fmt.Errorf("invalid logical date %q, expected RFC3339", logicalDate)
				}
				req.LogicalDate = t.UTC().Format(time.RFC3339)
			}

			run, err := client.TriggerDAG(args[0], req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run triggered: %s", run.ID))
			out.Print(runHeaders, [][]string{runRow(*run)}, run)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&conf, "conf", nil, "Run conf values as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&confJSON, "conf-json", "", "Run conf as a JSON object")
	cmd.Flags().StringVar(&logicalDate, "logical-date", "", "Logical date (RFC3339), defaults to now")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Return the existing run for a repeated key")

	return cmd
}

// parseConf собирает conf из JSON-объекта и пар KEY=VALUE.
// Пары перекрывают ключи из JSON.
func parseConf(confJSON string, pairs []string) (map[string]any, error) {
	var conf map[string]any
	if confJSON != "" {
		if err := json.Unmarshal([]byte(confJSON), &conf); err != nil {
			return nil, fmt.Errorf("invalid --conf-json: %w", err)
		}
	}

	for _, kv := range pairs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid conf format %q, expected KEY=VALUE", kv)
		}
		if conf == nil {
			conf = make(map[string]any)
		}
		conf[key] = value
	}
	return conf, nil
}

func newDAGPauseCmd(clientFn func() *Client, outputFn func() *Output, paused bool) *cobra.Command {
	use, short, verb := "unpause DAG_ID", "Resume scheduling of a DAG", "unpaused"
	if paused {
		use, short, verb = "pause DAG_ID", "Pause scheduling of a DAG", "paused"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			dag, err := client.SetDAGPaused(args[0], paused)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("DAG %s: %s", verb, dag.ID))
			out.Print(dagHeaders, [][]string{dagRow(*dag)}, dag)
			return nil
		},
	}
}
