package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskmem/classify"
	"github.com/vinayprograms/taskmem/tasks"
)

var (
	taskStatuses []string
	searchLimit  int
	jsonOutput   bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify [prompt]",
	Short: "Classify a task prompt",
	Long: `Prints the task type, complexity score, archive priority, tags and
archive decision the engine would assign to the prompt.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd.OutOrStdout(), classify.Classify(strings.Join(args, " ")))
	},
}

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Short:   "List live task records of an agent",
	PreRunE: requireAgent,
	RunE:    runTasks,
}

var tasksShowCmd = &cobra.Command{
	Use:     "show [task-id]",
	Short:   "Print one live task record",
	Args:    cobra.ExactArgs(1),
	PreRunE: requireAgent,
	RunE:    runTasksShow,
}

var tasksDeleteCmd = &cobra.Command{
	Use:     "delete [task-id]",
	Short:   "Delete a live task record",
	Args:    cobra.ExactArgs(1),
	PreRunE: requireAgent,
	RunE:    runTasksDelete,
}

var archiveCmd = &cobra.Command{
	Use:     "archive",
	Short:   "Print the bounded archive list of an agent",
	PreRunE: requireAgent,
	RunE:    runArchive,
}

var searchCmd = &cobra.Command{
	Use:     "search [query]",
	Short:   "Full-text search over archived task passages",
	Long:    `Searches the agent's archived passages. An empty query lists the newest.`,
	PreRunE: requireAgent,
	RunE:    runSearch,
}

func init() {
	for _, c := range []*cobra.Command{tasksCmd, tasksShowCmd, tasksDeleteCmd, archiveCmd, searchCmd} {
		c.Flags().StringVar(&agentID, "agent", "", "agent id")
	}
	tasksCmd.Flags().StringSliceVar(&taskStatuses, "status", nil, "only list these statuses (pending, in_progress, completed, failed)")
	tasksCmd.Flags().BoolVar(&jsonOutput, "json", false, "print records as JSON")
	archiveCmd.Flags().BoolVar(&jsonOutput, "json", false, "print entries as JSON")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "maximum hits")

	tasksCmd.AddCommand(tasksShowCmd, tasksDeleteCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := openBackends(ctx, cfg, logger, openOptions{})
	if err != nil {
		return err
	}
	defer b.Close()

	statuses := make([]tasks.Status, len(taskStatuses))
	for i, s := range taskStatuses {
		statuses[i] = tasks.Status(s)
	}
	records, err := b.engine.ListTasks(ctx, agentID, statuses...)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), records)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tTYPE\tPRIORITY\tPROGRESS\tSTEP")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
			r.TaskID, r.Status, r.TaskType, r.ArchivePriority, r.ProgressPercentage, r.CurrentStep)
	}
	return w.Flush()
}

func runTasksShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := openBackends(ctx, cfg, logger, openOptions{})
	if err != nil {
		return err
	}
	defer b.Close()

	rec, err := b.engine.GetTask(ctx, agentID, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), rec)
}

func runTasksDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := openBackends(ctx, cfg, logger, openOptions{})
	if err != nil {
		return err
	}
	defer b.Close()

	return b.engine.DeleteTask(ctx, agentID, args[0])
}

func runArchive(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := openBackends(ctx, cfg, logger, openOptions{})
	if err != nil {
		return err
	}
	defer b.Close()

	entries, err := b.engine.GetArchive(ctx, agentID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), entries)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tTYPE\tPRIORITY\tCOMPLETED\tSUMMARY")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.TaskID, e.Status, e.TaskType, e.ArchivePriority,
			e.CompletedAt.Format("2006-01-02 15:04:05"), firstLine(e.ResultSummary))
	}
	return w.Flush()
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := openBackends(ctx, cfg, logger, openOptions{})
	if err != nil {
		return err
	}
	defer b.Close()

	hits, err := b.engine.SearchArchive(ctx, agentID, strings.Join(args, " "), searchLimit)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), hits)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	if len(line) > 60 {
		return line[:57] + "..."
	}
	return line
}
