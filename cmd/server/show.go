package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"workflow-orchestrator/core/models"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show [workflow-id]",
	Short: "Print stored workflow snapshots",
	Long:  "Without an id, lists every stored workflow. With an id, prints its full snapshot as JSON.",
	Example: `  workflow-orchestrator show
  workflow-orchestrator show 6f1c0d9e-8a4b-4c7e-9d55-1e2f3a4b5c6d`,
	Args: cobra.MaximumNArgs(1),
	RunE: showWorkflows,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func showWorkflows(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	repo, closeRepo, err := openRepository(cmd.Context(), cfg.Storage)
	if err != nil {
		return err
	}
	defer closeRepo()

	if len(args) == 1 {
		w, err := repo.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		data, err := sonic.ConfigStd.MarshalIndent(w, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	workflows, err := repo.List(cmd.Context())
	if err != nil {
		return err
	}
	printWorkflowTable(workflows)
	return nil
}

func printWorkflowTable(workflows []*models.Workflow) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPROGRESS\tNODES\tOUTPUTS\tERROR")
	for _, w := range workflows {
		errMsg := ""
		if w.Error != nil {
			errMsg = w.Error.Message
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%d/%d\t%d\t%s\n",
			w.ID, w.Name, w.Status, w.Progress.ProgressPercent,
			w.Progress.CompletedNodes, w.Progress.TotalNodes, len(w.Outputs), errMsg)
	}
	tw.Flush()
}
