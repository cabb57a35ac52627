package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"workflow-orchestrator/core/executor"
	"workflow-orchestrator/core/models"

	"github.com/spf13/cobra"
)

var (
	runID        string
	runName      string
	runOutputDir string
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.json> [input-image...]",
	Short: "Execute one workflow and wait for it",
	Example: `  # run an API-format export with one input image
  workflow-orchestrator run portrait.json face.png

  # choose the id and where the outputs go
  workflow-orchestrator run --id portrait-1 --output-dir ./renders portrait.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWorkflow,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runID, "id", "", "workflow id (default: random UUID)")
	runCmd.Flags().StringVar(&runName, "name", "", "workflow name (default: file name)")
	runCmd.Flags().StringVarP(&runOutputDir, "output-dir", "o", "", "directory for downloaded outputs")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.shutdown(shutdownCtx)
	}()

	id, err := a.executor.Execute(ctx, executor.Request{
		ID:           runID,
		Name:         runName,
		WorkflowFile: args[0],
		InputImages:  args[1:],
		OutputDir:    runOutputDir,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Workflow %s queued\n", id)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done, err := a.executor.Done(id)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-sigCh:
			fmt.Println("\nCancelling...")
			_ = a.executor.Cancel(id)
		case <-ticker.C:
			if w, err := a.executor.Get(id); err == nil {
				last = printProgress(w, last)
			}
		case <-done:
			w, err := a.executor.Get(id)
			if err != nil {
				return err
			}
			printProgress(w, last)
			return finalResult(w)
		}
	}
}

// printProgress prints a status line when it changed since the previous one
func printProgress(w *models.Workflow, previous string) string {
	line := fmt.Sprintf("  %-9s %5.1f%%  nodes %d/%d", w.Status, w.Progress.ProgressPercent,
		w.Progress.CompletedNodes, w.Progress.TotalNodes)
	if w.Progress.CurrentNode != "" {
		line += "  running " + w.Progress.CurrentNode
	}
	if w.Progress.QueuePosition != nil && *w.Progress.QueuePosition > 0 {
		line += fmt.Sprintf("  queue #%d", *w.Progress.QueuePosition)
	}
	if line != previous {
		fmt.Println(line)
	}
	return line
}

func finalResult(w *models.Workflow) error {
	switch w.Status {
	case models.WorkflowStatusCompleted:
		for _, out := range w.Outputs {
			fmt.Printf("  %s\n", out.LocalPath)
		}
		return nil
	case models.WorkflowStatusFailed:
		return fmt.Errorf("workflow %s failed: %s", w.ID, w.Error.Message)
	default:
		return fmt.Errorf("workflow %s %s", w.ID, w.Status)
	}
}
