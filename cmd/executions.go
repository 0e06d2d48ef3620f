package main

import (
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	relayer "github.com/wiimdy/openfunderse-sub000"
	"github.com/wiimdy/openfunderse-sub000/model"
)

func executionCommands(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "inspect and drive the intent execution queue",
	}
	cmd.AddCommand(executionRunCommand(a))
	cmd.AddCommand(executionListCommand(a))
	return cmd
}

func executionRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "claim and execute one batch of due jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.setup(cmd.Context())
			if err != nil {
				return err
			}
			report, err := r.RunExecutionCycle(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			renderCycleReport(os.Stdout, report)
			return nil
		},
	}
}

func executionListCommand(a *app) *cobra.Command {
	var filter model.ExecutionJobFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list execution jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.setup(cmd.Context())
			if err != nil {
				return err
			}
			filter.Status = model.ExecutionStatus(status)
			jobs, err := r.ListExecutionJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			renderJobs(os.Stdout, jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.FundID, "fund", "", "only jobs of this fund")
	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of jobs")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "number of jobs to skip")
	return cmd
}

func renderCycleReport(out io.Writer, report *relayer.CycleReport) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetTitle("batch %d, processed %d", report.BatchSize, report.Processed)
	tw.AppendHeader(table.Row{"Job", "Fund", "Intent", "Status", "Attempts", "Tx Hash", "Next Run", "Error"})
	for _, res := range report.Results {
		nextRun := ""
		if res.NextRunAt != nil {
			nextRun = res.NextRunAt.Format(time.RFC3339)
		}
		tw.AppendRow(table.Row{res.JobID, res.FundID, res.IntentHash, res.Status, res.Attempts, res.TxHash, nextRun, res.Error})
	}
	tw.Render()
}

func renderJobs(out io.Writer, jobs []model.ExecutionJob) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Job", "Fund", "Intent", "Status", "Attempts", "Next Run", "Tx Hash", "Last Error"})
	for _, job := range jobs {
		tw.AppendRow(table.Row{job.ID, job.FundID, job.IntentHash, job.Status, job.AttemptCount, job.NextRunAt.Format(time.RFC3339), job.TxHash, job.LastError})
	}
	tw.Render()
}
