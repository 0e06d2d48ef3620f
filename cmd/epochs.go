package main

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	relayer "github.com/wiimdy/openfunderse-sub000"
)

func epochCommands(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "epochs",
		Short: "manage fund epochs",
	}
	cmd.AddCommand(epochTickCommand(a))
	cmd.AddCommand(epochProofCommand(a))
	return cmd
}

// epochTickCommand runs one lifecycle step for every auto-epoch fund, the
// same step the scheduler performs, under the scheduler's lease.
func epochTickCommand(a *app) *cobra.Command {
	var (
		limit int
		wait  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "advance the epoch of every auto-epoch fund once",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.setup(cmd.Context())
			if err != nil {
				return err
			}
			results, err := r.TickAllExclusive(cmd.Context(), time.Now().UTC(), limit, wait)
			if err != nil {
				return err
			}
			renderTickResults(os.Stdout, results)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of funds to tick (0 uses the configured limit)")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for a running scheduled tick")
	return cmd
}

func renderTickResults(out io.Writer, results []relayer.TickResult) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Fund", "Action", "Epoch", "State Hash", "Closes At", "Detail"})
	for _, res := range results {
		closesAt := ""
		if res.NewClosesAt != nil {
			closesAt = res.NewClosesAt.Format(time.RFC3339)
		}
		detail := res.Reason
		if res.Error != "" {
			detail = res.Error
		}
		tw.AppendRow(table.Row{res.FundID, res.Action, res.EpochID, res.EpochStateHash, closesAt, detail})
	}
	tw.Render()
}

func epochProofCommand(a *app) *cobra.Command {
	var (
		fundID    string
		epochID   uint64
		claimHash string
	)
	cmd := &cobra.Command{
		Use:   "proof",
		Short: "print the merkle inclusion proof of a claim in an aggregated epoch",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.setup(cmd.Context())
			if err != nil {
				return err
			}
			inclusion, err := r.ClaimProof(cmd.Context(), fundID, epochID, claimHash)
			if err != nil {
				return err
			}
			renderClaimProof(os.Stdout, inclusion)
			return nil
		},
	}
	cmd.Flags().StringVar(&fundID, "fund", "", "fund id")
	cmd.Flags().Uint64Var(&epochID, "epoch", 0, "epoch id")
	cmd.Flags().StringVar(&claimHash, "claim", "", "claim hash")
	_ = cmd.MarkFlagRequired("fund")
	_ = cmd.MarkFlagRequired("epoch")
	_ = cmd.MarkFlagRequired("claim")
	return cmd
}

func renderClaimProof(out io.Writer, inclusion *relayer.ClaimInclusion) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetTitle("fund %s, epoch %d", inclusion.FundID, inclusion.EpochID)
	tw.AppendRow(table.Row{"Claim", inclusion.ClaimHash})
	tw.AppendRow(table.Row{"Merkle Root", inclusion.MerkleRoot})
	tw.AppendRow(table.Row{"Epoch State Hash", inclusion.EpochStateHash})
	for i, sibling := range inclusion.Proof {
		tw.AppendRow(table.Row{"Proof " + strconv.Itoa(i), sibling})
	}
	tw.Render()
}
