package cli

import (
	"context"
	"fmt"
	"time"

	"quiz_sync_backend/internal/client"

	"github.com/spf13/cobra"
)

type syncReport struct {
	Mode           client.Mode     `json:"mode"`
	MerkleHealthy  bool            `json:"merkleHealthy"`
	LastModeChange *time.Time      `json:"lastModeChange,omitempty"`
	Summary        *client.Summary `json:"summary,omitempty"`
	Merged         int             `json:"merged,omitempty"`
	Errors         []string        `json:"errors,omitempty"`
	LocalAnswers   int             `json:"localAnswers"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and print the result",
		Long: `Run one sync pass against the server.

Example:
  syncclient sync --server http://localhost:8080 --db ./answers.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			res := s.coordinator.Sync(cmd.Context())
			report, err := newSyncReport(cmd.Context(), s.store, s.coordinator, res)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if res.Failed() {
				return fmt.Errorf("sync failed: %w", res.Cause())
			}
			return nil
		},
	}
}

func newSyncReport(ctx context.Context, store client.LocalStore, coord *client.Coordinator, res client.Result) (syncReport, error) {
	report := syncReport{
		Mode:          res.Mode,
		MerkleHealthy: coord.MerkleHealthy(),
		Summary:       res.Summary,
		Merged:        res.Merged,
	}
	if at := coord.LastModeChange(); !at.IsZero() {
		report.LastModeChange = &at
	}
	for _, err := range []error{res.MerkleErr, res.LegacyErr, res.FullErr, res.Err} {
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}
	answers, err := store.Answers(ctx)
	if err != nil {
		return report, fmt.Errorf("count local answers: %w", err)
	}
	report.LocalAnswers = len(answers)
	return report, nil
}
