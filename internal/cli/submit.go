package cli

import (
	"encoding/json"
	"fmt"

	"quiz_sync_backend/internal/synctree"

	"github.com/spf13/cobra"
)

type SubmitOptions struct {
	*RootOptions
	Timestamp int64
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <question-id> <answer-json>",
		Short: "Submit one answer as --username",
		Long: `Submit one answer. The answer is any JSON value; bare words are
sent as strings.

Example:
  syncclient submit -u alice U1-L2-Q03 '"B"'
  syncclient submit -u alice U1-L2-Q04 '{"choice":"C","confidence":3}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Username == "" {
				return fmt.Errorf("--username is required")
			}
			s, err := openSession(opts.RootOptions)
			if err != nil {
				return err
			}
			defer s.Close()

			answer := synctree.RawAnswer{
				Username:    opts.Username,
				QuestionID:  args[0],
				AnswerValue: answerValue(args[1]),
			}
			if opts.Timestamp > 0 {
				answer.Timestamp = opts.Timestamp
			}
			res, err := s.api.SubmitAnswer(cmd.Context(), answer)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().Int64Var(&opts.Timestamp, "timestamp", 0, "answer timestamp in epoch milliseconds (server time when 0)")

	return cmd
}

func answerValue(arg string) json.RawMessage {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	quoted, _ := json.Marshal(arg)
	return quoted
}
