package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ratchet/internal/checklist"
)

var (
	checklistApprove bool
	checklistReject  bool
	checklistNote    string
)

var checklistCmd = &cobra.Command{
	Use:   "checklist",
	Short: "Answer a hybrid feature's pending human-verification checklist",
}

var checklistAnswerCmd = &cobra.Command{
	Use:   "answer <feature-id>",
	Short: "Record an operator's approve/reject answer for a feature awaiting checklist review",
	Args:  cobra.ExactArgs(1),
	RunE:  runChecklistAnswer,
}

func init() {
	checklistAnswerCmd.Flags().BoolVar(&checklistApprove, "approve", false, "approve the feature's checklist")
	checklistAnswerCmd.Flags().BoolVar(&checklistReject, "reject", false, "reject the feature's checklist")
	checklistAnswerCmd.Flags().StringVar(&checklistNote, "note", "", "optional note recorded alongside the answer")
	checklistCmd.AddCommand(checklistAnswerCmd)
}

func runChecklistAnswer(cmd *cobra.Command, args []string) error {
	if checklistApprove == checklistReject {
		return fmt.Errorf("exactly one of --approve or --reject is required")
	}
	featureID, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid feature id %q: %w", args[0], err)
	}

	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	if _, ok := e.reg.Catalog().ByID(featureID); !ok {
		return fmt.Errorf("feature #%d not found in catalog", featureID)
	}

	if err := e.checklist.Record(checklist.Answer{
		FeatureID: featureID,
		Approved:  checklistApprove,
		Note:      checklistNote,
	}); err != nil {
		return fmt.Errorf("record checklist answer: %w", err)
	}

	verb := "approved"
	if checklistReject {
		verb = "rejected"
	}
	fmt.Printf("feature #%d checklist %s; next `ratchet run` will re-verify\n", featureID, verb)
	return nil
}
