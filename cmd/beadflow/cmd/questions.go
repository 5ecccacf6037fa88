package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
)

var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "List questions waiting for a human answer",
	RunE:  runQuestions,
}

var answerCmd = &cobra.Command{
	Use:   "answer <question-id> <answer...>",
	Short: "Answer a pending question and resume its workflow",
	Long: `Answer a pending question. The suspended workflow re-enters the
admission queue and its agent resumes with the answer once a slot
is free.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAnswer,
}

func init() {
	rootCmd.AddCommand(questionsCmd)
	rootCmd.AddCommand(answerCmd)
}

func runQuestions(cmd *cobra.Command, _ []string) error {
	addr, err := resolveAPIAddr()
	if err != nil {
		return err
	}

	var questions []core.PendingQuestion
	if err := newAPIClient(addr).get("/api/v1/questions", &questions); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(questions) == 0 {
		fmt.Fprintln(out, "No pending questions")
		return nil
	}

	for _, q := range questions {
		fmt.Fprintf(out, "%s  [%s/%s]  waiting %s\n",
			q.ID, q.Project, q.WorkItemID,
			time.Since(q.CreatedAt).Round(time.Second))
		for _, item := range q.Questions {
			fmt.Fprintf(out, "  %s\n", item.Text)
			if len(item.Options) > 0 {
				fmt.Fprintf(out, "    options: %s\n", strings.Join(item.Options, ", "))
			}
		}
		if q.Context != "" {
			fmt.Fprintf(out, "  context: %s\n", q.Context)
		}
	}
	return nil
}

func runAnswer(cmd *cobra.Command, args []string) error {
	addr, err := resolveAPIAddr()
	if err != nil {
		return err
	}

	questionID := args[0]
	answer := strings.Join(args[1:], " ")

	body := map[string]string{"answer": answer}
	path := "/api/v1/questions/" + questionID + "/answer"
	if err := newAPIClient(addr).post(path, body, nil); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Answered %s; workflow will resume when a slot frees up\n", questionID)
	return nil
}
