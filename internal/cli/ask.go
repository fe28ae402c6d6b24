package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var askJSON bool

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the indexed documents",
	Long: `Embed the question, retrieve the closest chunks and generate an answer
grounded in them. Sources are listed with their page numbers.

Examples:
  sercha-rag ask "What does the report conclude?"
  sercha-rag ask "Who signed the contract?" --json`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the raw response")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	answer, err := a.Query.Answer(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if askJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(answer)
	}

	fmt.Fprintln(out, answer.Message)
	if len(answer.Docs) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Sources:")
	for i, doc := range answer.Docs {
		fmt.Fprintf(out, "  [%d] %s (page %d)\n", i+1, doc.Metadata.Source, doc.Metadata.PageNumber)
	}
	return nil
}
