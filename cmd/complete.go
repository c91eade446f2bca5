package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/the-crypt-keeper/llama-srb-api/internal/apiclient"
	"github.com/the-crypt-keeper/llama-srb-api/pkg/api"
)

var completeCmd = &cobra.Command{
	Use:   "complete [prompt]",
	Short: "Send a completion request and print the result",
	Long:  "Send a completion request to a running server. With no prompt argument, or \"-\", the prompt is read from stdin.",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, err := readPrompt(args, cmd.InOrStdin())
		if err != nil {
			return err
		}

		url, _ := cmd.Flags().GetString("url")
		n, _ := cmd.Flags().GetInt("n")
		noStream, _ := cmd.Flags().GetBool("no-stream")

		req := &api.CompletionRequest{Prompt: prompt, N: api.IntPtr(n)}
		if cmd.Flags().Changed("max-tokens") {
			maxTokens, _ := cmd.Flags().GetInt("max-tokens")
			req.MaxTokens = api.IntPtr(maxTokens)
		}

		client := apiclient.New(url)
		out := cmd.OutOrStdout()

		if noStream {
			resp, err := client.Complete(cmd.Context(), req)
			if err != nil {
				return err
			}
			printChoices(out, resp.Choices)
			return nil
		}

		events, err := client.StreamCompletion(cmd.Context(), req)
		if err != nil {
			return err
		}
		if n > 1 {
			// Parallel sequences interleave on the wire; print them whole.
			resp, err := apiclient.AccumulateResponse(events)
			if err != nil {
				return err
			}
			printChoices(out, resp.Choices)
			return nil
		}
		for ev := range events {
			if ev.Err != nil {
				return ev.Err
			}
			if ev.Done {
				fmt.Fprintln(out)
				return nil
			}
			for _, c := range ev.Chunk.Choices {
				if c.Text != nil {
					fmt.Fprint(out, *c.Text)
				}
			}
		}
		return errors.New("stream ended before completion")
	},
}

func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	return string(data), nil
}

func printChoices(w io.Writer, choices []api.CompletionChoice) {
	for _, c := range choices {
		if len(choices) > 1 {
			fmt.Fprintf(w, "--- sequence %d (%s) ---\n", c.Index, c.FinishReason)
		}
		fmt.Fprint(w, c.Text)
		if !strings.HasSuffix(c.Text, "\n") {
			fmt.Fprintln(w)
		}
	}
}

func init() {
	completeCmd.Flags().String("url", defaultURL, "server URL")
	completeCmd.Flags().IntP("n", "n", 1, "number of parallel sequences")
	completeCmd.Flags().Int("max-tokens", 0, "tokens per sequence (server default when unset)")
	completeCmd.Flags().Bool("no-stream", false, "wait for the whole response instead of streaming")
	rootCmd.AddCommand(completeCmd)
}
