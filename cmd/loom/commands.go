package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/loom/pkg/models"
)

func buildChatCmd() *cobra.Command {
	var (
		configPath string
		stream     bool
		sessionID  string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Run conversation turns against the configured model",
		Long: `Run one turn when a prompt is given, or an interactive session when
it is omitted. With --stream, text is printed as the model produces it.`,
		Example: `  # Single buffered turn
  loom chat "what does this error mean: connection reset by peer"

  # Streaming turn
  loom chat --stream "write a haiku about goroutines"

  # Interactive session with persistence hooks keyed by session id
  loom chat --session support-4821`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context(), configPath, debug, sessionID)
			if err != nil {
				return err
			}
			defer rt.close()

			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt != "" {
				return rt.runTurn(cmd.Context(), prompt, stream)
			}
			return rt.runInteractive(cmd.Context(), stream)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "loom.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print text deltas as the model produces them")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id for long-term memory hooks")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect MCP server connections",
	}
	cmd.AddCommand(buildMCPStatusCmd())
	return cmd
}

func buildMCPStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Connect to configured MCP servers and report their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCPStatus(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "loom.yaml", "Path to YAML configuration file")
	return cmd
}

func (rt *runtime) runTurn(ctx context.Context, prompt string, stream bool) error {
	if !stream {
		resp, err := rt.agent.Converse(ctx, prompt)
		if err != nil {
			return err
		}
		fmt.Println(resp.Text)
		rt.reportTurn(resp)
		return nil
	}

	events := make(chan models.StreamEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if ev.Type == models.EventContentBlockDelta && ev.Delta != nil && ev.Delta.Text != "" {
				fmt.Print(ev.Delta.Text)
			}
		}
	}()

	resp, err := rt.agent.ConverseStream(ctx, prompt, events)
	close(events)
	<-done
	if err != nil {
		return err
	}
	fmt.Println()
	rt.reportTurn(resp)
	return nil
}

func (rt *runtime) reportTurn(resp *agentResponse) {
	for _, call := range resp.ToolCalls {
		rt.logger.Debug("tool call",
			"tool", call.Name, "status", call.Status, "duration", call.Duration)
	}
	rt.logger.Debug("turn usage",
		"iterations", resp.Iterations,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
}

func (rt *runtime) runInteractive(ctx context.Context, stream bool) error {
	fmt.Fprintln(os.Stderr, "loom interactive session (ctrl-d to exit)")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := rt.runTurn(ctx, line, stream); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

func runMCPStatus(ctx context.Context, configPath string) error {
	rt, err := setupPoolOnly(ctx, configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	statuses := rt.pool.Statuses()
	if len(statuses) == 0 {
		fmt.Println("no MCP servers configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tTOOLS\tRESOURCES\tATTEMPT\tLAST ERROR")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			s.Name, s.State, s.Tools, s.Resources, s.Attempt, s.LastError)
	}
	return w.Flush()
}
