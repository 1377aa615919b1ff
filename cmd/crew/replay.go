package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/orchestrator"
	"github.com/mpataki/crew/internal/workspace"
)

// replayLine is one JSON line of a replay file.
type replayLine struct {
	ConversationID string          `json:"conversation_id"`
	Task           bool            `json:"task"`
	Message        *models.Message `json:"message"`
}

func newReplayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <file.jsonl>",
		Short: "Feed a file of messages through the coordinator",
		Long: "Replay reads one JSON object per line ({conversation_id, task, message}) and handles them " +
			"concurrently across conversations, in file order within each conversation.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			projectDir, _ := cmd.Flags().GetString("project")
			if concurrency < 1 {
				concurrency = 1
			}

			lines, err := readReplay(args[0])
			if err != nil {
				return err
			}

			e, err := openEnv(cmd, envOptions{oracle: true, watch: true})
			if err != nil {
				return err
			}
			defer e.Close()

			project, err := workspace.Resolve(projectDir)
			if err != nil {
				return err
			}

			var mu sync.Mutex
			stats := map[string]int{}

			locks := e.coordinator.Locks()
			g, ctx := errgroup.WithContext(context.Background())
			g.SetLimit(concurrency)
			for i, line := range lines {
				// Taking the lock here, in file order, keeps each conversation ordered.
				unlock := locks.Lock(line.ConversationID)
				g.Go(func() error {
					defer unlock()
					out, err := e.coordinator.HandleMessage(ctx, line.Message, orchestrator.MessageContext{
						ConversationID: line.ConversationID,
						IsTask:         line.Task,
						Project:        project,
					})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case errors.Is(err, orchestrator.ErrStale):
						stats["stale"]++
						return nil
					case err != nil:
						return fmt.Errorf("line %d: %w", i+1, err)
					case out.Duplicate:
						stats["duplicate"]++
					case out.Ended:
						stats["ended"]++
					default:
						stats[string(out.Decision)]++
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			e.logger.Info("replay complete", zap.Int("messages", len(lines)), zap.Any("decisions", stats))
			fmt.Printf("Replayed %d messages\n", len(lines))
			for decision, n := range stats {
				fmt.Printf("  %-14s %d\n", decision, n)
			}
			return nil
		},
	}

	cmd.Flags().Int("concurrency", 4, "Conversations handled at once")
	cmd.Flags().StringP("project", "p", ".", "Project directory for context")
	return cmd
}

func readReplay(path string) ([]replayLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	defer f.Close()

	var lines []replayLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; scanner.Scan(); n++ {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line replayLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if line.Message == nil {
			return nil, fmt.Errorf("line %d: missing message", n)
		}
		if line.ConversationID == "" {
			line.ConversationID = line.Message.ThreadRoot
		}
		if line.ConversationID == "" {
			line.ConversationID = line.Message.ID
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
