package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/orchestrator"
	"github.com/mpataki/crew/internal/phase"
	"github.com/mpataki/crew/internal/storage"
	"github.com/mpataki/crew/internal/tui"
	"github.com/mpataki/crew/internal/workspace"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "crew",
		Short: "Agent team routing harness",
		Long:  "Crew routes conversation messages to teams of AI agents, tracks their phases and learns from corrections.",
		RunE:  runTUI,
	}

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("dev", false, "Human-readable development logging")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(newTUICommand())
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newSendCommand())
	rootCmd.AddCommand(newReplayCommand())
	rootCmd.AddCommand(newTeamCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newLessonsCommand())
	rootCmd.AddCommand(newTransitionCommand())
	rootCmd.AddCommand(newEndCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newAgentsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd, envOptions{watch: true})
	if err != nil {
		return err
	}
	defer e.Close()

	app := tui.NewApp(e.coordinator, e.store)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newTUICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Browse conversations interactively",
		Args:  cobra.NoArgs,
		RunE:  runTUI,
	}
}

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write .crew/ project files for agents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			project, err := workspace.Resolve(dir)
			if err != nil {
				return err
			}
			if title, _ := cmd.Flags().GetString("title"); title != "" {
				project.Title = title
			}
			if repo, _ := cmd.Flags().GetString("repo"); repo != "" {
				project.Repository = repo
			}

			if err := workspace.Init(dir, project); err != nil {
				return err
			}

			fmt.Printf("Initialized %s\n", project.Title)
			if project.Repository != "" {
				fmt.Printf("Repository: %s\n", project.Repository)
			}
			return nil
		},
	}

	cmd.Flags().String("title", "", "Project title (default: directory name)")
	cmd.Flags().String("repo", "", "Repository URL (default: git origin)")
	return cmd
}

func newSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <content>",
		Short: "Handle one message as if it arrived from the network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			convID, _ := cmd.Flags().GetString("conversation")
			author, _ := cmd.Flags().GetString("author")
			mentions, _ := cmd.Flags().GetStringSlice("mention")
			replyTo, _ := cmd.Flags().GetString("reply-to")
			isTask, _ := cmd.Flags().GetBool("task")
			projectDir, _ := cmd.Flags().GetString("project")

			e, err := openEnv(cmd, envOptions{oracle: true})
			if err != nil {
				return err
			}
			defer e.Close()

			project, err := workspace.Resolve(projectDir)
			if err != nil {
				return err
			}

			msg := &models.Message{
				ID:         uuid.NewString(),
				Author:     author,
				Content:    args[0],
				Mentions:   mentions,
				ReplyTo:    replyTo,
				ThreadRoot: convID,
				Kind:       models.MessageKindChat,
			}
			if isTask {
				msg.Kind = models.MessageKindTask
			}
			if convID == "" {
				convID = msg.ID
			}

			unlock := e.coordinator.Locks().Lock(convID)
			defer unlock()

			out, err := e.coordinator.HandleMessage(context.Background(), msg, orchestrator.MessageContext{
				ConversationID: convID,
				IsTask:         isTask,
				Project:        project,
			})
			if err != nil {
				return err
			}

			printOutcome(out)
			return nil
		},
	}

	cmd.Flags().StringP("conversation", "c", "", "Conversation id (default: a new conversation)")
	cmd.Flags().StringP("author", "a", "user", "Author identity key")
	cmd.Flags().StringSliceP("mention", "m", nil, "Mentioned agent key or name (repeatable)")
	cmd.Flags().String("reply-to", "", "Id of the message this replies to")
	cmd.Flags().Bool("task", false, "Mark the message as a delegated task")
	cmd.Flags().StringP("project", "p", ".", "Project directory for context")
	return cmd
}

func printOutcome(out *orchestrator.Outcome) {
	fmt.Printf("Conversation: %s\n", out.ConversationID)
	if out.Duplicate {
		fmt.Println("Message already handled.")
		return
	}
	if out.Ended {
		fmt.Println("Conversation has ended; message recorded only.")
		return
	}

	fmt.Printf("Decision: %s\n", out.Decision)
	if len(out.RoutedAgents) == 0 {
		fmt.Println("Routed to: (nobody)")
	} else {
		names := make([]string, 0, len(out.RoutedAgents))
		for _, a := range out.RoutedAgents {
			names = append(names, a.Name)
		}
		fmt.Printf("Routed to: %s\n", strings.Join(names, ", "))
	}
	if out.Team != nil {
		printTeam(out.Team)
	}
	if out.Trigger != nil {
		fmt.Printf("Correction detected: %s\n", out.Trigger.Summary)
	}
	if out.Reflection != nil {
		fmt.Printf("Lessons: %d generated, %d published\n",
			out.Reflection.LessonsGenerated, out.Reflection.LessonsPublished)
		for _, l := range out.Reflection.Published {
			fmt.Printf("  [%s] %s\n", l.AgentName, l.Text)
		}
	}
}

func printTeam(team *models.Team) {
	fmt.Printf("Team: lead=%s members=%s strategy=%s\n",
		team.Lead, strings.Join(team.Members, ","), team.Strategy)
	if team.Rationale != "" {
		fmt.Printf("Rationale: %s\n", team.Rationale)
	}
}

func newTeamCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "team <conversation-id>",
		Short: "Show the team assigned to a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			team, err := e.coordinator.GetTeamForConversation(context.Background(), args[0])
			if err != nil {
				return err
			}
			if team == nil {
				fmt.Println("No team.")
				return nil
			}
			printTeam(team)
			return nil
		},
	}
}

func newShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show a conversation's messages and metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")

			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			var conv *models.Conversation
			if agent != "" {
				conv, err = e.coordinator.AgentView(context.Background(), args[0], agent)
			} else {
				conv, err = e.coordinator.Conversation(context.Background(), args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to get conversation: %w", err)
			}

			md := conv.Metadata
			fmt.Printf("Conversation %s\n", conv.ID)
			if conv.Agent != "" {
				fmt.Printf("View: %s\n", conv.Agent)
			}
			status := string(md.CurrentPhase())
			if md.Ended {
				status += " (ended)"
			}
			fmt.Printf("Phase: %s\n", status)
			if !md.Ended {
				fmt.Println(workspace.PhaseGuide(md.CurrentPhase()))
			}
			if md.Team != nil {
				printTeam(md.Team)
			}
			if len(md.Participants) > 0 {
				fmt.Printf("Participants: %s\n", strings.Join(md.Participants, ", "))
			}

			if len(md.Reflections) > 0 {
				fmt.Println("\nReflections:")
				for _, r := range md.Reflections {
					fmt.Printf("  %s  %d/%d lessons published  %s\n",
						r.TriggerID, r.LessonsPublished, r.LessonsGenerated, storage.FormatTimeAgo(r.At))
				}
			}

			if len(conv.Messages) > 0 {
				fmt.Println("\nMessages:")
				for _, m := range conv.Messages {
					kind := ""
					if m.IsTask() {
						kind = " [task]"
					}
					fmt.Printf("  %s%s: %s\n", m.Author, kind, truncate(m.Content, 80))
				}
			}
			return nil
		},
	}

	cmd.Flags().String("agent", "", "Show this agent's view instead of the shared one")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			convs, err := e.coordinator.ListConversations(context.Background(), 20)
			if err != nil {
				return err
			}

			if len(convs) == 0 {
				fmt.Println("No conversations found.")
				return nil
			}

			for _, c := range convs {
				team := "-"
				if c.Metadata.Team != nil {
					team = strings.Join(c.Metadata.Team.Members, ",")
				}
				status := string(c.Metadata.CurrentPhase())
				if c.Metadata.Ended {
					status = "ended"
				}
				fmt.Printf("%s [%s] %s %s\n", c.ID, status, team, storage.FormatTimeAgo(c.UpdatedAt))
			}

			return nil
		},
	}
}

func newLessonsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lessons <agent>",
		Short: "List an agent's lessons",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			name := args[0]
			if a, ok := e.catalogue.Resolve(name); ok {
				name = a.Name
			}

			lessons, err := e.store.Lessons(context.Background(), name)
			if err != nil {
				return err
			}
			if len(lessons) == 0 {
				fmt.Printf("No lessons for %s.\n", name)
				return nil
			}
			for _, l := range lessons {
				fmt.Printf("- %s (%s)\n", l.Text, storage.FormatTimeAgo(l.CreatedAt))
			}
			return nil
		},
	}
}

func newTransitionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transition <conversation-id> <agent> <phase>",
		Short: "Move a conversation to another phase on an agent's behalf",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")

			target, err := phase.ParsePhase(args[2])
			if err != nil {
				return err
			}

			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			md, err := e.coordinator.RequestTransition(context.Background(), args[0], args[1], target, reason)
			if err != nil {
				return fmt.Errorf("failed to transition: %w", err)
			}

			if md.Ended {
				fmt.Printf("Ended conversation %s\n", args[0])
				return nil
			}
			fmt.Printf("Conversation %s is now in %s\n", args[0], md.CurrentPhase())
			return nil
		},
	}

	cmd.Flags().String("reason", "", "Why the phase is changing")
	return cmd
}

func newEndCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "end <conversation-id>",
		Short: "End a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			md, err := e.coordinator.EndConversation(context.Background(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Ended conversation %s in %s\n", args[0], md.CurrentPhase())
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation and all its views",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.coordinator.DeleteConversation(context.Background(), args[0]); err != nil {
				return err
			}

			fmt.Printf("Deleted conversation %s\n", args[0])
			return nil
		},
	}
}

func newAgentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agent catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			agents := e.coordinator.Agents()
			if len(agents) == 0 {
				fmt.Printf("No agents found. Add YAML files to %s or %s.\n",
					e.cfg.ProjectAgentDir, e.cfg.UserAgentDir)
				return nil
			}

			for _, a := range agents {
				flag := ""
				if a.CanTransition {
					flag = " [transitions]"
				}
				fmt.Printf("%-14s %-24s %s%s\n", a.Name, truncate(a.Role, 24), a.Key, flag)
			}
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
