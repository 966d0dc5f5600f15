package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/agentx/backend/internal/app"
	"github.com/kimhsiao/agentx/backend/internal/models"
)

func (c *cli) taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks", GroupID: "data"}

	var priority, due, category string
	add := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			t := &models.Task{Title: args[0], Priority: priority, Category: category}
			if due != "" {
				t.DueDate = &due
			}
			t, err := a.Tasks.Create(cmd.Context(), t)
			if err != nil {
				return err
			}
			return c.print(t, func(w io.Writer) { fmt.Fprintf(w, "CREATED %s\n", t.LocalID) })
		}),
	}
	add.Flags().StringVarP(&priority, "priority", "p", "", "low, medium or high")
	add.Flags().StringVar(&due, "due", "", "due date (RFC 3339)")
	add.Flags().StringVar(&category, "category", "", "category")

	var filter string
	var refresh bool
	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks by priority and due date",
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			tasks, err := a.Tasks.ListTasks(cmd.Context(), models.TaskFilter(filter), refresh)
			if err != nil {
				return err
			}
			return c.print(tasks, func(w io.Writer) {
				for _, t := range tasks {
					mark := " "
					if t.IsCompleted {
						mark = "x"
					}
					fmt.Fprintf(w, "[%s] %-36s %-6s %-8s %s\n", mark, t.LocalID, t.Priority, t.SyncStatus, t.Title)
				}
			})
		}),
	}
	list.Flags().StringVar(&filter, "status", string(models.TaskFilterAll), "all, pending or completed")
	list.Flags().BoolVar(&refresh, "refresh", false, "pull from the remote first")

	done := &cobra.Command{
		Use:   "done <id>",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			t, err := a.Tasks.Complete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(t, func(w io.Writer) { fmt.Fprintf(w, "COMPLETED %s\n", t.LocalID) })
		}),
	}

	rm := &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a task",
		Args:    cobra.ExactArgs(1),
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			if err := a.Tasks.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "DELETED %s\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(add, list, done, rm)
	return cmd
}

func (c *cli) eventCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "event", Short: "Manage calendar events", GroupID: "data"}

	var start, end, location string
	add := &cobra.Command{
		Use:   "add <title>",
		Short: "Create an event",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			ev := &models.Event{Title: args[0], StartTime: start}
			if end != "" {
				ev.EndTime = &end
			}
			if location != "" {
				ev.Location = &location
			}
			ev, err := a.Events.Create(cmd.Context(), ev)
			if err != nil {
				return err
			}
			return c.print(ev, func(w io.Writer) { fmt.Fprintf(w, "CREATED %s\n", ev.LocalID) })
		}),
	}
	add.Flags().StringVar(&start, "start", "", "start time (RFC 3339)")
	add.Flags().StringVar(&end, "end", "", "end time (RFC 3339)")
	add.Flags().StringVar(&location, "location", "", "location")
	_ = add.MarkFlagRequired("start")

	var refresh bool
	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List events by start time",
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			events, err := a.Events.List(cmd.Context(), refresh)
			if err != nil {
				return err
			}
			return c.print(events, func(w io.Writer) {
				for _, e := range events {
					fmt.Fprintf(w, "%-36s %s %-8s %s\n", e.LocalID, e.StartTime, e.SyncStatus, e.Title)
				}
			})
		}),
	}
	list.Flags().BoolVar(&refresh, "refresh", false, "pull from the remote first")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an event",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			if err := a.Events.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "DELETED %s\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(add, list, rm)
	return cmd
}

func (c *cli) chatCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "chat", Short: "Manage chat sessions", GroupID: "data"}

	var agent string
	newSession := &cobra.Command{
		Use:   "new <title>",
		Short: "Start a chat session",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			s, err := a.Chat.CreateSession(cmd.Context(), args[0], agent)
			if err != nil {
				return err
			}
			return c.print(s, func(w io.Writer) { fmt.Fprintf(w, "CREATED %s\n", s.LocalID) })
		}),
	}
	newSession.Flags().StringVar(&agent, "agent", "", "agent name")

	var role string
	send := &cobra.Command{
		Use:   "send <session-id> <message>",
		Short: "Append a message to a session",
		Args:  cobra.ExactArgs(2),
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			m, err := a.Chat.AddMessage(cmd.Context(), args[0], &models.ChatMessage{Role: role, Content: args[1]})
			if err != nil {
				return err
			}
			return c.print(m, func(w io.Writer) { fmt.Fprintf(w, "SENT %s\n", m.LocalID) })
		}),
	}
	send.Flags().StringVar(&role, "role", models.RoleUser, "user, assistant or system")

	var limit int
	history := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Show the latest messages of a session",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			msgs, err := a.Chat.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return c.print(msgs, func(w io.Writer) {
				for _, m := range msgs {
					fmt.Fprintf(w, "%-9s %s\n", m.Role+":", m.Content)
				}
			})
		}),
	}
	history.Flags().IntVarP(&limit, "limit", "n", 20, "number of messages, 0 for all")

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List chat sessions",
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			sessions, err := a.Chat.ListSessions(cmd.Context(), false)
			if err != nil {
				return err
			}
			return c.print(sessions, func(w io.Writer) {
				for _, s := range sessions {
					fmt.Fprintf(w, "%-36s %-8s %s\n", s.LocalID, s.SyncStatus, s.Title)
				}
			})
		}),
	}

	rm := &cobra.Command{
		Use:   "rm <session-id>",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			if err := a.Chat.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "DELETED %s\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(newSession, send, history, list, rm)
	return cmd
}

func (c *cli) syncCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sync", Short: "Replay and inspect the mutation queue", GroupID: "sync"}

	now := &cobra.Command{
		Use:   "now",
		Short: "Drain the queue immediately",
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			res, err := a.SyncNow(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(res, func(w io.Writer) {
				fmt.Fprintf(w, "synced %d, failed %d, conflicts %d, remaining %d (%s)\n",
					res.Synced, res.Failed, res.Conflicts, res.Remaining, res.Duration.Round(time.Millisecond))
				for _, e := range res.Errors {
					fmt.Fprintf(w, "  %s\n", e)
				}
			})
		}),
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show pending changes and the last drain",
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			a.Monitor.Check(cmd.Context())
			st, err := a.Status(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.QueueStats(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]any{"status": st, "queue": stats}
			return c.print(out, func(w io.Writer) {
				fmt.Fprintf(w, "online:         %t\n", st.Online)
				fmt.Fprintf(w, "auth suspended: %t\n", st.AuthSuspended)
				fmt.Fprintf(w, "pending:        %d (ready %d, waiting %d, auth blocked %d, exhausted %d)\n",
					st.Pending, stats.Ready, stats.Waiting, stats.AuthBlocked, stats.Failed)
			})
		}),
	}

	var limit int
	conflicts := &cobra.Command{
		Use:   "conflicts",
		Short: "Show resolved conflicts",
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			logs, err := a.Conflicts(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return c.print(logs, func(w io.Writer) {
				for _, l := range logs {
					fmt.Fprintf(w, "%s %-13s %-36s %s\n",
						time.UnixMilli(l.DetectedAt).Format(time.RFC3339), l.EntityType, l.LocalID, l.Resolution)
				}
			})
		}),
	}
	conflicts.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Reset retry counters of failed operations",
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			n, err := a.RetryFailed(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "RESET %d\n", n)
			return nil
		}),
	}

	cmd.AddCommand(now, status, conflicts, retry)
	return cmd
}

func (c *cli) loginCmd() *cobra.Command {
	var token string
	var expiresIn time.Duration
	cmd := &cobra.Command{
		Use:     "login",
		Short:   "Store an access token and resume sync",
		GroupID: "sync",
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			if err := a.Login(token, expiresIn); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "LOGGED IN")
			return nil
		}),
	}
	cmd.Flags().StringVar(&token, "token", "", "access token")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "token lifetime, 0 for none")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "logout",
		Short:   "Forget the stored access token",
		GroupID: "sync",
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			if err := a.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "LOGGED OUT")
			return nil
		}),
	}
}

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "run",
		Short:   "Keep syncing in the background until interrupted",
		GroupID: "sync",
		RunE: c.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a.Start(ctx)
			fmt.Fprintln(c.out, "sync running, press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		}),
	}
}
