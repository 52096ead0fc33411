package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	appLog "daysync/internal/log"
	"daysync/internal/model"
	"daysync/internal/poller"
	"daysync/internal/schedule"
	"daysync/internal/web"
)

func newPoller(a *app, onStop func(userID string, reason poller.StopReason, err error)) (*poller.Poller, error) {
	return poller.New(a.remote, a.svc, a.store, poller.Options{
		Schedule:     a.cfg.PollSchedule,
		Location:     a.cfg.Location(),
		FetchTimeout: a.cfg.GoogleTimeout() * 3,
		OnStop:       onStop,
	})
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with remote calendar polling",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := newPoller(a, func(userID string, reason poller.StopReason, _ error) {
				if reason == poller.ReasonAuth {
					appLog.Info("remote calendar disconnected; user must reconnect", "user", userID)
				}
			})
			if err != nil {
				return err
			}
			defer p.StopAll()

			return web.NewServer(a.cfg, a.svc, a.store, p).Serve(ctx)
		},
	}
}

func newPollCmd(flags *rootFlags) *cobra.Command {
	var user, token string
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll the remote calendar for one user until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if token == "" {
				if token, err = a.store.Token(ctx, user); err != nil {
					return err
				}
			}

			stopped := make(chan error, 1)
			p, err := newPoller(a, func(_ string, reason poller.StopReason, err error) {
				if reason == poller.ReasonShutdown {
					return
				}
				if err == nil {
					err = errors.New("session ended")
				}
				select {
				case stopped <- fmt.Errorf("polling stopped (%s): %w", reason, err):
				default:
				}
			})
			if err != nil {
				return err
			}
			defer p.StopAll()

			if _, err := p.Start(user, token); err != nil {
				return err
			}
			select {
			case err := <-stopped:
				return err
			case <-ctx.Done():
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&token, "token", "", "Remote access token (defaults to the stored one)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newSyncCmd(flags *rootFlags) *cobra.Command {
	var user, date, token string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch one day from the remote calendar and reconcile it once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.svc.PreviewRemote(ctx, user, date, token)
			if err != nil {
				return err
			}
			day, err := model.ParseDate(p.Date, a.svc.Location())
			if err != nil {
				return err
			}
			if err := a.svc.ApplyRemote(ctx, user, day, p.Items()); err != nil {
				return err
			}
			return printTimeline(cmd, a, user, p.Date)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&date, "date", "", "Date YYYY-MM-DD (defaults to today)")
	cmd.Flags().StringVar(&token, "token", "", "Remote access token (defaults to the stored one)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newImportCmd(flags *rootFlags) *cobra.Command {
	var (
		user, date, file, url string
		selected              []int
		dryRun                bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import one day of events from an ICS file or URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (url == "") {
				return errors.New("exactly one of --file or --url is required")
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			var p schedule.Preview
			if file != "" {
				body, err := readInput(file)
				if err != nil {
					return err
				}
				p, err = a.svc.PreviewFile(ctx, user, date, body)
				if err != nil {
					return err
				}
			} else {
				if p, err = a.svc.PreviewURL(ctx, user, date, url); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if p.Empty() {
				fmt.Fprintf(out, "No events on %s.\n", p.Date)
				return nil
			}
			for i, c := range p.Candidates {
				mark := " "
				if c.Duplicate {
					mark = "="
				}
				fmt.Fprintf(out, "%s [%d] %s %-8s %s\n", mark, i, c.Item.Time, c.Item.Category, c.Item.Title)
			}
			if dryRun {
				return nil
			}

			if len(selected) == 0 {
				for i, c := range p.Candidates {
					if !c.Duplicate {
						selected = append(selected, i)
					}
				}
			}
			res, err := a.svc.ImportItems(ctx, user, p.Date, p.Items(), selected)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Imported %d, skipped %d duplicate(s).\n", res.Added, res.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&date, "date", "", "Date YYYY-MM-DD (defaults to today)")
	cmd.Flags().StringVar(&file, "file", "", "ICS file path, or - for stdin")
	cmd.Flags().StringVar(&url, "url", "", "ICS feed URL")
	cmd.Flags().IntSliceVar(&selected, "select", nil, "Candidate indices to import (defaults to all new ones)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only list candidates")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newTimelineCmd(flags *rootFlags) *cobra.Command {
	var user, date string
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Print a user's timeline for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()
			return printTimeline(cmd, a, user, date)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&date, "date", "", "Date YYYY-MM-DD (defaults to today)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newAddCmd(flags *rootFlags) *cobra.Command {
	var (
		user, date string
		in         schedule.ManualItem
		category   string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a manual item to a user's timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			in.Category = model.Category(strings.ToLower(category))
			item, err := a.svc.AddManual(ctx, user, date, in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s %s (%s).\n", item.Time, item.Title, item.Category)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&date, "date", "", "Date YYYY-MM-DD (defaults to today)")
	cmd.Flags().StringVar(&in.Time, "time", "", "Start time HH:MM")
	cmd.Flags().StringVar(&in.Title, "title", "", "Title")
	cmd.Flags().StringVar(&category, "category", "", "block, event, bio or project (classified when empty)")
	cmd.Flags().StringVar(&in.Description, "description", "", "Description")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("time")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newCompleteCmd(flags *rootFlags) *cobra.Command {
	var (
		user, date, key string
		task            model.Task
		estimate        int
		undo            bool
	)
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete a timeline item by key, or a task by ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (key == "") == (task.ID == "") {
				return errors.New("exactly one of --key or --task is required")
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			if undo {
				if key == "" {
					key = task.Key()
				}
				removed, err := a.svc.Uncomplete(ctx, user, date, key)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Removed: %t\n", removed)
				return nil
			}

			if task.ID != "" {
				if cmd.Flags().Changed("estimate") {
					task.EstimateMinutes = &estimate
				}
				ev, err := a.svc.CompleteTask(ctx, user, date, task)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Completed %q: %s (weight %d).\n", ev.Title, ev.Tier, ev.Weight)
				return nil
			}

			ev, err := a.svc.Complete(ctx, user, date, key)
			if errors.Is(err, schedule.ErrAlreadyCompleted) {
				fmt.Fprintln(out, "Already completed.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Completed %q: %s (weight %d).\n", ev.Title, ev.Tier, ev.Weight)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&date, "date", "", "Date YYYY-MM-DD (defaults to today)")
	cmd.Flags().StringVar(&key, "key", "", "Timeline item key")
	cmd.Flags().StringVar(&task.ID, "task", "", "Task ID")
	cmd.Flags().StringVar(&task.Title, "title", "", "Task title")
	cmd.Flags().IntVar(&estimate, "estimate", 0, "Task estimate in minutes")
	cmd.Flags().BoolVar(&undo, "undo", false, "Remove the completion instead")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printTimeline(cmd *cobra.Command, a *app, user, date string) error {
	d, err := a.svc.Timeline(cmd.Context(), user, date)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%d items)\n", d.Date, len(d.Items))
	for _, e := range d.Items {
		mark := " "
		if e.Done {
			mark = "x"
		}
		fmt.Fprintf(out, "[%s] %s %-8s %s  (%s)\n", mark, e.Time, e.Category, e.Title, e.Key)
	}
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
