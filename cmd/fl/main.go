package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forgeline/internal/agent"
	"forgeline/internal/app"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/git"
	"forgeline/internal/logging"
	"forgeline/internal/migrate"
	"forgeline/internal/repo"
	"forgeline/internal/sched"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Forgeline CLI",
	Long: `Forgeline drives a coding agent through autonomous build runs.
Core concepts:
- Workspace: the .forgeline directory holding the orchestrator database; settings live in forgeline.yml next to it.
- Project: a working tree the agent edits, with an optional overview document that anchors planning.
- Milestones: ordered phases; one is in progress at a time and its tasks run before the next opens.
- Tasks: units of agent work flowing pending -> in_progress -> review -> completed, with bounded retries and recovery re-planning when retries run out.
- Runs: one control-loop pass (select or plan a task, drive the agent, review, commit); triggered by CLI, schedule, or by hand.
- Knowledge: reusable notes harvested from completed work and fed back into planner prompts.
- Logs: the per-run audit trail, view with 'fl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FORGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	rootCmd.PersistentFlags().String("project", "", "project id or name")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(knowledgeCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(schedCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Printf("Workspace ready (%s)\n", db.Path(workspace))
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("Config already at %s\n", path)
				return nil
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Schedule != "" {
				if _, err := time.ParseDuration(opts.Schedule); err != nil {
					return fmt.Errorf("schedule: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.Workdir, "workdir", "", "working tree the agent edits")
	cmd.Flags().StringVar(&opts.OverviewPath, "overview", "", "overview document path, relative to workdir")
	cmd.Flags().BoolVar(&opts.KnowledgeEnabled, "knowledge", false, "harvest knowledge after runs")
	cmd.Flags().BoolVar(&opts.ScheduleEnabled, "schedule-enabled", false, "let the scheduler trigger runs")
	cmd.Flags().StringVar(&opts.Schedule, "schedule", "", "run interval (e.g. 30m, 2h)")
	cmd.Flags().StringVar(&opts.GitAuthor, "git-author", "", "commit author override")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("workdir")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Workdir", "Knowledge", "Schedule"})
				for _, p := range items {
					schedule := "off"
					if p.ScheduleEnabled && p.Schedule != "" {
						schedule = p.Schedule
					}
					tw.AppendRow(table.Row{shortID(p.ID), p.Name, p.Workdir, onOff(p.KnowledgeEnabled), schedule})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [project]",
		Short: "Show a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := app.ResolveProject(ctx, r, refFromArgs(args))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name, overview, schedule, gitAuthor string
	var knowledge, scheduleEnabled bool
	cmd := &cobra.Command{
		Use:   "update [project]",
		Short: "Update project settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("schedule") && schedule != "" {
				if _, err := time.ParseDuration(schedule); err != nil {
					return fmt.Errorf("schedule: %w", err)
				}
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := app.ResolveProject(ctx, r, refFromArgs(args))
				if err != nil {
					return err
				}
				var u repo.ProjectUpdate
				if cmd.Flags().Changed("name") {
					u.Name = &name
				}
				if cmd.Flags().Changed("overview") {
					u.OverviewPath = &overview
				}
				if cmd.Flags().Changed("knowledge") {
					u.KnowledgeEnabled = &knowledge
				}
				if cmd.Flags().Changed("schedule-enabled") {
					u.ScheduleEnabled = &scheduleEnabled
				}
				if cmd.Flags().Changed("schedule") {
					u.Schedule = &schedule
				}
				if cmd.Flags().Changed("git-author") {
					u.GitAuthor = &gitAuthor
				}
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.UpdateProjectSettings(ctx, p.ID, u, now); err != nil {
					return err
				}
				updated, err := r.GetProject(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&overview, "overview", "", "overview document path, relative to workdir")
	cmd.Flags().BoolVar(&knowledge, "knowledge", false, "harvest knowledge after runs")
	cmd.Flags().BoolVar(&scheduleEnabled, "schedule-enabled", false, "let the scheduler trigger runs")
	cmd.Flags().StringVar(&schedule, "schedule", "", "run interval (e.g. 30m, 2h)")
	cmd.Flags().StringVar(&gitAuthor, "git-author", "", "commit author override")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete [project]",
		Short: "Delete a project and everything under it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := app.ResolveProject(ctx, r, refFromArgs(args))
				if err != nil {
					return err
				}
				if err := r.DeleteProject(ctx, p.ID); err != nil {
					return err
				}
				fmt.Printf("Deleted project %s (%s)\n", p.Name, p.ID)
				return nil
			})
		},
	}
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{
		Use:   "milestone",
		Short: "Manage milestones",
		Long:  "Milestones are ordered phases of a project. The control loop works one milestone at a time and advances when every task in it is settled.",
	}
	ms.AddCommand(milestoneAddCmd())
	ms.AddCommand(milestoneListCmd())
	return ms
}

func milestoneAddCmd() *cobra.Command {
	var opts engine.MilestoneCreateOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a milestone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := app.ResolveProject(ctx, e.Repo, refFromArgs(nil))
				if err != nil {
					return err
				}
				opts.ProjectID = p.ID
				m, err := e.CreateMilestone(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "milestone title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "what done looks like for this phase")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func milestoneListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List milestones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := app.ResolveProject(ctx, r, refFromArgs(nil))
				if err != nil {
					return err
				}
				items, err := r.ListMilestones(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Title", "Status", "Current"})
				for _, m := range items {
					current := ""
					if p.CurrentMilestoneID != nil && *p.CurrentMilestoneID == m.ID {
						current = "*"
					}
					tw.AppendRow(table.Row{m.OrderIndex, shortID(m.ID), m.Title, m.Status, current})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are the units of agent work. Most are planned by the agent itself; 'fl task add' queues one by hand, and --inject makes it jump ahead of milestone work.",
	}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := app.ResolveProject(ctx, e.Repo, refFromArgs(nil))
				if err != nil {
					return err
				}
				opts.ProjectID = p.ID
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "what to build")
	cmd.Flags().StringVar(&opts.MilestoneID, "milestone", "", "milestone id")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority (lower runs first)")
	cmd.Flags().BoolVar(&opts.Inject, "inject", false, "run before milestone work")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var injected bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := app.ResolveProject(ctx, r, refFromArgs(nil))
				if err != nil {
					return err
				}
				f.ProjectID = p.ID
				if cmd.Flags().Changed("injected") {
					f.Injected = &injected
				}
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Retries", "Prio", "Injected", "Milestone"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{shortID(t.ID), truncate(t.Title, 48), t.Status, t.RetryCount, t.Priority, onOff(t.IsInjected), shortID(deref(t.MilestoneID))})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.MilestoneID, "milestone", "", "milestone filter")
	cmd.Flags().BoolVar(&injected, "injected", false, "injected tasks only")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var trigger string
	cmd := &cobra.Command{
		Use:   "run [project]",
		Short: "Execute one run",
		Long:  "Runs one full control-loop pass: pick or plan a task, drive the agent, review the diff, and commit. The exit code mirrors the run outcome.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch domain.TriggerSource(trigger) {
			case domain.TriggerCLI, domain.TriggerManual, domain.TriggerCron:
			default:
				return fmt.Errorf("unknown trigger %q", trigger)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Config.Validate(); err != nil {
					return err
				}
				p, err := app.ResolveProject(ctx, e.Repo, refFromArgs(args))
				if err != nil {
					return err
				}
				e.Agents = agent.New(e.Config, e.Logs, e.Log)
				e.GitFor = func(workdir string) engine.Git { return git.New(workdir, e.Log) }
				run, execErr := e.ExecuteRun(ctx, engine.RunOptions{ProjectID: p.ID, Trigger: domain.TriggerSource(trigger)})
				if execErr != nil && run.ID == "" {
					return execErr
				}
				if viper.GetBool("json") {
					if err := printJSON(run); err != nil {
						return err
					}
				} else {
					fmt.Printf("Run %s: %s\n", shortID(run.ID), run.Status)
					if run.Summary != "" {
						fmt.Println(run.Summary)
					}
				}
				if execErr != nil {
					return execErr
				}
				if run.Status != domain.RunCompleted {
					return fmt.Errorf("run did not complete: %s", run.Summary)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", string(domain.TriggerCLI), "trigger source recorded on the run")
	cmd.AddCommand(runListCmd())
	return cmd
}

func runListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := app.ResolveProject(ctx, r, refFromArgs(nil))
				if err != nil {
					return err
				}
				runs, err := r.ListRuns(ctx, p.ID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Trigger", "Task", "Started", "Summary"})
				for _, run := range runs {
					tw.AppendRow(table.Row{shortID(run.ID), run.Status, run.TriggerSource, shortID(deref(run.TaskID)), run.StartedAt, truncate(run.Summary, 56)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func knowledgeCmd() *cobra.Command {
	kn := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage the knowledge base",
		Long:  "Knowledge entries are reusable notes (patterns, gotchas, decisions) scoped to a project. Relevant entries are folded into planner prompts; stale low-importance ones can be pruned.",
	}
	kn.AddCommand(knowledgeAddCmd())
	kn.AddCommand(knowledgeListCmd())
	kn.AddCommand(knowledgePruneCmd())
	return kn
}

func knowledgeAddCmd() *cobra.Command {
	var opts engine.KnowledgeAddOptions
	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Record a knowledge entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Content = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := app.ResolveProject(ctx, e.Repo, refFromArgs(nil))
				if err != nil {
					return err
				}
				opts.ProjectID = p.ID
				k, err := e.AddKnowledge(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(k)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Category, "category", string(domain.KnowledgePattern), "pattern, gotcha, decision, preference or file_note")
	cmd.Flags().StringArrayVar(&opts.Tags, "tag", []string{}, "search tag (repeatable)")
	cmd.Flags().IntVar(&opts.Importance, "importance", 0, "1..10, higher survives pruning longer")
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task this was learned from")
	return cmd
}

func knowledgeListCmd() *cobra.Command {
	var f repo.KnowledgeFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List knowledge entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := app.ResolveProject(ctx, r, refFromArgs(nil))
				if err != nil {
					return err
				}
				f.ProjectID = p.ID
				items, err := r.ListKnowledge(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Imp", "Tags", "Content", "Last used"})
				for _, k := range items {
					tw.AppendRow(table.Row{shortID(k.ID), k.Category, k.Importance, strings.Join(k.Tags, ","), truncate(k.Content, 64), deref(k.LastUsedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func knowledgePruneCmd() *cobra.Command {
	var opts engine.PruneKnowledgeOptions
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop stale low-importance entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := app.ResolveProject(ctx, e.Repo, refFromArgs(nil))
				if err != nil {
					return err
				}
				opts.ProjectID = p.ID
				n, err := e.PruneKnowledge(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"pruned": n})
				}
				fmt.Printf("Pruned %d entries\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&opts.MaxImportance, "max-importance", 0, "prune entries at or below this importance (default from config)")
	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 0, "prune entries unused for this long (default from config)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Run audit trail",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var runID string
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail run logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if runID == "" {
					p, err := app.ResolveProject(ctx, r, refFromArgs(nil))
					if err != nil {
						return err
					}
					latest, err := r.LatestRun(ctx, p.ID)
					if errors.Is(err, repo.ErrNotFound) {
						return errors.New("no runs yet")
					}
					if err != nil {
						return err
					}
					runID = latest.ID
				}
				items, err := r.LatestLogs(ctx, runID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Agent", "Event", "Content"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.CreatedAt, l.Agent, l.Event, truncate(l.Content, 96)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id (defaults to the latest run)")
	cmd.Flags().IntVar(&n, "n", 50, "number of rows")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the project scoreboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := app.ResolveProject(ctx, r, refFromArgs(nil))
				if err != nil {
					return err
				}
				counts, err := r.CountTasksByStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				var current *domain.Milestone
				if p.CurrentMilestoneID != nil {
					m, err := r.GetMilestone(ctx, *p.CurrentMilestoneID)
					if err != nil {
						return err
					}
					current = &m
				}
				var latest *domain.Run
				if run, err := r.LatestRun(ctx, p.ID); err == nil {
					latest = &run
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project":           p,
						"current_milestone": current,
						"task_counts":       counts,
						"latest_run":        latest,
					})
				}
				fmt.Printf("Project: %s (%s)\n", p.Name, p.ID)
				if current != nil {
					fmt.Printf("Current milestone: %s (%s)\n", current.Title, current.Status)
				} else {
					fmt.Println("Current milestone: none")
				}
				fmt.Println("Tasks:")
				for _, status := range []domain.TaskStatus{domain.TaskPending, domain.TaskInProgress, domain.TaskReview, domain.TaskCompleted, domain.TaskFailed} {
					fmt.Printf("  %s: %d\n", status, counts[string(status)])
				}
				if latest != nil {
					fmt.Printf("Last run: %s %s", shortID(latest.ID), latest.Status)
					if latest.Summary != "" {
						fmt.Printf(" - %s", latest.Summary)
					}
					fmt.Println()
				} else {
					fmt.Println("Last run: none")
				}
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate forgeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func schedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sched",
		Short: "Run the scheduler in the foreground",
		Long:  "Polls schedule-enabled projects and triggers a run for each whose interval has elapsed. Stops on interrupt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Config.Validate(); err != nil {
					return err
				}
				e.Agents = agent.New(e.Config, e.Logs, e.Log)
				e.GitFor = func(workdir string) engine.Git { return git.New(workdir, e.Log) }
				s := sched.New(e, e.Log)
				fmt.Printf("Scheduler running, tick %s (ctrl-c to stop)\n", s.Tick)
				return s.Run(ctx)
			})
		},
	}
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	logger, err := logging.New(viper.GetBool("verbose"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Log = logger
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func refFromArgs(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return viper.GetString("project")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
