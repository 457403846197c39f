package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgeline/internal/agent"
	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/driver"
	"forgeline/internal/git"
	"forgeline/internal/logs"
	"forgeline/internal/repo"
)

// Agents is the planner/developer/reviewer surface the control loop drives.
// *agent.Client implements it; tests install fakes.
type Agents interface {
	PlanTask(ctx context.Context, in agent.PlanInput) (*agent.PlanResult, error)
	PlanMilestoneTasks(ctx context.Context, in agent.PlanInput) ([]agent.TaskProposal, error)
	Develop(ctx context.Context, in agent.DevelopInput) (driver.Result, error)
	Review(ctx context.Context, in agent.ReviewInput) (*agent.ReviewVerdict, error)
	PlanRecovery(ctx context.Context, in agent.RecoveryInput) (*agent.RecoveryPlan, error)
	ExtractKnowledge(ctx context.Context, in agent.KnowledgeExtractionInput) ([]agent.KnowledgeItem, error)
}

// Git is the slice of repository operations the control loop needs.
type Git interface {
	Status(ctx context.Context) (git.Status, error)
	StageAll(ctx context.Context) error
	Commit(ctx context.Context, message, author string) (string, error)
	Push(ctx context.Context) error
	HasRemote(ctx context.Context) bool
	ResetToLastCommit(ctx context.Context) error
	Diff(ctx context.Context) (string, error)
	ShowCommit(ctx context.Context, sha string) (string, error)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Logs   logs.Writer
	Agents Agents
	Git    Git
	// GitFor builds a git client for a project workdir. When set it takes
	// precedence over Git, so one engine can serve projects with different
	// working trees.
	GitFor   func(workdir string) Git
	Registry *Registry
	Config   *config.Config
	Log      *zap.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Logs:     logs.Writer{DB: db},
		Registry: NewRegistry(),
		Config:   cfg,
		Log:      zap.NewNop(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

// note records an orchestrator-level log row. Failures to write the trail are
// logged and swallowed; the run itself must not die on a bookkeeping miss.
func (e Engine) note(ctx context.Context, runID string, event domain.LogEvent, content string, meta logs.Metadata) {
	if err := e.Logs.Append(ctx, runID, domain.AgentOrchestrator, event, content, meta); err != nil {
		e.logger().Warn("append log", zap.Error(err))
	}
}

// ProjectCreateOptions are parameters for registering a project.
type ProjectCreateOptions struct {
	Name             string
	Workdir          string
	OverviewPath     string
	KnowledgeEnabled bool
	ScheduleEnabled  bool
	Schedule         string
	GitAuthor        string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	if opts.Workdir == "" {
		return domain.Project{}, errors.New("workdir is required")
	}
	workdir, err := filepath.Abs(opts.Workdir)
	if err != nil {
		return domain.Project{}, err
	}
	info, err := os.Stat(workdir)
	if err != nil {
		return domain.Project{}, fmt.Errorf("workdir %s: %w", workdir, err)
	}
	if !info.IsDir() {
		return domain.Project{}, fmt.Errorf("workdir %s is not a directory", workdir)
	}
	now := e.nowString()
	p := domain.Project{
		ID:               uuid.NewString(),
		Name:             opts.Name,
		Workdir:          workdir,
		OverviewPath:     opts.OverviewPath,
		KnowledgeEnabled: opts.KnowledgeEnabled,
		ScheduleEnabled:  opts.ScheduleEnabled,
		Schedule:         opts.Schedule,
		GitAuthor:        opts.GitAuthor,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Repo.InsertProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// MilestoneCreateOptions are parameters for appending a milestone to a
// project's roadmap. New milestones always go to the end of the order.
type MilestoneCreateOptions struct {
	ProjectID   string
	Title       string
	Description string
}

func (e Engine) CreateMilestone(ctx context.Context, opts MilestoneCreateOptions) (domain.Milestone, error) {
	if opts.Title == "" {
		return domain.Milestone{}, errors.New("title is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Milestone{}, err
	}
	order, err := e.Repo.MaxMilestoneOrder(ctx, opts.ProjectID)
	if err != nil {
		return domain.Milestone{}, err
	}
	now := e.nowString()
	m := domain.Milestone{
		ID:          uuid.NewString(),
		ProjectID:   opts.ProjectID,
		OrderIndex:  order + 1,
		Status:      domain.MilestonePending,
		Title:       opts.Title,
		Description: opts.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertMilestone(ctx, m); err != nil {
		return domain.Milestone{}, fmt.Errorf("insert milestone: %w", err)
	}
	return m, nil
}

// TaskCreateOptions are parameters for queueing a task by hand. Injected
// tasks jump the milestone fence and compete on priority alone.
type TaskCreateOptions struct {
	ProjectID   string
	MilestoneID string
	Title       string
	Description string
	Priority    int
	Inject      bool
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	var milestoneID *string
	if opts.MilestoneID != "" {
		m, err := e.Repo.GetMilestone(ctx, opts.MilestoneID)
		if err != nil {
			return domain.Task{}, err
		}
		if m.ProjectID != opts.ProjectID {
			return domain.Task{}, fmt.Errorf("milestone %s not in project %s", opts.MilestoneID, opts.ProjectID)
		}
		milestoneID = &m.ID
	}
	order, err := e.Repo.MaxTaskOrder(ctx, opts.ProjectID, milestoneID)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.nowString()
	t := domain.Task{
		ID:          uuid.NewString(),
		ProjectID:   opts.ProjectID,
		MilestoneID: milestoneID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.TaskPending,
		Priority:    opts.Priority,
		IsInjected:  opts.Inject,
		OrderIndex:  order + 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertTask(ctx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// KnowledgeAddOptions are parameters for recording a knowledge entry by hand.
type KnowledgeAddOptions struct {
	ProjectID  string
	TaskID     string
	Category   string
	Tags       []string
	Content    string
	Importance int
}

func (e Engine) AddKnowledge(ctx context.Context, opts KnowledgeAddOptions) (domain.Knowledge, error) {
	if opts.Content == "" {
		return domain.Knowledge{}, errors.New("content is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Knowledge{}, err
	}
	category := domain.KnowledgeCategory(opts.Category)
	if opts.Category == "" {
		category = domain.KnowledgePattern
	}
	switch category {
	case domain.KnowledgePattern, domain.KnowledgeGotcha, domain.KnowledgeDecision,
		domain.KnowledgePreference, domain.KnowledgeFileNote:
	default:
		return domain.Knowledge{}, fmt.Errorf("unknown category %q", opts.Category)
	}
	importance := opts.Importance
	if importance == 0 {
		importance = 5
	}
	if importance < 1 || importance > 10 {
		return domain.Knowledge{}, errors.New("importance must be between 1 and 10")
	}
	var taskID *string
	if opts.TaskID != "" {
		t, err := e.Repo.GetTask(ctx, opts.TaskID)
		if err != nil {
			return domain.Knowledge{}, err
		}
		if t.ProjectID != opts.ProjectID {
			return domain.Knowledge{}, fmt.Errorf("task %s not in project %s", opts.TaskID, opts.ProjectID)
		}
		taskID = &t.ID
	}
	now := e.nowString()
	k := domain.Knowledge{
		ID:         uuid.NewString(),
		ProjectID:  opts.ProjectID,
		TaskID:     taskID,
		Category:   category,
		Tags:       opts.Tags,
		Content:    opts.Content,
		Importance: importance,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertKnowledge(ctx, k); err != nil {
		return domain.Knowledge{}, fmt.Errorf("insert knowledge: %w", err)
	}
	return k, nil
}

// PruneKnowledgeOptions override the configured pruning thresholds. Zero
// values fall back to the knowledge section of the config.
type PruneKnowledgeOptions struct {
	ProjectID     string
	MaxImportance int
	OlderThan     time.Duration
}

func (e Engine) PruneKnowledge(ctx context.Context, opts PruneKnowledgeOptions) (int64, error) {
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return 0, err
	}
	maxImportance := opts.MaxImportance
	olderThan := opts.OlderThan
	if e.Config != nil {
		if maxImportance == 0 {
			maxImportance = e.Config.Knowledge.PruneMaxImportance
		}
		if olderThan == 0 {
			olderThan = e.Config.Knowledge.PruneAfter.Duration
		}
	}
	if maxImportance < 1 || olderThan <= 0 {
		return 0, errors.New("prune thresholds are not configured")
	}
	cutoff := e.now().UTC().Add(-olderThan).Format(time.RFC3339)
	return e.Repo.PruneKnowledge(ctx, opts.ProjectID, maxImportance, cutoff)
}

// RunOptions control a single run.
type RunOptions struct {
	ProjectID string
	Trigger   domain.TriggerSource
}

// ExecuteRun drives one full select/execute/finalize pass for the project.
// Domain outcomes such as retry exhaustion, a skipped task or an empty queue
// land in the run row; the returned error is reserved for infrastructure
// failures, which also mark the run failed.
func (e Engine) ExecuteRun(ctx context.Context, opts RunOptions) (domain.Run, error) {
	if e.Config == nil {
		return domain.Run{}, errors.New("config not loaded")
	}
	if e.Agents == nil {
		return domain.Run{}, errors.New("agents not wired")
	}
	project, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Run{}, err
	}
	if e.GitFor != nil {
		e.Git = e.GitFor(project.Workdir)
	}
	if e.Git == nil {
		return domain.Run{}, errors.New("git not wired")
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = domain.TriggerManual
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if e.Registry != nil {
		handle := RunHandle{RunID: runID, ProjectID: project.ID, StartedAt: e.now(), Cancel: cancel}
		if err := e.Registry.Start(handle); err != nil {
			return domain.Run{}, err
		}
		defer e.Registry.Stop(project.ID)
	}

	run := domain.Run{
		ID:            runID,
		ProjectID:     project.ID,
		Status:        domain.RunRunning,
		TriggerSource: trigger,
		StartedAt:     e.nowString(),
	}
	if err := e.Repo.InsertRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	e.note(ctx, run.ID, domain.LogStarted, fmt.Sprintf("run started (%s)", trigger), nil)

	if err := e.loop(runCtx, project, run); err != nil {
		e.logger().Error("run aborted", zap.String("run", run.ID), zap.Error(err))
		e.note(ctx, run.ID, domain.LogError, err.Error(), nil)
		if ferr := e.Repo.FinishRun(ctx, run.ID, domain.RunFailed, err.Error(), "", e.nowString()); ferr != nil {
			e.logger().Error("finish run", zap.Error(ferr))
		}
		final, gerr := e.Repo.GetRun(ctx, run.ID)
		if gerr != nil {
			return run, err
		}
		return final, err
	}
	return e.Repo.GetRun(ctx, run.ID)
}

type stateTag string

const (
	stateSelectWork stateTag = "select_work"
	stateExecute    stateTag = "execute"
	stateRecover    stateTag = "recover"
	stateFinalize   stateTag = "finalize"
	stateDone       stateTag = "done"
)

// selection is the SelectWork output: either a task to execute or a terminal
// verdict for the run.
type selection struct {
	Task        domain.Task
	Milestone   *domain.Milestone
	NothingToDo bool
	Summary     string
	FailReason  string
}

// execOutcome is the Execute output: how the attempt loop ended.
type execOutcome struct {
	Attempts   int
	Changed    bool
	Exhausted  bool
	TimedOut   bool
	LastError  string
	LastIssues []agent.ReviewIssue
}

// loop is the control loop proper: SelectWork, then Execute, then either
// Recover or Finalize. Each state writes its outcome to the store before
// handing over, so a crash leaves a resumable picture rather than a
// half-applied one.
func (e Engine) loop(ctx context.Context, project domain.Project, run domain.Run) error {
	var (
		st  = stateSelectWork
		sel selection
		out execOutcome
		err error
	)
	for st != stateDone {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch st {
		case stateSelectWork:
			sel, err = e.selectWork(ctx, &project, run)
			if err != nil {
				return err
			}
			switch {
			case sel.FailReason != "":
				e.note(ctx, run.ID, domain.LogError, sel.FailReason, nil)
				if err := e.Repo.FinishRun(ctx, run.ID, domain.RunFailed, sel.FailReason, "", e.nowString()); err != nil {
					return err
				}
				st = stateDone
			case sel.NothingToDo:
				e.note(ctx, run.ID, domain.LogCompleted, sel.Summary, nil)
				if err := e.Repo.FinishRun(ctx, run.ID, domain.RunCompleted, sel.Summary, "", e.nowString()); err != nil {
					return err
				}
				st = stateDone
			default:
				st = stateExecute
			}
		case stateExecute:
			out, err = e.execute(ctx, project, run, &sel)
			if err != nil {
				return err
			}
			if out.Exhausted {
				st = stateRecover
			} else {
				st = stateFinalize
			}
		case stateRecover:
			if err := e.recoverTask(ctx, project, run, sel, out); err != nil {
				return err
			}
			st = stateDone
		case stateFinalize:
			if err := e.finalize(ctx, project, run, sel, out); err != nil {
				return err
			}
			st = stateDone
		}
	}
	return nil
}

// selectWork resolves the milestone pointer, then picks the next pending
// task. When the queue is empty it calls the planner and selects again, so
// freshly planned tasks still obey the normal ordering rules.
func (e Engine) selectWork(ctx context.Context, project *domain.Project, run domain.Run) (selection, error) {
	for {
		milestone, allDone, err := e.resolveMilestone(ctx, project, run)
		if err != nil {
			return selection{}, err
		}
		if allDone {
			return selection{NothingToDo: true, Summary: "all milestones completed"}, nil
		}

		filters := repo.NextTaskFilters{ProjectID: project.ID}
		if milestone != nil {
			filters.MilestoneID = milestone.ID
		}
		task, err := e.Repo.NextPendingTask(ctx, filters)
		if err == nil {
			if err := e.Repo.AssignRunTask(ctx, run.ID, &task.ID); err != nil {
				return selection{}, err
			}
			e.note(ctx, run.ID, domain.LogStarted, "selected task: "+task.Title, logs.Metadata{"task_id": task.ID})
			return selection{Task: task, Milestone: milestone}, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return selection{}, err
		}

		verdict, planned, err := e.planWork(ctx, project, milestone, run)
		if err != nil {
			return selection{}, err
		}
		if planned {
			continue
		}
		return verdict, nil
	}
}

// resolveMilestone walks the milestone pointer until it rests on one with
// work left, closing finished milestones and activating pending ones along
// the way. The second return is true once every milestone is done; a project
// with no milestones at all returns (nil, false, nil) and runs flat.
func (e Engine) resolveMilestone(ctx context.Context, project *domain.Project, run domain.Run) (*domain.Milestone, bool, error) {
	for {
		if project.CurrentMilestoneID == nil {
			next, err := e.Repo.NextPendingMilestone(ctx, project.ID)
			if errors.Is(err, repo.ErrNotFound) {
				milestones, lerr := e.Repo.ListMilestones(ctx, project.ID)
				if lerr != nil {
					return nil, false, lerr
				}
				if len(milestones) == 0 {
					return nil, false, nil
				}
				return nil, true, nil
			}
			if err != nil {
				return nil, false, err
			}
			if err := e.activateMilestone(ctx, project, next); err != nil {
				return nil, false, err
			}
			e.note(ctx, run.ID, domain.LogStarted, "milestone started: "+next.Title, logs.Metadata{"milestone_id": next.ID})
			continue
		}
		m, err := e.Repo.GetMilestone(ctx, *project.CurrentMilestoneID)
		if err != nil {
			return nil, false, err
		}
		if m.Status == domain.MilestonePending {
			if err := e.activateMilestone(ctx, project, m); err != nil {
				return nil, false, err
			}
			m.Status = domain.MilestoneInProgress
		}
		stats, err := e.Repo.MilestoneTaskStats(ctx, m.ID)
		if err != nil {
			return nil, false, err
		}
		if stats.AllTerminal() && stats.AnyCompleted() {
			if err := e.completeMilestone(ctx, project, m); err != nil {
				return nil, false, err
			}
			e.note(ctx, run.ID, domain.LogCompleted, "milestone completed: "+m.Title, logs.Metadata{"milestone_id": m.ID})
			continue
		}
		return &m, false, nil
	}
}

func (e Engine) activateMilestone(ctx context.Context, project *domain.Project, m domain.Milestone) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowString()
	if err := e.Repo.UpdateMilestoneStatus(ctx, tx, m.ID, domain.MilestoneInProgress, now); err != nil {
		return fmt.Errorf("activate milestone %s: %w", m.Title, err)
	}
	id := m.ID
	if err := e.Repo.SetCurrentMilestone(ctx, tx, project.ID, &id, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	project.CurrentMilestoneID = &id
	return nil
}

func (e Engine) completeMilestone(ctx context.Context, project *domain.Project, m domain.Milestone) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowString()
	if err := e.Repo.UpdateMilestoneStatus(ctx, tx, m.ID, domain.MilestoneCompleted, now); err != nil {
		return fmt.Errorf("complete milestone %s: %w", m.Title, err)
	}
	if err := e.Repo.SetCurrentMilestone(ctx, tx, project.ID, nil, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	project.CurrentMilestoneID = nil
	return nil
}

// planWork fills an empty queue. The planned return is true when new tasks
// were inserted or a milestone was closed, meaning selection should start
// over; otherwise the returned selection is the run's terminal verdict.
func (e Engine) planWork(ctx context.Context, project *domain.Project, milestone *domain.Milestone, run domain.Run) (selection, bool, error) {
	topic := project.Name
	if milestone != nil {
		topic = milestone.Title
	}
	in := agent.PlanInput{
		RunID:     run.ID,
		Workdir:   project.Workdir,
		Overview:  e.readOverview(*project),
		Milestone: milestone,
		Knowledge: e.knowledgeFor(ctx, *project, topic),
	}
	if milestone != nil {
		done, err := e.completedTitles(ctx, project.ID, milestone.ID)
		if err != nil {
			return selection{}, false, err
		}
		in.Done = done
		stats, err := e.Repo.MilestoneTaskStats(ctx, milestone.ID)
		if err != nil {
			return selection{}, false, err
		}
		if stats.Total == 0 {
			// fresh milestone: decompose it into a first batch of tasks
			proposals, err := e.Agents.PlanMilestoneTasks(ctx, in)
			if err != nil {
				return selection{}, false, err
			}
			if len(proposals) == 0 {
				return selection{FailReason: "no task: planner returned nothing for milestone " + milestone.Title}, false, nil
			}
			if err := e.insertProposals(ctx, *project, milestone, proposals); err != nil {
				return selection{}, false, err
			}
			e.note(ctx, run.ID, domain.LogCompleted, fmt.Sprintf("planned %d tasks for milestone %s", len(proposals), milestone.Title), nil)
			return selection{}, true, nil
		}
	}
	res, err := e.Agents.PlanTask(ctx, in)
	if err != nil {
		return selection{}, false, err
	}
	if res == nil {
		return selection{FailReason: "no task: planner produced nothing usable"}, false, nil
	}
	if res.MilestoneComplete {
		if milestone == nil {
			return selection{NothingToDo: true, Summary: "nothing left to plan"}, false, nil
		}
		if err := e.completeMilestone(ctx, project, *milestone); err != nil {
			return selection{}, false, err
		}
		e.note(ctx, run.ID, domain.LogCompleted, "milestone closed by planner: "+milestone.Title, logs.Metadata{"milestone_id": milestone.ID})
		return selection{}, true, nil
	}
	if err := e.insertProposals(ctx, *project, milestone, []agent.TaskProposal{*res.Task}); err != nil {
		return selection{}, false, err
	}
	e.note(ctx, run.ID, domain.LogCompleted, "planned task: "+res.Task.Title, nil)
	return selection{}, true, nil
}

func (e Engine) insertProposals(ctx context.Context, project domain.Project, milestone *domain.Milestone, proposals []agent.TaskProposal) error {
	var milestoneID *string
	if milestone != nil {
		id := milestone.ID
		milestoneID = &id
	}
	order, err := e.Repo.MaxTaskOrder(ctx, project.ID, milestoneID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowString()
	for i, p := range proposals {
		t := domain.Task{
			ID:          uuid.NewString(),
			ProjectID:   project.ID,
			MilestoneID: milestoneID,
			Title:       p.Title,
			Description: p.Description,
			Status:      domain.TaskPending,
			Priority:    p.Priority,
			OrderIndex:  order + 1 + i,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return fmt.Errorf("insert planned task: %w", err)
		}
	}
	return tx.Commit()
}

// execute runs the bounded attempt loop for the selected task. The working
// tree is deliberately left alone between attempts so a retry can build on
// partial progress; only recovery wipes it.
func (e Engine) execute(ctx context.Context, project domain.Project, run domain.Run, sel *selection) (execOutcome, error) {
	maxAttempts := e.Config.Orchestrator.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var out execOutcome
	var retry *agent.RetryContext
	taskID := sel.Task.ID
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out.Attempts = attempt
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		task, err := e.Repo.GetTask(ctx, taskID)
		if err != nil {
			return out, err
		}
		if task.Status != domain.TaskInProgress {
			task, err = e.Repo.UpdateTaskStatus(ctx, taskID, domain.TaskInProgress, e.nowString())
			if err != nil {
				return out, err
			}
		}
		sel.Task = task

		res, err := e.Agents.Develop(ctx, agent.DevelopInput{
			RunID:     run.ID,
			Workdir:   project.Workdir,
			Task:      task,
			Knowledge: e.knowledgeFor(ctx, project, task.Title),
			Retry:     retry,
		})
		if err != nil {
			return out, err
		}
		if !res.Success {
			reason := fmt.Sprintf("agent exited %d", res.ExitCode)
			if res.TimedOut {
				reason = "agent produced no output within the inactivity timeout"
			}
			out.TimedOut = res.TimedOut
			out.LastError = reason
			out.LastIssues = nil
			if _, err := e.Repo.IncrementTaskRetry(ctx, taskID, e.nowString()); err != nil {
				return out, err
			}
			if err := e.Repo.AppendTaskComment(ctx, taskID, fmt.Sprintf("Attempt %d failed: %s", attempt, reason), e.nowString()); err != nil {
				return out, err
			}
			retry = &agent.RetryContext{Attempt: attempt + 1, MaxAttempts: maxAttempts, TimedOut: res.TimedOut, PreviousError: reason}
			continue
		}

		status, err := e.Git.Status(ctx)
		if err != nil {
			return out, err
		}
		if !status.HasChanges {
			// vacuously done; nothing to review or commit
			out.Changed = false
			e.note(ctx, run.ID, domain.LogCompleted, "no changes needed: "+task.Title, nil)
			return out, nil
		}
		// stage before diffing so brand-new files are part of what the
		// reviewer sees
		if err := e.Git.StageAll(ctx); err != nil {
			return out, err
		}
		diff, err := e.Git.Diff(ctx)
		if err != nil {
			return out, err
		}
		out.Changed = true
		task, err = e.Repo.UpdateTaskStatus(ctx, taskID, domain.TaskReview, e.nowString())
		if err != nil {
			return out, err
		}
		sel.Task = task
		if !e.Config.Orchestrator.ReviewEnabled {
			return out, nil
		}
		verdict, err := e.Agents.Review(ctx, agent.ReviewInput{RunID: run.ID, Workdir: project.Workdir, Task: task, Diff: diff})
		if err != nil {
			return out, err
		}
		if verdict == nil {
			// reviewer produced no verdict; fail open rather than burn an attempt
			e.logger().Warn("review verdict unusable, approving", zap.String("task", taskID))
			e.note(ctx, run.ID, domain.LogError, "review produced no verdict; treated as approved", nil)
			return out, nil
		}
		if verdict.Approved {
			return out, nil
		}
		out.TimedOut = false
		out.LastError = ""
		out.LastIssues = verdict.Issues
		if _, err := e.Repo.IncrementTaskRetry(ctx, taskID, e.nowString()); err != nil {
			return out, err
		}
		if err := e.Repo.AppendTaskComment(ctx, taskID, fmt.Sprintf("Attempt %d rejected: %s", attempt, summarizeIssues(verdict.Issues)), e.nowString()); err != nil {
			return out, err
		}
		if _, err := e.Repo.UpdateTaskStatus(ctx, taskID, domain.TaskInProgress, e.nowString()); err != nil {
			return out, err
		}
		retry = &agent.RetryContext{Attempt: attempt + 1, MaxAttempts: maxAttempts, ReviewIssues: verdict.Issues}
	}
	out.Exhausted = true
	return out, nil
}

// recoverTask runs after retry exhaustion: discard the failing work, ask the
// planner what to do with the task, and finish the run as failed either way.
// A queued replacement waits for the next run.
func (e Engine) recoverTask(ctx context.Context, project domain.Project, run domain.Run, sel selection, out execOutcome) error {
	if err := e.Git.ResetToLastCommit(ctx); err != nil {
		// recovery still has to run; a dirty tree is the next run's problem
		e.logger().Warn("reset working tree", zap.Error(err))
		e.note(ctx, run.ID, domain.LogError, "reset working tree: "+err.Error(), nil)
	}
	task, err := e.Repo.GetTask(ctx, sel.Task.ID)
	if err != nil {
		return err
	}
	plan, err := e.Agents.PlanRecovery(ctx, agent.RecoveryInput{
		RunID:     run.ID,
		Workdir:   project.Workdir,
		Task:      task,
		Attempts:  out.Attempts,
		TimedOut:  out.TimedOut,
		LastError: out.LastError,
		Issues:    out.LastIssues,
	})
	if err != nil {
		return err
	}

	now := e.nowString()
	var summary string
	switch {
	case plan == nil:
		if err := e.Repo.AppendTaskComment(ctx, task.ID, "Recovery produced no plan; task abandoned", now); err != nil {
			return err
		}
		summary = fmt.Sprintf("task failed after %d attempts; recovery produced no plan", out.Attempts)
	case plan.SkipTask:
		reason := plan.Reason
		if reason == "" {
			reason = "no reason given"
		}
		if err := e.Repo.AppendTaskComment(ctx, task.ID, "Skipped: "+reason, now); err != nil {
			return err
		}
		summary = fmt.Sprintf("task skipped after %d attempts: %s", out.Attempts, reason)
	default:
		if err := e.Repo.AppendTaskComment(ctx, task.ID, fmt.Sprintf("Replaced after %d failed attempts by: %s", out.Attempts, plan.Title), now); err != nil {
			return err
		}
		summary = fmt.Sprintf("task failed after %d attempts; replacement queued: %s", out.Attempts, plan.Title)
	}
	if _, err := e.Repo.UpdateTaskStatus(ctx, task.ID, domain.TaskFailed, now); err != nil {
		return err
	}
	if plan != nil && !plan.SkipTask {
		replacement := domain.Task{
			ID:          uuid.NewString(),
			ProjectID:   project.ID,
			MilestoneID: task.MilestoneID,
			Title:       plan.Title,
			Description: plan.Description,
			Status:      domain.TaskPending,
			Priority:    task.Priority,
			IsInjected:  task.IsInjected,
			OrderIndex:  task.OrderIndex,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := e.Repo.InsertTaskTx(ctx, tx, replacement); err != nil {
			return fmt.Errorf("insert replacement task: %w", err)
		}
		if err := e.Repo.AssignRunTaskTx(ctx, tx, run.ID, &replacement.ID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		e.note(ctx, run.ID, domain.LogCompleted, "replacement task queued: "+plan.Title, logs.Metadata{"task_id": replacement.ID})
	}
	return e.Repo.FinishRun(ctx, run.ID, domain.RunFailed, summary, "", now)
}

// finalize lands an accepted attempt: commit and push the work, harvest
// knowledge from the commit, and close out the task and the run.
func (e Engine) finalize(ctx context.Context, project domain.Project, run domain.Run, sel selection, out execOutcome) error {
	task, err := e.Repo.GetTask(ctx, sel.Task.ID)
	if err != nil {
		return err
	}
	var sha, summary string
	if out.Changed {
		if err := e.Git.StageAll(ctx); err != nil {
			return err
		}
		author := project.GitAuthor
		if author == "" {
			author = e.Config.Git.Author
		}
		sha, err = e.Git.Commit(ctx, commitMessage(task.Title), author)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if e.Config.Git.Push && e.Git.HasRemote(ctx) {
			if err := e.Git.Push(ctx); err != nil {
				e.logger().Warn("push", zap.Error(err))
				e.note(ctx, run.ID, domain.LogError, "push failed: "+err.Error(), nil)
			}
		}
		if project.KnowledgeEnabled {
			e.harvestKnowledge(ctx, project, run, task, sha)
		}
		summary = fmt.Sprintf("completed: %s (%s)", task.Title, shortSHA(sha))
	} else {
		summary = "completed with no changes: " + task.Title
	}
	now := e.nowString()
	if _, err := e.Repo.UpdateTaskStatus(ctx, task.ID, domain.TaskCompleted, now); err != nil {
		return err
	}
	return e.Repo.FinishRun(ctx, run.ID, domain.RunCompleted, summary, sha, now)
}

// harvestKnowledge is best effort; a failed extraction never fails the run.
func (e Engine) harvestKnowledge(ctx context.Context, project domain.Project, run domain.Run, task domain.Task, sha string) {
	diff, err := e.Git.ShowCommit(ctx, sha)
	if err != nil {
		e.logger().Warn("show commit", zap.Error(err))
		return
	}
	items, err := e.Agents.ExtractKnowledge(ctx, agent.KnowledgeExtractionInput{RunID: run.ID, Workdir: project.Workdir, Task: task, Diff: diff})
	if err != nil {
		e.logger().Warn("extract knowledge", zap.Error(err))
		return
	}
	now := e.nowString()
	taskID := task.ID
	for _, item := range items {
		k := domain.Knowledge{
			ID:         uuid.NewString(),
			ProjectID:  project.ID,
			TaskID:     &taskID,
			Category:   domain.KnowledgeCategory(item.Category),
			Tags:       item.Tags,
			Content:    item.Content,
			Importance: item.Importance,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.Repo.InsertKnowledge(ctx, k); err != nil {
			e.logger().Warn("insert knowledge", zap.Error(err))
		}
	}
	if len(items) > 0 {
		e.note(ctx, run.ID, domain.LogCompleted, fmt.Sprintf("captured %d knowledge entries", len(items)), nil)
	}
}

func (e Engine) completedTitles(ctx context.Context, projectID, milestoneID string) ([]string, error) {
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
		ProjectID:   projectID,
		MilestoneID: milestoneID,
		Status:      string(domain.TaskCompleted),
	})
	if err != nil {
		return nil, err
	}
	titles := make([]string, 0, len(tasks))
	for _, t := range tasks {
		titles = append(titles, t.Title)
	}
	return titles, nil
}

func (e Engine) knowledgeFor(ctx context.Context, project domain.Project, topic string) []domain.Knowledge {
	if !project.KnowledgeEnabled {
		return nil
	}
	limit := e.Config.Knowledge.SearchLimit
	if limit < 1 {
		limit = 10
	}
	entries, err := e.Repo.SearchKnowledge(ctx, project.ID, keywordsFrom(topic), limit, e.now())
	if err != nil {
		e.logger().Warn("search knowledge", zap.Error(err))
		return nil
	}
	return entries
}

func (e Engine) readOverview(project domain.Project) string {
	if project.OverviewPath == "" {
		return ""
	}
	path := project.OverviewPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(project.Workdir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		e.logger().Warn("read overview", zap.String("path", path), zap.Error(err))
		return ""
	}
	return string(data)
}

// --- helpers ---

func commitMessage(title string) string {
	msg := strings.TrimSpace(title)
	if len(msg) > 72 {
		msg = msg[:69] + "..."
	}
	return msg
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func summarizeIssues(issues []agent.ReviewIssue) string {
	if len(issues) == 0 {
		return "reviewer rejected the change"
	}
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, issue.Description)
	}
	return strings.Join(parts, "; ")
}

func keywordsFrom(topic string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.Fields(strings.ToLower(topic)) {
		w = strings.Trim(w, `.,:;!?"'()[]{}`)
		if len(w) < 4 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
