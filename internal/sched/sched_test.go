package sched_test

import (
	"context"
	"testing"
	"time"

	"forgeline/internal/agent"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/driver"
	"forgeline/internal/engine"
	"forgeline/internal/git"
	"forgeline/internal/migrate"
	"forgeline/internal/sched"
)

// stubAgents answers every call with its zero default, which is enough for
// scheduler tests: the sweep only cares that a run was triggered, not how it
// ended.
type stubAgents struct{}

func (stubAgents) PlanTask(context.Context, agent.PlanInput) (*agent.PlanResult, error) {
	return nil, nil
}

func (stubAgents) PlanMilestoneTasks(context.Context, agent.PlanInput) ([]agent.TaskProposal, error) {
	return nil, nil
}

func (stubAgents) Develop(context.Context, agent.DevelopInput) (driver.Result, error) {
	return driver.Result{Success: true}, nil
}

func (stubAgents) Review(context.Context, agent.ReviewInput) (*agent.ReviewVerdict, error) {
	return &agent.ReviewVerdict{Approved: true}, nil
}

func (stubAgents) PlanRecovery(context.Context, agent.RecoveryInput) (*agent.RecoveryPlan, error) {
	return nil, nil
}

func (stubAgents) ExtractKnowledge(context.Context, agent.KnowledgeExtractionInput) ([]agent.KnowledgeItem, error) {
	return nil, nil
}

type stubGit struct{}

func (stubGit) Status(context.Context) (git.Status, error) { return git.Status{}, nil }

func (stubGit) StageAll(context.Context) error { return nil }

func (stubGit) Commit(context.Context, string, string) (string, error) { return "deadbeef", nil }

func (stubGit) Push(context.Context) error { return nil }

func (stubGit) HasRemote(context.Context) bool { return false }

func (stubGit) ResetToLastCommit(context.Context) error { return nil }

func (stubGit) Diff(context.Context) (string, error) { return "", nil }

func (stubGit) ShowCommit(context.Context, string) (string, error) { return "", nil }

type testEnv struct {
	Sched   sched.Scheduler
	Engine  engine.Engine
	Ctx     context.Context
	Project domain.Project
}

func newTestEnv(t *testing.T, schedule string, enabled bool) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Agents = stubAgents{}
	eng.Git = stubGit{}
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return fixed }
	eng.Logs.Now = eng.Now
	project, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{
		Name:            "demo",
		Workdir:         dir,
		ScheduleEnabled: enabled,
		Schedule:        schedule,
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	s := sched.New(eng, nil)
	s.Now = eng.Now
	return testEnv{Sched: s, Engine: eng, Ctx: ctx, Project: project}
}

func countRuns(t *testing.T, env testEnv) int {
	t.Helper()
	runs, err := env.Engine.Repo.ListRuns(env.Ctx, env.Project.ID, 100)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	return len(runs)
}

func TestSweepTriggersDueProject(t *testing.T) {
	env := newTestEnv(t, "1h", true)

	env.Sched.Sweep(env.Ctx)

	runs, err := env.Engine.Repo.ListRuns(env.Ctx, env.Project.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].TriggerSource != domain.TriggerCron {
		t.Fatalf("trigger = %s, want cron", runs[0].TriggerSource)
	}

	// the run just started at the frozen clock, so nothing is due yet
	env.Sched.Sweep(env.Ctx)
	if got := countRuns(t, env); got != 1 {
		t.Fatalf("runs after second sweep = %d, want still 1", got)
	}
}

func TestSweepHonorsInterval(t *testing.T) {
	env := newTestEnv(t, "1h", true)
	env.Sched.Sweep(env.Ctx)
	if got := countRuns(t, env); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}

	// move the scheduler clock past the interval; the engine clock stays
	// frozen, which is fine because due() only reads run timestamps
	env.Sched.Now = func() time.Time { return time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC) }
	env.Sched.Sweep(env.Ctx)
	if got := countRuns(t, env); got != 2 {
		t.Fatalf("runs after due sweep = %d, want 2", got)
	}
}

func TestSweepSkipsDisabledProject(t *testing.T) {
	env := newTestEnv(t, "1h", false)

	env.Sched.Sweep(env.Ctx)

	if got := countRuns(t, env); got != 0 {
		t.Fatalf("runs = %d, want 0 for disabled schedule", got)
	}
}

func TestSweepSkipsUnparsableSchedule(t *testing.T) {
	env := newTestEnv(t, "every tuesday", true)

	env.Sched.Sweep(env.Ctx)

	if got := countRuns(t, env); got != 0 {
		t.Fatalf("runs = %d, want 0 for bad schedule", got)
	}
}
