package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/migrate"
	"forgeline/internal/repo"
)

const testNow = "2024-01-01T00:00:00Z"

type testEnv struct {
	Repo repo.Repo
	Ctx  context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	return testEnv{Repo: repo.Repo{DB: conn}, Ctx: ctx}
}

func seedProject(t *testing.T, env testEnv) domain.Project {
	t.Helper()
	p := domain.Project{
		ID:        uuid.NewString(),
		Name:      "demo",
		Workdir:   "/tmp/demo",
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	if err := env.Repo.InsertProject(env.Ctx, p); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	return p
}

func seedMilestone(t *testing.T, env testEnv, projectID string, order int) domain.Milestone {
	t.Helper()
	m := domain.Milestone{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		OrderIndex: order,
		Status:     domain.MilestonePending,
		Title:      "milestone",
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
	if err := env.Repo.InsertMilestone(env.Ctx, m); err != nil {
		t.Fatalf("insert milestone: %v", err)
	}
	return m
}

func seedTask(t *testing.T, env testEnv, projectID string, milestoneID *string, title string) domain.Task {
	t.Helper()
	task := domain.Task{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		MilestoneID: milestoneID,
		Title:       title,
		Status:      domain.TaskPending,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
	if err := env.Repo.InsertTask(env.Ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

func setTaskStatus(t *testing.T, env testEnv, id string, to domain.TaskStatus) domain.Task {
	t.Helper()
	task, err := env.Repo.UpdateTaskStatus(env.Ctx, id, to, testNow)
	if err != nil {
		t.Fatalf("to %s: %v", to, err)
	}
	return task
}

func setMilestoneStatus(t *testing.T, env testEnv, id string, to domain.MilestoneStatus) error {
	t.Helper()
	tx, err := env.Repo.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := env.Repo.UpdateMilestoneStatus(env.Ctx, tx, id, to, testNow); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return nil
}

func TestProjectCRUD(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)

	got, err := env.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if got.Name != "demo" || got.CurrentMilestoneID != nil {
		t.Fatalf("unexpected project: %+v", got)
	}

	single, err := env.Repo.SingleProject(env.Ctx)
	if err != nil || single.ID != p.ID {
		t.Fatalf("single project: %v", err)
	}

	name := "renamed"
	enabled := true
	if err := env.Repo.UpdateProjectSettings(env.Ctx, p.ID, repo.ProjectUpdate{Name: &name, KnowledgeEnabled: &enabled}, "2024-01-02T00:00:00Z"); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	got, _ = env.Repo.GetProject(env.Ctx, p.ID)
	if got.Name != "renamed" || !got.KnowledgeEnabled || got.UpdatedAt != "2024-01-02T00:00:00Z" {
		t.Fatalf("settings not applied: %+v", got)
	}

	if err := env.Repo.DeleteProject(env.Ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Repo.GetProject(env.Ctx, p.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSingleProjectAmbiguous(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env)
	seedProject(t, env)
	if _, err := env.Repo.SingleProject(env.Ctx); err == nil {
		t.Fatalf("expected ambiguity error")
	}
}

func TestTaskTransitionGuard(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	task := seedTask(t, env, p.ID, nil, "work")

	// pending cannot jump straight to review
	if _, err := env.Repo.UpdateTaskStatus(env.Ctx, task.ID, domain.TaskReview, testNow); !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}

	// the full review round-trip
	setTaskStatus(t, env, task.ID, domain.TaskInProgress)
	setTaskStatus(t, env, task.ID, domain.TaskReview)
	setTaskStatus(t, env, task.ID, domain.TaskInProgress)
	got := setTaskStatus(t, env, task.ID, domain.TaskCompleted)
	if got.Status != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	// terminal states are final
	if _, err := env.Repo.UpdateTaskStatus(env.Ctx, task.ID, domain.TaskInProgress, testNow); !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("expected terminal guard, got %v", err)
	}

	// same-status writes are no-ops, not errors
	if _, err := env.Repo.UpdateTaskStatus(env.Ctx, task.ID, domain.TaskCompleted, "2024-02-01T00:00:00Z"); err != nil {
		t.Fatalf("same-status no-op: %v", err)
	}
	got, _ = env.Repo.GetTask(env.Ctx, task.ID)
	if got.UpdatedAt != testNow {
		t.Fatalf("no-op should not touch updated_at")
	}
}

func TestRetryCountOnlyGrows(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	task := seedTask(t, env, p.ID, nil, "retry")

	for want := 1; want <= 3; want++ {
		got, err := env.Repo.IncrementTaskRetry(env.Ctx, task.ID, testNow)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("retry_count = %d, want %d", got, want)
		}
	}
	setTaskStatus(t, env, task.ID, domain.TaskInProgress)
	setTaskStatus(t, env, task.ID, domain.TaskReview)
	setTaskStatus(t, env, task.ID, domain.TaskInProgress)
	got, _ := env.Repo.GetTask(env.Ctx, task.ID)
	if got.RetryCount != 3 {
		t.Fatalf("status moves must not reset retry_count, got %d", got.RetryCount)
	}
}

func TestAppendTaskComment(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	task := seedTask(t, env, p.ID, nil, "comment")

	if err := env.Repo.AppendTaskComment(env.Ctx, task.ID, "Attempt 1 failed: build error", testNow); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := env.Repo.AppendTaskComment(env.Ctx, task.ID, "Review rejected: missing tests", testNow); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, _ := env.Repo.GetTask(env.Ctx, task.ID)
	if len(got.Comments) != 2 || got.Comments[0] != "Attempt 1 failed: build error" {
		t.Fatalf("unexpected comments: %v", got.Comments)
	}
}

func TestNextPendingTaskOrdering(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	m := seedMilestone(t, env, p.ID, 0)

	low := domain.Task{ID: uuid.NewString(), ProjectID: p.ID, MilestoneID: &m.ID, Title: "low",
		Status: domain.TaskPending, Priority: 0, OrderIndex: 0, CreatedAt: testNow, UpdatedAt: testNow}
	high := domain.Task{ID: uuid.NewString(), ProjectID: p.ID, MilestoneID: &m.ID, Title: "high",
		Status: domain.TaskPending, Priority: 5, OrderIndex: 1, CreatedAt: testNow, UpdatedAt: testNow}
	injected := domain.Task{ID: uuid.NewString(), ProjectID: p.ID, Title: "hotfix",
		Status: domain.TaskPending, Priority: 9, IsInjected: true, OrderIndex: 99, CreatedAt: testNow, UpdatedAt: testNow}
	for _, task := range []domain.Task{low, high, injected} {
		if err := env.Repo.InsertTask(env.Ctx, task); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	// injected task outranks everything on priority even without the milestone
	next, err := env.Repo.NextPendingTask(env.Ctx, repo.NextTaskFilters{ProjectID: p.ID, MilestoneID: m.ID})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.ID != injected.ID {
		t.Fatalf("expected injected task first, got %s", next.Title)
	}

	setTaskStatus(t, env, injected.ID, domain.TaskInProgress)
	next, _ = env.Repo.NextPendingTask(env.Ctx, repo.NextTaskFilters{ProjectID: p.ID, MilestoneID: m.ID})
	if next.ID != high.ID {
		t.Fatalf("expected priority to win, got %s", next.Title)
	}

	setTaskStatus(t, env, high.ID, domain.TaskInProgress)
	next, _ = env.Repo.NextPendingTask(env.Ctx, repo.NextTaskFilters{ProjectID: p.ID, MilestoneID: m.ID})
	if next.ID != low.ID {
		t.Fatalf("expected remaining task, got %s", next.Title)
	}

	setTaskStatus(t, env, low.ID, domain.TaskInProgress)
	if _, err := env.Repo.NextPendingTask(env.Ctx, repo.NextTaskFilters{ProjectID: p.ID, MilestoneID: m.ID}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found when nothing pending, got %v", err)
	}
}

func TestNextPendingTaskSkipsOtherMilestones(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	m1 := seedMilestone(t, env, p.ID, 0)
	m2 := seedMilestone(t, env, p.ID, 1)
	seedTask(t, env, p.ID, &m2.ID, "future work")

	if _, err := env.Repo.NextPendingTask(env.Ctx, repo.NextTaskFilters{ProjectID: p.ID, MilestoneID: m1.ID}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("task from another milestone must not be selected, got %v", err)
	}
}

func TestMilestoneSingleActive(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	m1 := seedMilestone(t, env, p.ID, 0)
	m2 := seedMilestone(t, env, p.ID, 1)

	if err := setMilestoneStatus(t, env, m1.ID, domain.MilestoneInProgress); err != nil {
		t.Fatalf("activate first: %v", err)
	}
	if err := setMilestoneStatus(t, env, m2.ID, domain.MilestoneInProgress); !errors.Is(err, repo.ErrMilestoneActive) {
		t.Fatalf("expected active conflict, got %v", err)
	}
	if err := setMilestoneStatus(t, env, m1.ID, domain.MilestoneCompleted); err != nil {
		t.Fatalf("complete first: %v", err)
	}
	if err := setMilestoneStatus(t, env, m2.ID, domain.MilestoneInProgress); err != nil {
		t.Fatalf("activate second after first done: %v", err)
	}
}

func TestNextPendingMilestoneOrder(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	seedMilestone(t, env, p.ID, 2)
	first := seedMilestone(t, env, p.ID, 1)

	got, err := env.Repo.NextPendingMilestone(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("next milestone: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("expected lowest order_index, got %d", got.OrderIndex)
	}
}

func TestMilestoneTaskStats(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	m := seedMilestone(t, env, p.ID, 0)

	a := seedTask(t, env, p.ID, &m.ID, "a")
	b := seedTask(t, env, p.ID, &m.ID, "b")

	stats, err := env.Repo.MilestoneTaskStats(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.AllTerminal() {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	setTaskStatus(t, env, a.ID, domain.TaskInProgress)
	setTaskStatus(t, env, a.ID, domain.TaskCompleted)
	setTaskStatus(t, env, b.ID, domain.TaskInProgress)
	setTaskStatus(t, env, b.ID, domain.TaskFailed)

	stats, _ = env.Repo.MilestoneTaskStats(env.Ctx, m.ID)
	if !stats.AllTerminal() || !stats.AnyCompleted() {
		t.Fatalf("expected terminal milestone with one completion: %+v", stats)
	}
	if stats.Completed != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
}

func TestRunLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	task := seedTask(t, env, p.ID, nil, "work")

	run := domain.Run{
		ID:            uuid.NewString(),
		ProjectID:     p.ID,
		Status:        domain.RunRunning,
		TriggerSource: domain.TriggerCLI,
		StartedAt:     testNow,
	}
	if err := env.Repo.InsertRun(env.Ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	if err := env.Repo.AssignRunTask(env.Ctx, run.ID, &task.ID); err != nil {
		t.Fatalf("assign task: %v", err)
	}
	if err := env.Repo.FinishRun(env.Ctx, run.ID, domain.RunCompleted, "Completed: work", "abc123", "2024-01-01T01:00:00Z"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := env.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.RunCompleted || got.TaskID == nil || *got.TaskID != task.ID {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.FinishedAt == nil || got.GitCommitSHA != "abc123" {
		t.Fatalf("finish fields missing: %+v", got)
	}

	// terminal runs stay terminal
	if err := env.Repo.FinishRun(env.Ctx, run.ID, domain.RunFailed, "", "", testNow); !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("expected terminal guard, got %v", err)
	}

	latest, err := env.Repo.LatestRun(env.Ctx, p.ID)
	if err != nil || latest.ID != run.ID {
		t.Fatalf("latest run: %v", err)
	}
}

func TestProjectDeleteCascades(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	m := seedMilestone(t, env, p.ID, 0)
	task := seedTask(t, env, p.ID, &m.ID, "work")
	run := domain.Run{ID: uuid.NewString(), ProjectID: p.ID, Status: domain.RunRunning,
		TriggerSource: domain.TriggerCLI, StartedAt: testNow}
	if err := env.Repo.InsertRun(env.Ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	if err := env.Repo.DeleteProject(env.Ctx, p.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if _, err := env.Repo.GetMilestone(env.Ctx, m.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("milestone should cascade, got %v", err)
	}
	if _, err := env.Repo.GetTask(env.Ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("task should cascade, got %v", err)
	}
	if _, err := env.Repo.GetRun(env.Ctx, run.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("run should cascade, got %v", err)
	}
}

func TestMilestoneDeleteDetachesTasks(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	m := seedMilestone(t, env, p.ID, 0)
	task := seedTask(t, env, p.ID, &m.ID, "survivor")

	if _, err := env.Repo.DB.ExecContext(env.Ctx, `DELETE FROM milestones WHERE id=?`, m.ID); err != nil {
		t.Fatalf("delete milestone: %v", err)
	}
	got, err := env.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("task must survive milestone deletion: %v", err)
	}
	if got.MilestoneID != nil {
		t.Fatalf("expected milestone_id cleared, got %v", *got.MilestoneID)
	}
}
