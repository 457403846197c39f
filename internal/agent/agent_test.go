package agent_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"forgeline/internal/agent"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/driver"
	"forgeline/internal/logging"
	"forgeline/internal/logs"
	"forgeline/internal/migrate"
	"forgeline/internal/repo"
)

const stamp = "2024-01-01T00:00:00Z"

type clientEnv struct {
	Client *agent.Client
	Repo   repo.Repo
	Ctx    context.Context
	RunID  string
}

func newClientEnv(t *testing.T) clientEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	project := domain.Project{ID: uuid.NewString(), Name: "demo", Workdir: "/tmp/demo", CreatedAt: stamp, UpdatedAt: stamp}
	if err := r.InsertProject(ctx, project); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	run := domain.Run{ID: uuid.NewString(), ProjectID: project.ID, Status: domain.RunRunning,
		TriggerSource: domain.TriggerCLI, StartedAt: stamp}
	if err := r.InsertRun(ctx, run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	client := agent.New(config.Default(), logs.Writer{DB: conn}, logging.Nop())
	return clientEnv{Client: client, Repo: r, Ctx: ctx, RunID: run.ID}
}

func canned(output string) agent.RunFunc {
	return func(ctx context.Context, workdir, prompt string, sink func([]byte)) (driver.Result, error) {
		return driver.Result{Success: true, ExitCode: 0, Output: output}, nil
	}
}

func TestReviewParsesVerdict(t *testing.T) {
	env := newClientEnv(t)
	env.Client.Run = canned("Looked at the diff.\n" +
		`{"approved": false, "issues": [{"severity": "blocking", "description": "missing tests", "file": "main.go"}]}`)

	verdict, err := env.Client.Review(env.Ctx, agent.ReviewInput{RunID: env.RunID, Task: domain.Task{Title: "t"}, Diff: "diff"})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if verdict == nil || verdict.Approved {
		t.Fatalf("expected rejection, got %+v", verdict)
	}
	if len(verdict.Issues) != 1 || verdict.Issues[0].Severity != "blocking" {
		t.Fatalf("unexpected issues: %+v", verdict.Issues)
	}
}

func TestReviewUnusableReturnsNil(t *testing.T) {
	env := newClientEnv(t)

	env.Client.Run = canned("I looked at the code but cannot decide.")
	verdict, err := env.Client.Review(env.Ctx, agent.ReviewInput{RunID: env.RunID})
	if err != nil || verdict != nil {
		t.Fatalf("expected nil verdict on parse failure, got %+v, %v", verdict, err)
	}

	env.Client.Run = func(ctx context.Context, workdir, prompt string, sink func([]byte)) (driver.Result, error) {
		return driver.Result{Success: false, ExitCode: 1, Output: `{"approved": true}`}, nil
	}
	verdict, err = env.Client.Review(env.Ctx, agent.ReviewInput{RunID: env.RunID})
	if err != nil || verdict != nil {
		t.Fatalf("expected nil verdict on process failure, got %+v, %v", verdict, err)
	}
}

func TestPlanTaskResults(t *testing.T) {
	env := newClientEnv(t)

	env.Client.Run = canned(`Next step: {"title": "Add config loader", "description": "parse yaml"}`)
	plan, err := env.Client.PlanTask(env.Ctx, agent.PlanInput{RunID: env.RunID})
	if err != nil || plan == nil || plan.Task == nil {
		t.Fatalf("expected proposal, got %+v, %v", plan, err)
	}
	if plan.Task.Title != "Add config loader" || plan.MilestoneComplete {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	env.Client.Run = canned(`All work is done here. {"milestone_complete": true}`)
	plan, err = env.Client.PlanTask(env.Ctx, agent.PlanInput{RunID: env.RunID})
	if err != nil || plan == nil || !plan.MilestoneComplete {
		t.Fatalf("expected milestone completion, got %+v, %v", plan, err)
	}

	env.Client.Run = canned("I do not know what to do next.")
	plan, err = env.Client.PlanTask(env.Ctx, agent.PlanInput{RunID: env.RunID})
	if err != nil || plan != nil {
		t.Fatalf("expected nil plan, got %+v, %v", plan, err)
	}
}

func TestPlanMilestoneTasksForms(t *testing.T) {
	env := newClientEnv(t)

	env.Client.Run = canned(`{"tasks": [{"title": "a"}, {"title": "b"}, {"title": ""}]}`)
	batch, err := env.Client.PlanMilestoneTasks(env.Ctx, agent.PlanInput{RunID: env.RunID})
	if err != nil || len(batch) != 2 {
		t.Fatalf("expected 2 usable proposals, got %+v, %v", batch, err)
	}

	env.Client.Run = canned(`[{"title": "only"}]`)
	batch, err = env.Client.PlanMilestoneTasks(env.Ctx, agent.PlanInput{RunID: env.RunID})
	if err != nil || len(batch) != 1 || batch[0].Title != "only" {
		t.Fatalf("bare array form failed: %+v, %v", batch, err)
	}
}

func TestDevelopPromptCarriesRetryContext(t *testing.T) {
	env := newClientEnv(t)
	var prompt string
	env.Client.Run = func(ctx context.Context, workdir, p string, sink func([]byte)) (driver.Result, error) {
		prompt = p
		return driver.Result{Success: true}, nil
	}
	task := domain.Task{Title: "Wire the scheduler", Description: "hook the ticker up"}

	if _, err := env.Client.Develop(env.Ctx, agent.DevelopInput{RunID: env.RunID, Task: task}); err != nil {
		t.Fatalf("develop: %v", err)
	}
	if strings.Contains(prompt, "TIMED OUT") {
		t.Fatalf("first attempt must not mention timeouts: %q", prompt)
	}
	if !strings.Contains(prompt, "Wire the scheduler") {
		t.Fatalf("prompt missing task title: %q", prompt)
	}

	_, err := env.Client.Develop(env.Ctx, agent.DevelopInput{
		RunID: env.RunID,
		Task:  task,
		Retry: &agent.RetryContext{
			Attempt:       2,
			MaxAttempts:   3,
			TimedOut:      true,
			PreviousError: "process exited 1",
			ReviewIssues:  []agent.ReviewIssue{{Severity: "blocking", Description: "tests missing"}},
		},
	})
	if err != nil {
		t.Fatalf("develop retry: %v", err)
	}
	for _, want := range []string{"attempt 2 of 3", "TIMED OUT", "process exited 1", "tests missing", "still contains your earlier changes"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("retry prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestInvocationAuditTrail(t *testing.T) {
	env := newClientEnv(t)
	raw := "thinking out loud, no structure here"
	env.Client.Run = canned(raw)

	if _, err := env.Client.Review(env.Ctx, agent.ReviewInput{RunID: env.RunID, Task: domain.Task{Title: "t"}}); err != nil {
		t.Fatalf("review: %v", err)
	}

	rows, err := env.Repo.ListLogs(env.Ctx, repo.LogFilters{RunID: env.RunID})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	want := []domain.LogEvent{domain.LogStarted, domain.LogPromptSent, domain.LogResponseReceived, domain.LogCompleted}
	if len(rows) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(rows))
	}
	for i, event := range want {
		if rows[i].Event != event {
			t.Fatalf("row %d: event %s, want %s", i, rows[i].Event, event)
		}
		if rows[i].Agent != domain.AgentReviewer {
			t.Fatalf("row %d: agent %s", i, rows[i].Agent)
		}
	}
	// the raw transcript is kept even though nothing parsed
	if rows[2].Content != raw {
		t.Fatalf("response row should carry the transcript: %q", rows[2].Content)
	}
}

func TestPlanRecoveryForms(t *testing.T) {
	env := newClientEnv(t)

	env.Client.Run = canned(`{"skip_task": true, "reason": "missing dependency"}`)
	plan, err := env.Client.PlanRecovery(env.Ctx, agent.RecoveryInput{RunID: env.RunID, Task: domain.Task{Title: "t"}})
	if err != nil || plan == nil || !plan.SkipTask || plan.Reason != "missing dependency" {
		t.Fatalf("skip form failed: %+v, %v", plan, err)
	}

	env.Client.Run = canned(`{"title": "Smaller step", "description": "just the parser"}`)
	plan, err = env.Client.PlanRecovery(env.Ctx, agent.RecoveryInput{RunID: env.RunID, Task: domain.Task{Title: "t"}})
	if err != nil || plan == nil || plan.SkipTask || plan.Title != "Smaller step" {
		t.Fatalf("replacement form failed: %+v, %v", plan, err)
	}

	env.Client.Run = canned("cannot help")
	plan, err = env.Client.PlanRecovery(env.Ctx, agent.RecoveryInput{RunID: env.RunID, Task: domain.Task{Title: "t"}})
	if err != nil || plan != nil {
		t.Fatalf("expected nil recovery plan, got %+v, %v", plan, err)
	}
}

func TestExtractKnowledgeSanitizes(t *testing.T) {
	env := newClientEnv(t)
	env.Client.Run = canned(`{"knowledge": [
		{"category": "bogus", "content": "migrations run on open", "importance": 99},
		{"category": "gotcha", "content": "", "importance": 5},
		{"category": "decision", "tags": ["db"], "content": "single writer", "importance": 7}
	]}`)

	items, err := env.Client.ExtractKnowledge(env.Ctx, agent.KnowledgeExtractionInput{RunID: env.RunID, Task: domain.Task{Title: "t"}})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items after sanitize, got %+v", items)
	}
	if items[0].Category != "pattern" || items[0].Importance != 10 {
		t.Fatalf("unknown category should normalize: %+v", items[0])
	}
	if items[1].Category != "decision" || items[1].Importance != 7 {
		t.Fatalf("valid item mangled: %+v", items[1])
	}
}
