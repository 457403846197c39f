package agent

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/driver"
	"forgeline/internal/logs"
)

// TaskProposal is the planner's unit of new work.
type TaskProposal struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    int    `json:"priority,omitempty"`
}

// PlanResult carries either a proposal or the milestone-complete signal.
type PlanResult struct {
	Task              *TaskProposal
	MilestoneComplete bool
}

type ReviewIssue struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
	File        string `json:"file,omitempty"`
}

type ReviewVerdict struct {
	Approved bool          `json:"approved"`
	Issues   []ReviewIssue `json:"issues"`
	Summary  string        `json:"summary,omitempty"`
}

// RecoveryPlan is the re-planner's answer after a task exhausted its
// retries: a simpler replacement, or an instruction to skip.
type RecoveryPlan struct {
	SkipTask    bool   `json:"skip_task"`
	Reason      string `json:"reason,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type KnowledgeItem struct {
	Category   string   `json:"category"`
	Tags       []string `json:"tags"`
	Content    string   `json:"content"`
	Importance int      `json:"importance"`
}

// RetryContext accumulates what went wrong on earlier attempts so the next
// prompt can steer around it.
type RetryContext struct {
	Attempt       int
	MaxAttempts   int
	TimedOut      bool
	PreviousError string
	ReviewIssues  []ReviewIssue
}

type PlanInput struct {
	RunID     string
	Workdir   string
	Overview  string
	Milestone *domain.Milestone
	Done      []string
	Knowledge []domain.Knowledge
}

type DevelopInput struct {
	RunID     string
	Workdir   string
	Task      domain.Task
	Knowledge []domain.Knowledge
	Retry     *RetryContext
}

type ReviewInput struct {
	RunID   string
	Workdir string
	Task    domain.Task
	Diff    string
}

type RecoveryInput struct {
	RunID     string
	Workdir   string
	Task      domain.Task
	Attempts  int
	TimedOut  bool
	LastError string
	Issues    []ReviewIssue
}

type KnowledgeExtractionInput struct {
	RunID   string
	Workdir string
	Task    domain.Task
	Diff    string
}

// RunFunc executes one rendered prompt through the external agent process.
type RunFunc func(ctx context.Context, workdir, prompt string, sink func([]byte)) (driver.Result, error)

// Client renders role prompts, drives the external process, and parses the
// structured payload out of the transcript. Process failures and parse
// failures surface as nil results, never as panics: the control loop owns
// the decision of what a missing result means.
type Client struct {
	Cfg  *config.Config
	Logs logs.Writer
	Log  *zap.Logger
	// Run is swapped for a fake in tests.
	Run RunFunc
	// OnOutput, when set, receives the live output stream.
	OnOutput func(chunk []byte)
}

func New(cfg *config.Config, w logs.Writer, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{Cfg: cfg, Logs: w, Log: log}
	c.Run = c.runProcess
	return c
}

func (c *Client) runProcess(ctx context.Context, workdir, prompt string, sink func([]byte)) (driver.Result, error) {
	return driver.Run(ctx, driver.Options{
		Command:           c.Cfg.Agent.Command,
		Args:              renderArgs(c.Cfg.Agent.Args, prompt),
		Dir:               workdir,
		InactivityTimeout: c.Cfg.Agent.InactivityTimeout.Duration,
		OnOutput:          sink,
		Log:               c.Log,
	})
}

func renderArgs(args []string, prompt string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = strings.ReplaceAll(arg, config.PromptPlaceholder, prompt)
	}
	return out
}

// invoke runs one prompt and writes the full audit trail. The response row
// is written whether or not the payload later parses.
func (c *Client) invoke(ctx context.Context, runID string, role domain.AgentRole, step, workdir, prompt string) (driver.Result, error) {
	c.append(ctx, runID, role, domain.LogStarted, step, nil)
	c.append(ctx, runID, role, domain.LogPromptSent, prompt, nil)
	c.Log.Info("invoking agent", zap.String("agent", string(role)), zap.String("step", step))

	res, err := c.Run(ctx, workdir, prompt, c.OnOutput)
	if err != nil {
		c.append(ctx, runID, role, domain.LogError, err.Error(), nil)
		return res, err
	}
	c.append(ctx, runID, role, domain.LogResponseReceived, res.Output, logs.Metadata{
		"success":     res.Success,
		"exit_code":   res.ExitCode,
		"timed_out":   res.TimedOut,
		"duration_ms": res.Duration.Milliseconds(),
	})
	c.append(ctx, runID, role, domain.LogCompleted, step, logs.Metadata{"success": res.Success})
	return res, nil
}

func (c *Client) append(ctx context.Context, runID string, role domain.AgentRole, event domain.LogEvent, content string, meta logs.Metadata) {
	if err := c.Logs.Append(ctx, runID, role, event, content, meta); err != nil {
		c.Log.Warn("log append failed", zap.Error(err))
	}
}

// PlanTask asks the planner for the next task within the milestone. A nil
// result means the planner produced nothing actionable.
func (c *Client) PlanTask(ctx context.Context, in PlanInput) (*PlanResult, error) {
	res, err := c.invoke(ctx, in.RunID, domain.AgentPlanner, "plan next task", in.Workdir, buildPlanPrompt(in))
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, nil
	}
	raw := ExtractJSON(res.Output)
	if raw == "" {
		c.Log.Warn("planner output had no parseable payload")
		return nil, nil
	}
	var payload struct {
		Title             string `json:"title"`
		Description       string `json:"description"`
		Priority          int    `json:"priority"`
		MilestoneComplete bool   `json:"milestone_complete"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		c.Log.Warn("planner payload rejected", zap.Error(err))
		return nil, nil
	}
	if payload.MilestoneComplete {
		return &PlanResult{MilestoneComplete: true}, nil
	}
	if payload.Title == "" {
		return nil, nil
	}
	return &PlanResult{Task: &TaskProposal{Title: payload.Title, Description: payload.Description, Priority: payload.Priority}}, nil
}

// PlanMilestoneTasks decomposes an empty milestone into an ordered batch.
func (c *Client) PlanMilestoneTasks(ctx context.Context, in PlanInput) ([]TaskProposal, error) {
	res, err := c.invoke(ctx, in.RunID, domain.AgentPlanner, "decompose milestone", in.Workdir, buildMilestonePlanPrompt(in))
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, nil
	}
	if raw := ExtractJSON(res.Output); raw != "" {
		var payload struct {
			Tasks []TaskProposal `json:"tasks"`
		}
		if err := json.Unmarshal([]byte(raw), &payload); err == nil && len(payload.Tasks) > 0 {
			return usableProposals(payload.Tasks), nil
		}
	}
	// Some planners skip the wrapper and answer with a bare array.
	if raw := ExtractJSONArray(res.Output); raw != "" {
		var batch []TaskProposal
		if err := json.Unmarshal([]byte(raw), &batch); err == nil {
			return usableProposals(batch), nil
		}
	}
	return nil, nil
}

func usableProposals(batch []TaskProposal) []TaskProposal {
	out := batch[:0]
	for _, p := range batch {
		if p.Title != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Develop runs the implementation attempt. The raw process result is the
// whole answer; the developer's success is its exit status, not a payload.
func (c *Client) Develop(ctx context.Context, in DevelopInput) (driver.Result, error) {
	return c.invoke(ctx, in.RunID, domain.AgentDeveloper, "implement task", in.Workdir, buildDevelopPrompt(in))
}

// Review asks the reviewer for a verdict on the diff. A nil verdict means
// the reviewer was unusable (process failure or unparseable output); the
// caller fails open.
func (c *Client) Review(ctx context.Context, in ReviewInput) (*ReviewVerdict, error) {
	res, err := c.invoke(ctx, in.RunID, domain.AgentReviewer, "review changes", in.Workdir, buildReviewPrompt(in))
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, nil
	}
	raw := ExtractJSON(res.Output)
	if raw == "" {
		c.Log.Warn("reviewer output had no parseable payload")
		return nil, nil
	}
	var verdict ReviewVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		c.Log.Warn("reviewer payload rejected", zap.Error(err))
		return nil, nil
	}
	return &verdict, nil
}

// PlanRecovery asks for a replacement after retries exhausted. A nil plan
// means the recovery planner produced nothing actionable.
func (c *Client) PlanRecovery(ctx context.Context, in RecoveryInput) (*RecoveryPlan, error) {
	res, err := c.invoke(ctx, in.RunID, domain.AgentPlanner, "plan recovery", in.Workdir, buildRecoveryPrompt(in))
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, nil
	}
	raw := ExtractJSON(res.Output)
	if raw == "" {
		return nil, nil
	}
	var plan RecoveryPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, nil
	}
	if !plan.SkipTask && plan.Title == "" {
		return nil, nil
	}
	return &plan, nil
}

// ExtractKnowledge mines the committed diff for reusable learnings. Best
// effort: any failure yields nil and the caller moves on.
func (c *Client) ExtractKnowledge(ctx context.Context, in KnowledgeExtractionInput) ([]KnowledgeItem, error) {
	res, err := c.invoke(ctx, in.RunID, domain.AgentOrchestrator, "extract knowledge", in.Workdir, buildKnowledgePrompt(in))
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, nil
	}
	if raw := ExtractJSON(res.Output); raw != "" {
		var payload struct {
			Knowledge []KnowledgeItem `json:"knowledge"`
		}
		if err := json.Unmarshal([]byte(raw), &payload); err == nil && len(payload.Knowledge) > 0 {
			return sanitizeKnowledge(payload.Knowledge), nil
		}
	}
	if raw := ExtractJSONArray(res.Output); raw != "" {
		var bare []KnowledgeItem
		if err := json.Unmarshal([]byte(raw), &bare); err == nil {
			return sanitizeKnowledge(bare), nil
		}
	}
	return nil, nil
}

var knownCategories = map[string]bool{
	string(domain.KnowledgePattern):    true,
	string(domain.KnowledgeGotcha):     true,
	string(domain.KnowledgeDecision):   true,
	string(domain.KnowledgePreference): true,
	string(domain.KnowledgeFileNote):   true,
}

func sanitizeKnowledge(items []KnowledgeItem) []KnowledgeItem {
	out := make([]KnowledgeItem, 0, len(items))
	for _, item := range items {
		if item.Content == "" {
			continue
		}
		if !knownCategories[item.Category] {
			item.Category = string(domain.KnowledgePattern)
		}
		if item.Importance < 1 {
			item.Importance = 5
		}
		if item.Importance > 10 {
			item.Importance = 10
		}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
