package domain

type Project struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	Workdir            string  `json:"workdir"`
	OverviewPath       string  `json:"overview_path,omitempty"`
	CurrentMilestoneID *string `json:"current_milestone_id,omitempty"`
	KnowledgeEnabled   bool    `json:"knowledge_enabled"`
	ScheduleEnabled    bool    `json:"schedule_enabled"`
	Schedule           string  `json:"schedule,omitempty"`
	GitAuthor          string  `json:"git_author,omitempty"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

type Milestone struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	OrderIndex  int             `json:"order_index"`
	Status      MilestoneStatus `json:"status"`
	Archived    bool            `json:"archived"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	MilestoneID *string    `json:"milestone_id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	RetryCount  int        `json:"retry_count"`
	Priority    int        `json:"priority"`
	IsInjected  bool       `json:"is_injected"`
	Comments    []string   `json:"comments,omitempty"`
	OrderIndex  int        `json:"order_index"`
	CreatedAt   string     `json:"created_at"`
	UpdatedAt   string     `json:"updated_at"`
}

type Run struct {
	ID            string        `json:"id"`
	ProjectID     string        `json:"project_id"`
	TaskID        *string       `json:"task_id,omitempty"`
	Status        RunStatus     `json:"status"`
	TriggerSource TriggerSource `json:"trigger_source"`
	StartedAt     string        `json:"started_at"`
	FinishedAt    *string       `json:"finished_at,omitempty"`
	GitCommitSHA  string        `json:"git_commit_sha,omitempty"`
	Summary       string        `json:"summary,omitempty"`
}

type Log struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Agent     AgentRole `json:"agent"`
	Event     LogEvent  `json:"event"`
	Content   string    `json:"content,omitempty"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt string    `json:"created_at"`
}

type Knowledge struct {
	ID         string            `json:"id"`
	ProjectID  string            `json:"project_id"`
	TaskID     *string           `json:"task_id,omitempty"`
	Category   KnowledgeCategory `json:"category"`
	Tags       []string          `json:"tags,omitempty"`
	Content    string            `json:"content"`
	Importance int               `json:"importance"`
	LastUsedAt *string           `json:"last_used_at,omitempty"`
	CreatedAt  string            `json:"created_at"`
	UpdatedAt  string            `json:"updated_at"`
}

type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneCompleted  MilestoneStatus = "completed"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskFailed     TaskStatus = "failed"
	TaskCompleted  TaskStatus = "completed"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type TriggerSource string

const (
	TriggerCLI    TriggerSource = "cli"
	TriggerManual TriggerSource = "manual"
	TriggerCron   TriggerSource = "cron"
)

type AgentRole string

const (
	AgentPlanner      AgentRole = "planner"
	AgentDeveloper    AgentRole = "developer"
	AgentReviewer     AgentRole = "reviewer"
	AgentOrchestrator AgentRole = "orchestrator"
)

type LogEvent string

const (
	LogStarted          LogEvent = "started"
	LogPromptSent       LogEvent = "prompt_sent"
	LogResponseReceived LogEvent = "response_received"
	LogError            LogEvent = "error"
	LogCompleted        LogEvent = "completed"
)

type KnowledgeCategory string

const (
	KnowledgePattern    KnowledgeCategory = "pattern"
	KnowledgeGotcha     KnowledgeCategory = "gotcha"
	KnowledgeDecision   KnowledgeCategory = "decision"
	KnowledgePreference KnowledgeCategory = "preference"
	KnowledgeFileNote   KnowledgeCategory = "file_note"
)
