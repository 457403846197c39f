package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"forgeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrInvalidTransition wraps every rejected status move so callers can
// errors.Is against it without parsing message text.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrMilestoneActive guards the at-most-one in_progress milestone invariant.
var ErrMilestoneActive = errors.New("another milestone is already in progress")

type rowScanner interface {
	Scan(dest ...any) error
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalStrings(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	if len(items) == 0 {
		return nil
	}
	return items
}

// --- projects ---

const projectCols = `id,name,workdir,overview_path,current_milestone_id,knowledge_enabled,schedule_enabled,schedule,git_author,created_at,updated_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var currentMilestone sql.NullString
	var knowledgeEnabled, scheduleEnabled int
	err := row.Scan(&p.ID, &p.Name, &p.Workdir, &p.OverviewPath, &currentMilestone,
		&knowledgeEnabled, &scheduleEnabled, &p.Schedule, &p.GitAuthor, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if currentMilestone.Valid {
		p.CurrentMilestoneID = &currentMilestone.String
	}
	p.KnowledgeEnabled = knowledgeEnabled != 0
	p.ScheduleEnabled = scheduleEnabled != 0
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(`+projectCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Workdir, p.OverviewPath, nullableStringPtr(p.CurrentMilestoneID),
		boolToInt(p.KnowledgeEnabled), boolToInt(p.ScheduleEnabled), p.Schedule, p.GitAuthor, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

// SingleProject returns the only project in the workspace, so commands can
// omit --project when there is no ambiguity.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

type ProjectUpdate struct {
	Name             *string
	OverviewPath     *string
	KnowledgeEnabled *bool
	ScheduleEnabled  *bool
	Schedule         *string
	GitAuthor        *string
}

func (r Repo) UpdateProjectSettings(ctx context.Context, id string, u ProjectUpdate, now string) error {
	var fields []string
	var args []any
	if u.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *u.Name)
	}
	if u.OverviewPath != nil {
		fields = append(fields, "overview_path=?")
		args = append(args, *u.OverviewPath)
	}
	if u.KnowledgeEnabled != nil {
		fields = append(fields, "knowledge_enabled=?")
		args = append(args, boolToInt(*u.KnowledgeEnabled))
	}
	if u.ScheduleEnabled != nil {
		fields = append(fields, "schedule_enabled=?")
		args = append(args, boolToInt(*u.ScheduleEnabled))
	}
	if u.Schedule != nil {
		fields = append(fields, "schedule=?")
		args = append(args, *u.Schedule)
	}
	if u.GitAuthor != nil {
		fields = append(fields, "git_author=?")
		args = append(args, *u.GitAuthor)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, now, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCurrentMilestone moves the project's milestone pointer; nil clears it.
// Runs inside the caller's transaction together with the milestone status
// writes so the pointer and the in_progress row never diverge.
func (r Repo) SetCurrentMilestone(ctx context.Context, tx *sql.Tx, projectID string, milestoneID *string, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET current_milestone_id=?, updated_at=? WHERE id=?`,
		nullableStringPtr(milestoneID), now, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- milestones ---

const milestoneCols = `id,project_id,order_index,status,archived,title,description,created_at,updated_at`

func scanMilestone(row rowScanner) (domain.Milestone, error) {
	var m domain.Milestone
	var archived int
	err := row.Scan(&m.ID, &m.ProjectID, &m.OrderIndex, &m.Status, &archived, &m.Title, &m.Description, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Archived = archived != 0
	return m, nil
}

func (r Repo) InsertMilestone(ctx context.Context, m domain.Milestone) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO milestones(`+milestoneCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.OrderIndex, m.Status, boolToInt(m.Archived), m.Title, m.Description, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	return scanMilestone(r.DB.QueryRowContext(ctx, `SELECT `+milestoneCols+` FROM milestones WHERE id=?`, id))
}

func (r Repo) ListMilestones(ctx context.Context, projectID string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+milestoneCols+` FROM milestones WHERE project_id=? ORDER BY order_index ASC, created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UpdateMilestoneStatus validates the transition and, when activating,
// enforces that no sibling milestone is already in progress.
func (r Repo) UpdateMilestoneStatus(ctx context.Context, tx *sql.Tx, id string, to domain.MilestoneStatus, now string) error {
	var m domain.Milestone
	var archived int
	err := tx.QueryRowContext(ctx, `SELECT `+milestoneCols+` FROM milestones WHERE id=?`, id).
		Scan(&m.ID, &m.ProjectID, &m.OrderIndex, &m.Status, &archived, &m.Title, &m.Description, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !domain.CanTransitionMilestone(m.Status, to) {
		return fmt.Errorf("milestone %s: %w: %s -> %s", id, ErrInvalidTransition, m.Status, to)
	}
	if to == domain.MilestoneInProgress && m.Status != domain.MilestoneInProgress {
		var active int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM milestones WHERE project_id=? AND status=? AND id<>?`,
			m.ProjectID, domain.MilestoneInProgress, id).Scan(&active); err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("milestone %s: %w", id, ErrMilestoneActive)
		}
	}
	_, err = tx.ExecContext(ctx, `UPDATE milestones SET status=?, updated_at=? WHERE id=?`, to, now, id)
	return err
}

// NextPendingMilestone returns the lowest-ordered pending, unarchived
// milestone for the project.
func (r Repo) NextPendingMilestone(ctx context.Context, projectID string) (domain.Milestone, error) {
	return scanMilestone(r.DB.QueryRowContext(ctx,
		`SELECT `+milestoneCols+` FROM milestones WHERE project_id=? AND status=? AND archived=0 ORDER BY order_index ASC, created_at ASC, id ASC LIMIT 1`,
		projectID, domain.MilestonePending))
}

func (r Repo) MaxMilestoneOrder(ctx context.Context, projectID string) (int, error) {
	var max sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(order_index) FROM milestones WHERE project_id=?`, projectID).Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

// --- tasks ---

const taskCols = `id,project_id,milestone_id,title,description,status,retry_count,priority,is_injected,comments,order_index,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var milestoneID sql.NullString
	var isInjected int
	var comments string
	err := row.Scan(&t.ID, &t.ProjectID, &milestoneID, &t.Title, &t.Description, &t.Status,
		&t.RetryCount, &t.Priority, &isInjected, &comments, &t.OrderIndex, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if milestoneID.Valid {
		t.MilestoneID = &milestoneID.String
	}
	t.IsInjected = isInjected != 0
	t.Comments = unmarshalStrings(comments)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.MilestoneID), t.Title, t.Description, t.Status,
		t.RetryCount, t.Priority, boolToInt(t.IsInjected), marshalStrings(t.Comments), t.OrderIndex, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.MilestoneID), t.Title, t.Description, t.Status,
		t.RetryCount, t.Priority, boolToInt(t.IsInjected), marshalStrings(t.Comments), t.OrderIndex, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	ProjectID   string
	MilestoneID string
	Status      string
	Injected    *bool
	Limit       int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.MilestoneID != "" {
		clauses = append(clauses, "milestone_id=?")
		args = append(args, f.MilestoneID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Injected != nil {
		clauses = append(clauses, "is_injected=?")
		args = append(args, boolToInt(*f.Injected))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + where + ` ORDER BY order_index ASC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

type NextTaskFilters struct {
	ProjectID   string
	MilestoneID string
}

// NextPendingTask picks the task the next run should execute. Injected
// tasks bypass the milestone filter; higher priority wins, then the
// milestone's own ordering, then age.
func (r Repo) NextPendingTask(ctx context.Context, f NextTaskFilters) (domain.Task, error) {
	if f.ProjectID == "" {
		return domain.Task{}, ErrNotFound
	}
	clauses := []string{"project_id=?", "status=?"}
	args := []any{f.ProjectID, domain.TaskPending}
	if f.MilestoneID != "" {
		clauses = append(clauses, "(milestone_id=? OR is_injected=1)")
		args = append(args, f.MilestoneID)
	}
	query := `SELECT ` + taskCols + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY priority DESC, order_index ASC, created_at ASC, id ASC LIMIT 1`
	return scanTask(r.DB.QueryRowContext(ctx, query, args...))
}

// UpdateTaskStatus is the single chokepoint for task status writes; every
// move is validated against the transition table.
func (r Repo) UpdateTaskStatus(ctx context.Context, id string, to domain.TaskStatus, now string) (domain.Task, error) {
	t, err := r.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if !domain.CanTransitionTask(t.Status, to) {
		return t, fmt.Errorf("task %s: %w: %s -> %s", id, ErrInvalidTransition, t.Status, to)
	}
	if t.Status == to {
		return t, nil
	}
	if _, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, to, now, id); err != nil {
		return t, err
	}
	t.Status = to
	t.UpdatedAt = now
	return t, nil
}

// IncrementTaskRetry bumps retry_count by one. The counter only ever grows;
// nothing in the schema or the engine writes it any other way.
func (r Repo) IncrementTaskRetry(ctx context.Context, id string, now string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET retry_count=retry_count+1, updated_at=? WHERE id=?`, now, id)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var count int
	if err := r.DB.QueryRowContext(ctx, `SELECT retry_count FROM tasks WHERE id=?`, id).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// AppendTaskComment appends one human-readable annotation to the task's
// comment log. Comments are never rewritten or removed.
func (r Repo) AppendTaskComment(ctx context.Context, id, comment, now string) error {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT comments FROM tasks WHERE id=?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	comments := unmarshalStrings(raw)
	comments = append(comments, comment)
	_, err = r.DB.ExecContext(ctx, `UPDATE tasks SET comments=?, updated_at=? WHERE id=?`, marshalStrings(comments), now, id)
	return err
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type TaskStats struct {
	Total      int
	Pending    int
	InProgress int
	Review     int
	Completed  int
	Failed     int
}

// AllTerminal reports whether the milestone's tasks are all done moving,
// which is the advancement precondition together with AnyCompleted.
func (s TaskStats) AllTerminal() bool {
	return s.Total > 0 && s.Pending == 0 && s.InProgress == 0 && s.Review == 0
}

func (s TaskStats) AnyCompleted() bool {
	return s.Completed > 0
}

func (r Repo) MilestoneTaskStats(ctx context.Context, milestoneID string) (TaskStats, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE milestone_id=? GROUP BY status`, milestoneID)
	if err != nil {
		return TaskStats{}, err
	}
	defer rows.Close()
	var s TaskStats
	for rows.Next() {
		var status domain.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return TaskStats{}, err
		}
		s.Total += n
		switch status {
		case domain.TaskPending:
			s.Pending = n
		case domain.TaskInProgress:
			s.InProgress = n
		case domain.TaskReview:
			s.Review = n
		case domain.TaskCompleted:
			s.Completed = n
		case domain.TaskFailed:
			s.Failed = n
		}
	}
	return s, rows.Err()
}

func (r Repo) MaxTaskOrder(ctx context.Context, projectID string, milestoneID *string) (int, error) {
	query := `SELECT MAX(order_index) FROM tasks WHERE project_id=?`
	args := []any{projectID}
	if milestoneID != nil {
		query += ` AND milestone_id=?`
		args = append(args, *milestoneID)
	}
	var max sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

// --- runs ---

const runCols = `id,project_id,task_id,status,trigger_source,started_at,finished_at,git_commit_sha,summary`

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var taskID, finishedAt sql.NullString
	err := row.Scan(&run.ID, &run.ProjectID, &taskID, &run.Status, &run.TriggerSource,
		&run.StartedAt, &finishedAt, &run.GitCommitSHA, &run.Summary)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if taskID.Valid {
		run.TaskID = &taskID.String
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.String
	}
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(`+runCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, nullableStringPtr(run.TaskID), run.Status, run.TriggerSource,
		run.StartedAt, nullableStringPtr(run.FinishedAt), run.GitCommitSHA, run.Summary)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id=?`, id))
}

func (r Repo) ListRuns(ctx context.Context, projectID string, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runCols + ` FROM runs WHERE project_id=? ORDER BY started_at DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) LatestRun(ctx context.Context, projectID string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx,
		`SELECT `+runCols+` FROM runs WHERE project_id=? ORDER BY started_at DESC, id DESC LIMIT 1`, projectID))
}

// AssignRunTask repoints the run at the task it is currently executing;
// recovery repoints it at the replacement row.
func (r Repo) AssignRunTask(ctx context.Context, runID string, taskID *string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET task_id=? WHERE id=?`, nullableStringPtr(taskID), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AssignRunTaskTx(ctx context.Context, tx *sql.Tx, runID string, taskID *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET task_id=? WHERE id=?`, nullableStringPtr(taskID), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishRun moves a run to its terminal status exactly once.
func (r Repo) FinishRun(ctx context.Context, runID string, to domain.RunStatus, summary, commitSHA, now string) error {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !domain.CanTransitionRun(run.Status, to) {
		return fmt.Errorf("run %s: %w: %s -> %s", runID, ErrInvalidTransition, run.Status, to)
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE runs SET status=?, finished_at=?, summary=?, git_commit_sha=? WHERE id=?`,
		to, now, summary, commitSHA, runID)
	return err
}

// --- logs (read side; appends go through logs.Writer) ---

const logCols = `id,run_id,agent,event,content,metadata,created_at`

func scanLog(row rowScanner) (domain.Log, error) {
	var l domain.Log
	err := row.Scan(&l.ID, &l.RunID, &l.Agent, &l.Event, &l.Content, &l.Metadata, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	return l, err
}

type LogFilters struct {
	RunID string
	Agent string
	Event string
	Limit int
}

// ListLogs returns log rows in insertion order, which is the order a
// session must be replayed in. rowid breaks same-second timestamp ties.
func (r Repo) ListLogs(ctx context.Context, f LogFilters) ([]domain.Log, error) {
	clauses := []string{"run_id=?"}
	args := []any{f.RunID}
	if f.Agent != "" {
		clauses = append(clauses, "agent=?")
		args = append(args, f.Agent)
	}
	if f.Event != "" {
		clauses = append(clauses, "event=?")
		args = append(args, f.Event)
	}
	query := `SELECT ` + logCols + ` FROM logs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, rowid ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// LatestLogs returns the newest n rows for a run, newest first.
func (r Repo) LatestLogs(ctx context.Context, runID string, n int) ([]domain.Log, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+logCols+` FROM logs WHERE run_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`, runID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
