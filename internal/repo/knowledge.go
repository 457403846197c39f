package repo

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"forgeline/internal/domain"
)

const knowledgeCols = `id,project_id,task_id,category,tags,content,importance,last_used_at,created_at,updated_at`

func scanKnowledge(row rowScanner) (domain.Knowledge, error) {
	var k domain.Knowledge
	var taskID, lastUsed sql.NullString
	var tags string
	err := row.Scan(&k.ID, &k.ProjectID, &taskID, &k.Category, &tags, &k.Content,
		&k.Importance, &lastUsed, &k.CreatedAt, &k.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	if taskID.Valid {
		k.TaskID = &taskID.String
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.String
	}
	k.Tags = unmarshalStrings(tags)
	return k, nil
}

func (r Repo) InsertKnowledge(ctx context.Context, k domain.Knowledge) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO knowledge(`+knowledgeCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		k.ID, k.ProjectID, nullableStringPtr(k.TaskID), k.Category, marshalStrings(k.Tags), k.Content,
		k.Importance, nullableStringPtr(k.LastUsedAt), k.CreatedAt, k.UpdatedAt)
	return err
}

func (r Repo) GetKnowledge(ctx context.Context, id string) (domain.Knowledge, error) {
	return scanKnowledge(r.DB.QueryRowContext(ctx, `SELECT `+knowledgeCols+` FROM knowledge WHERE id=?`, id))
}

type KnowledgeFilters struct {
	ProjectID string
	Category  string
	TaskID    string
	Limit     int
}

func (r Repo) ListKnowledge(ctx context.Context, f KnowledgeFilters) ([]domain.Knowledge, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + knowledgeCols + ` FROM knowledge ` + where + ` ORDER BY importance DESC, created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Knowledge
	for rows.Next() {
		k, err := scanKnowledge(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

func (r Repo) DeleteKnowledge(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM knowledge WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scoredKnowledge struct {
	entry     domain.Knowledge
	relevance int
	keyword   int
	recency   string
}

// SearchKnowledge ranks a project's knowledge for prompt assembly.
// Relevance is computed in SQL: importance 8+ earns 3 points, entries used
// within 7 days earn 2 more, within 30 days 1. Keyword scoring happens
// in-process: 3 per tag hit, 1 per content substring hit. Keyword score
// dominates the sort, then relevance, then recency. Returned entries get
// their last_used_at touched so the recency boost feeds back.
func (r Repo) SearchKnowledge(ctx context.Context, projectID string, keywords []string, limit int, now time.Time) ([]domain.Knowledge, error) {
	if limit <= 0 {
		limit = 10
	}
	nowStr := now.UTC().Format(time.RFC3339)
	day7 := now.UTC().AddDate(0, 0, -7).Format(time.RFC3339)
	day30 := now.UTC().AddDate(0, 0, -30).Format(time.RFC3339)

	terms := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			terms = append(terms, kw)
		}
	}

	query := `SELECT ` + knowledgeCols + `,
		(CASE WHEN importance >= 8 THEN 3 ELSE 0 END) +
		(CASE WHEN last_used_at IS NOT NULL AND last_used_at >= ? THEN 2
		      WHEN last_used_at IS NOT NULL AND last_used_at >= ? THEN 1
		      ELSE 0 END) AS relevance
		FROM knowledge WHERE project_id=?
		ORDER BY relevance DESC, COALESCE(last_used_at, created_at) DESC, id DESC`
	args := []any{day7, day30, projectID}
	if len(terms) == 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scored []scoredKnowledge
	for rows.Next() {
		var k domain.Knowledge
		var taskID, lastUsed sql.NullString
		var tags string
		var relevance int
		if err := rows.Scan(&k.ID, &k.ProjectID, &taskID, &k.Category, &tags, &k.Content,
			&k.Importance, &lastUsed, &k.CreatedAt, &k.UpdatedAt, &relevance); err != nil {
			return nil, err
		}
		if taskID.Valid {
			k.TaskID = &taskID.String
		}
		if lastUsed.Valid {
			k.LastUsedAt = &lastUsed.String
		}
		k.Tags = unmarshalStrings(tags)
		recency := k.CreatedAt
		if k.LastUsedAt != nil {
			recency = *k.LastUsedAt
		}
		scored = append(scored, scoredKnowledge{entry: k, relevance: relevance, keyword: keywordScore(k, terms), recency: recency})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(terms) > 0 {
		sort.SliceStable(scored, func(i, j int) bool {
			if scored[i].keyword != scored[j].keyword {
				return scored[i].keyword > scored[j].keyword
			}
			if scored[i].relevance != scored[j].relevance {
				return scored[i].relevance > scored[j].relevance
			}
			return scored[i].recency > scored[j].recency
		})
		if len(scored) > limit {
			scored = scored[:limit]
		}
	}

	res := make([]domain.Knowledge, 0, len(scored))
	ids := make([]string, 0, len(scored))
	for _, s := range scored {
		entry := s.entry
		used := nowStr
		entry.LastUsedAt = &used
		res = append(res, entry)
		ids = append(ids, entry.ID)
	}
	if len(ids) > 0 {
		if err := r.touchKnowledge(ctx, ids, nowStr); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func keywordScore(k domain.Knowledge, terms []string) int {
	if len(terms) == 0 {
		return 0
	}
	content := strings.ToLower(k.Content)
	score := 0
	for _, term := range terms {
		for _, tag := range k.Tags {
			if strings.ToLower(tag) == term {
				score += 3
				break
			}
		}
		if strings.Contains(content, term) {
			score++
		}
	}
	return score
}

func (r Repo) touchKnowledge(ctx context.Context, ids []string, now string) error {
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+2)
	args = append(args, now, now)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.DB.ExecContext(ctx,
		`UPDATE knowledge SET last_used_at=?, updated_at=? WHERE id IN (`+placeholders+`)`, args...)
	return err
}

// PruneKnowledge drops stale low-importance entries: importance at or below
// the threshold and not used (or created, if never used) since the cutoff.
func (r Repo) PruneKnowledge(ctx context.Context, projectID string, maxImportance int, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM knowledge WHERE project_id=? AND importance <= ? AND COALESCE(last_used_at, created_at) < ?`,
		projectID, maxImportance, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
