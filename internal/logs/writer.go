package logs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/domain"
)

// Writer appends audit rows for a run. Rows are written immediately rather
// than inside the engine's transactions: the trail must survive even when a
// later state write fails.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Metadata map[string]any

func (w Writer) Append(ctx context.Context, runID string, agent domain.AgentRole, event domain.LogEvent, content string, meta Metadata) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if meta == nil {
		meta = Metadata{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal log metadata: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO logs(id,run_id,agent,event,content,metadata,created_at) VALUES (?,?,?,?,?,?,?)`,
		uuid.NewString(), runID, agent, event, content, string(data), ts)
	return err
}
