package repo_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/domain"
	"forgeline/internal/repo"
)

var searchNow = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func seedKnowledge(t *testing.T, env testEnv, projectID string, k domain.Knowledge) domain.Knowledge {
	t.Helper()
	k.ID = uuid.NewString()
	k.ProjectID = projectID
	if k.Category == "" {
		k.Category = domain.KnowledgePattern
	}
	if k.Importance == 0 {
		k.Importance = 5
	}
	if k.CreatedAt == "" {
		k.CreatedAt = rfc3339(searchNow.AddDate(0, -6, 0))
	}
	if k.UpdatedAt == "" {
		k.UpdatedAt = k.CreatedAt
	}
	if err := env.Repo.InsertKnowledge(env.Ctx, k); err != nil {
		t.Fatalf("insert knowledge: %v", err)
	}
	return k
}

func usedAt(t time.Time) *string {
	s := rfc3339(t)
	return &s
}

func TestSearchKnowledgeRelevanceOrder(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)

	critical := seedKnowledge(t, env, p.ID, domain.Knowledge{Content: "always run migrations first", Importance: 9})
	fresh := seedKnowledge(t, env, p.ID, domain.Knowledge{Content: "ui state lives in the store", LastUsedAt: usedAt(searchNow.AddDate(0, 0, -3))})
	aging := seedKnowledge(t, env, p.ID, domain.Knowledge{Content: "api client retries twice", LastUsedAt: usedAt(searchNow.AddDate(0, 0, -20))})
	stale := seedKnowledge(t, env, p.ID, domain.Knowledge{Content: "old build quirk", LastUsedAt: usedAt(searchNow.AddDate(0, 0, -90))})

	got, err := env.Repo.SearchKnowledge(env.Ctx, p.ID, nil, 10, searchNow)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	want := []string{critical.ID, fresh.ID, aging.ID, stale.ID}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestSearchKnowledgeKeywordsDominate(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)

	important := seedKnowledge(t, env, p.ID, domain.Knowledge{Content: "nothing about the topic", Importance: 10, LastUsedAt: usedAt(searchNow.AddDate(0, 0, -1))})
	tagged := seedKnowledge(t, env, p.ID, domain.Knowledge{Content: "schema notes", Tags: []string{"sqlite"}, Importance: 2})
	mentioned := seedKnowledge(t, env, p.ID, domain.Knowledge{Content: "the sqlite file lives under the state dir", Importance: 2})

	got, err := env.Repo.SearchKnowledge(env.Ctx, p.ID, []string{"SQLite"}, 10, searchNow)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	// tag hit (3) beats content hit (1) beats pure relevance (0 keyword score)
	if got[0].ID != tagged.ID || got[1].ID != mentioned.ID || got[2].ID != important.ID {
		t.Fatalf("unexpected order: %s, %s, %s", got[0].Content, got[1].Content, got[2].Content)
	}
}

func TestSearchKnowledgeTouchesLastUsed(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	k := seedKnowledge(t, env, p.ID, domain.Knowledge{Content: "touched on retrieval"})

	got, err := env.Repo.SearchKnowledge(env.Ctx, p.ID, nil, 5, searchNow)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].LastUsedAt == nil || *got[0].LastUsedAt != rfc3339(searchNow) {
		t.Fatalf("returned entry should carry the touch: %+v", got)
	}
	stored, err := env.Repo.GetKnowledge(env.Ctx, k.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.LastUsedAt == nil || *stored.LastUsedAt != rfc3339(searchNow) {
		t.Fatalf("last_used_at not persisted: %+v", stored)
	}
}

func TestSearchKnowledgeLimit(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	for i := 0; i < 5; i++ {
		seedKnowledge(t, env, p.ID, domain.Knowledge{Content: "worker pool sizing note", Tags: []string{"workers"}})
	}
	got, err := env.Repo.SearchKnowledge(env.Ctx, p.ID, []string{"workers"}, 2, searchNow)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected limit 2, got %d", len(got))
	}
}

func TestPruneKnowledge(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)

	seedKnowledge(t, env, p.ID, domain.Knowledge{Content: "stale trivia", Importance: 2,
		CreatedAt: rfc3339(searchNow.AddDate(0, -4, 0))})
	kept := seedKnowledge(t, env, p.ID, domain.Knowledge{Content: "important rule", Importance: 9,
		CreatedAt: rfc3339(searchNow.AddDate(0, -4, 0))})
	recent := seedKnowledge(t, env, p.ID, domain.Knowledge{Content: "low but fresh", Importance: 2,
		CreatedAt: rfc3339(searchNow.AddDate(0, -4, 0)), LastUsedAt: usedAt(searchNow.AddDate(0, 0, -2))})

	cutoff := rfc3339(searchNow.AddDate(0, -3, 0))
	n, err := env.Repo.PruneKnowledge(env.Ctx, p.ID, 3, cutoff)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	remaining, err := env.Repo.ListKnowledge(env.Ctx, repo.KnowledgeFilters{ProjectID: p.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(remaining))
	}
	for _, k := range remaining {
		if k.ID != kept.ID && k.ID != recent.ID {
			t.Fatalf("unexpected survivor: %s", k.Content)
		}
	}
}
