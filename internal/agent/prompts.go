package agent

import (
	"fmt"
	"strings"

	"forgeline/internal/domain"
)

func buildPlanPrompt(in PlanInput) string {
	var b strings.Builder
	b.WriteString("You are the planning agent of an automated development pipeline.\n\n")
	writeProjectContext(&b, in)
	b.WriteString("Pick the single most useful next task toward the milestone. Keep it small enough to finish in one sitting.\n\n")
	b.WriteString("Respond with exactly one JSON object:\n")
	b.WriteString("  {\"title\": \"...\", \"description\": \"...\"}\n")
	b.WriteString("or, if everything the milestone describes is already implemented:\n")
	b.WriteString("  {\"milestone_complete\": true}\n")
	return b.String()
}

func buildMilestonePlanPrompt(in PlanInput) string {
	var b strings.Builder
	b.WriteString("You are the planning agent of an automated development pipeline.\n\n")
	writeProjectContext(&b, in)
	b.WriteString("The current milestone has no tasks yet. Break it down into an ordered list of small tasks, each completable in one sitting, each building on the previous ones. Aim for 3 to 8 tasks.\n\n")
	b.WriteString("Respond with exactly one JSON object:\n")
	b.WriteString("  {\"tasks\": [{\"title\": \"...\", \"description\": \"...\"}, ...]}\n")
	return b.String()
}

func buildDevelopPrompt(in DevelopInput) string {
	var b strings.Builder
	b.WriteString("You are the implementation agent of an automated development pipeline.\n\n")
	fmt.Fprintf(&b, "## Task: %s\n", in.Task.Title)
	if in.Task.Description != "" {
		b.WriteString(strings.TrimSpace(in.Task.Description))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	writeKnowledge(&b, in.Knowledge)
	if in.Retry != nil {
		b.WriteString(in.Retry.render())
	}
	b.WriteString("Implement the task in the current directory. Run the project's tests if there are any. ")
	b.WriteString("Do not commit; the pipeline handles git itself.\n")
	return b.String()
}

func buildReviewPrompt(in ReviewInput) string {
	var b strings.Builder
	b.WriteString("You are the review agent of an automated development pipeline.\n\n")
	fmt.Fprintf(&b, "## Task: %s\n", in.Task.Title)
	if in.Task.Description != "" {
		b.WriteString(strings.TrimSpace(in.Task.Description))
		b.WriteString("\n")
	}
	b.WriteString("\n## Changes under review\n```diff\n")
	b.WriteString(in.Diff)
	b.WriteString("\n```\n\n")
	b.WriteString("Judge whether the changes implement the task and are safe to commit. ")
	b.WriteString("Reject only for problems that genuinely block the task; style nits are not blocking.\n\n")
	b.WriteString("Respond with exactly one JSON object:\n")
	b.WriteString("  {\"approved\": true|false, \"issues\": [{\"severity\": \"blocking\"|\"minor\", \"description\": \"...\", \"file\": \"...\"}]}\n")
	return b.String()
}

func buildRecoveryPrompt(in RecoveryInput) string {
	var b strings.Builder
	b.WriteString("You are the recovery planner of an automated development pipeline.\n\n")
	fmt.Fprintf(&b, "The task below failed %d times in a row and its changes have been discarded; the working tree is back at the last commit.\n\n", in.Attempts)
	fmt.Fprintf(&b, "## Failed task: %s\n", in.Task.Title)
	if in.Task.Description != "" {
		b.WriteString(strings.TrimSpace(in.Task.Description))
		b.WriteString("\n")
	}
	b.WriteString("\n## What went wrong\n")
	if in.TimedOut {
		b.WriteString("The final attempt TIMED OUT after a long period without output.\n")
	}
	if in.LastError != "" {
		fmt.Fprintf(&b, "Last error:\n%s\n", strings.TrimSpace(in.LastError))
	}
	if len(in.Issues) > 0 {
		b.WriteString("Reviewer feedback on the last attempt:\n")
		b.WriteString(renderIssues(in.Issues))
	}
	b.WriteString("\nDecide what to do instead. Either propose a strictly smaller replacement task that makes progress toward the same goal, or skip when the task cannot work at all (missing dependency, impossible requirement).\n\n")
	b.WriteString("Respond with exactly one JSON object:\n")
	b.WriteString("  {\"title\": \"...\", \"description\": \"...\"}\n")
	b.WriteString("or:\n")
	b.WriteString("  {\"skip_task\": true, \"reason\": \"...\"}\n")
	return b.String()
}

func buildKnowledgePrompt(in KnowledgeExtractionInput) string {
	var b strings.Builder
	b.WriteString("You are reviewing a change that was just committed by an automated development pipeline. ")
	b.WriteString("Extract durable learnings that would help future work on this codebase: recurring patterns, gotchas, decisions made, conventions observed, notes about specific files.\n\n")
	fmt.Fprintf(&b, "## Task that produced the change: %s\n\n", in.Task.Title)
	b.WriteString("## Committed diff\n```diff\n")
	b.WriteString(in.Diff)
	b.WriteString("\n```\n\n")
	b.WriteString("Respond with exactly one JSON object:\n")
	b.WriteString("  {\"knowledge\": [{\"category\": \"pattern\"|\"gotcha\"|\"decision\"|\"preference\"|\"file_note\", \"tags\": [\"...\"], \"content\": \"...\", \"importance\": 1-10}]}\n")
	b.WriteString("Return {\"knowledge\": []} when nothing is worth keeping. Most changes produce zero or one entry.\n")
	return b.String()
}

func writeProjectContext(b *strings.Builder, in PlanInput) {
	if in.Overview != "" {
		b.WriteString("## Project overview\n")
		b.WriteString(strings.TrimSpace(in.Overview))
		b.WriteString("\n\n")
	}
	if in.Milestone != nil {
		fmt.Fprintf(b, "## Current milestone: %s\n", in.Milestone.Title)
		if in.Milestone.Description != "" {
			b.WriteString(strings.TrimSpace(in.Milestone.Description))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if len(in.Done) > 0 {
		b.WriteString("## Already completed\n")
		for _, title := range in.Done {
			fmt.Fprintf(b, "- %s\n", title)
		}
		b.WriteString("\n")
	}
	writeKnowledge(b, in.Knowledge)
}

func writeKnowledge(b *strings.Builder, entries []domain.Knowledge) {
	if len(entries) == 0 {
		return
	}
	b.WriteString("## Knowledge from previous work\n")
	for _, k := range entries {
		fmt.Fprintf(b, "- [%s] %s", k.Category, k.Content)
		if len(k.Tags) > 0 {
			fmt.Fprintf(b, " (tags: %s)", strings.Join(k.Tags, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

// render describes earlier attempts for the next developer prompt. A timed
// out attempt reads differently from a failed one on purpose: the agent
// should change its pacing, not its approach.
func (r RetryContext) render() string {
	var b strings.Builder
	b.WriteString("## Previous attempt\n")
	fmt.Fprintf(&b, "This is attempt %d of %d for this task.\n", r.Attempt, r.MaxAttempts)
	if r.TimedOut {
		b.WriteString("The previous attempt TIMED OUT after producing no output for too long. Work in smaller steps and keep output flowing.\n")
	}
	if r.PreviousError != "" {
		fmt.Fprintf(&b, "The previous attempt failed with:\n%s\n", strings.TrimSpace(r.PreviousError))
	}
	if len(r.ReviewIssues) > 0 {
		b.WriteString("The reviewer rejected the previous attempt:\n")
		b.WriteString(renderIssues(r.ReviewIssues))
	}
	b.WriteString("The working tree still contains your earlier changes; build on them instead of starting over.\n\n")
	return b.String()
}

func renderIssues(issues []ReviewIssue) string {
	var b strings.Builder
	for _, issue := range issues {
		severity := issue.Severity
		if severity == "" {
			severity = "issue"
		}
		fmt.Fprintf(&b, "- [%s] %s", severity, issue.Description)
		if issue.File != "" {
			fmt.Fprintf(&b, " (%s)", issue.File)
		}
		b.WriteString("\n")
	}
	return b.String()
}
