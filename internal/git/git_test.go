package git_test

import (
	"reflect"
	"testing"

	"forgeline/internal/git"
)

func TestParseStatus(t *testing.T) {
	out := "M  staged.go\n" +
		" M unstaged.go\n" +
		"MM both.go\n" +
		"?? fresh.txt\n" +
		"R  old.go -> renamed.go\n"
	s := git.ParseStatus(out)
	if !s.HasChanges {
		t.Fatalf("expected changes")
	}
	if want := []string{"staged.go", "both.go", "renamed.go"}; !reflect.DeepEqual(s.Staged, want) {
		t.Fatalf("staged = %v, want %v", s.Staged, want)
	}
	if want := []string{"unstaged.go", "both.go"}; !reflect.DeepEqual(s.Unstaged, want) {
		t.Fatalf("unstaged = %v, want %v", s.Unstaged, want)
	}
	if want := []string{"fresh.txt"}; !reflect.DeepEqual(s.Untracked, want) {
		t.Fatalf("untracked = %v, want %v", s.Untracked, want)
	}
}

func TestParseStatusClean(t *testing.T) {
	s := git.ParseStatus("")
	if s.HasChanges || s.Staged != nil || s.Unstaged != nil || s.Untracked != nil {
		t.Fatalf("expected clean status, got %+v", s)
	}
}
