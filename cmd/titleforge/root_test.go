package main

import (
	"strings"
	"testing"
)

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"ID", "Category"}, [][]string{{"28", "Science & Technology"}, {"1"}}, []columnAlignment{alignRight})
	for _, want := range []string{"ID", "CATEGORY", "28", "Science & Technology"} {
		if !strings.Contains(out, want) {
			t.Errorf("renderTable() missing %q in:\n%s", want, out)
		}
	}
	if renderTable(nil, nil, nil) != "" {
		t.Error("renderTable() with no headers should be empty")
	}
}

func TestKVTable(t *testing.T) {
	out := kvTable([][2]string{{"Written", "2"}})
	if !strings.Contains(out, "Written") || !strings.Contains(out, "2") {
		t.Errorf("kvTable() = %q", out)
	}
}

func TestRootCommandRegistersStages(t *testing.T) {
	root := newRootCommand()
	want := []string{
		"filter-category", "filter-quality", "fetch-transcripts",
		"train", "job", "generate", "channel-titles", "categories", "run",
	}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}

	job, _, _ := root.Find([]string{"job"})
	for _, sub := range []string{"status", "cancel"} {
		cmd, _, err := job.Find([]string{sub})
		if err != nil || cmd.Name() != sub {
			t.Errorf("job %q not registered", sub)
		}
	}
}
