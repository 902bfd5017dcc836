package flows

import (
	"context"
	"strings"
	"testing"
)

type namedWorkflow struct{ name string }

type noInput struct{}

func (w namedWorkflow) Name() string { return w.name }

func (w namedWorkflow) Run(context.Context, *Context, *noInput) (*noInput, error) {
	return &noInput{}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	Register[noInput, noInput](r, namedWorkflow{name: "b"}, WithConcurrency(4))
	Register[noInput, noInput](r, namedWorkflow{name: "a"})

	if got := strings.Join(r.Names(), ","); got != "a,b" {
		t.Fatalf("Names() = %q, want a,b", got)
	}

	wf, ok := r.get("b")
	if !ok {
		t.Fatal("workflow b not found")
	}
	if wf.concurrency() != 4 {
		t.Errorf("concurrency = %d, want 4", wf.concurrency())
	}
	if _, ok := wf.codec().(JSONCodec); !ok {
		t.Errorf("default codec = %T, want JSONCodec", wf.codec())
	}

	a, _ := r.get("a")
	if a.concurrency() != 1 {
		t.Errorf("default concurrency = %d, want 1", a.concurrency())
	}
}

func TestRegistry_Rejects(t *testing.T) {
	r := NewRegistry()
	if err := register[noInput, noInput](r, namedWorkflow{name: "dup"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := register[noInput, noInput](r, namedWorkflow{name: "dup"}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := register[noInput, noInput](r, namedWorkflow{name: ""}); err == nil {
		t.Error("expected empty name to fail")
	}

	defer func() {
		if recover() == nil {
			t.Error("Register should panic on duplicates")
		}
	}()
	Register[noInput, noInput](r, namedWorkflow{name: "dup"})
}

func TestDBConfig(t *testing.T) {
	tests := []struct {
		schema string
		want   string
	}{
		{"", DefaultSchema},
		{"scheduler", "scheduler"},
		{"my_schema2", "my_schema2"},
		{"2bad", DefaultSchema},
		{"bad;drop", DefaultSchema},
		{"a.b", DefaultSchema},
	}
	for _, tt := range tests {
		if got := (DBConfig{Schema: tt.schema}).schema(); got != tt.want {
			t.Errorf("schema(%q) = %q, want %q", tt.schema, got, tt.want)
		}
	}

	tables := newDBTables(DBConfig{Schema: "scheduler"})
	if tables.runs != `"scheduler"."runs"` {
		t.Errorf("runs table = %s", tables.runs)
	}
}

func TestNormalizeNotifyChannel(t *testing.T) {
	if got := normalizeNotifyChannel(""); got != notifyChannelRunWakeup {
		t.Errorf("empty channel = %q", got)
	}
	if got := normalizeNotifyChannel("custom_wakeup"); got != "custom_wakeup" {
		t.Errorf("custom channel = %q", got)
	}
	if got := normalizeNotifyChannel("bad-channel"); got != notifyChannelRunWakeup {
		t.Errorf("invalid channel = %q", got)
	}
}

func TestSchemaSQLFor(t *testing.T) {
	sql := SchemaSQLFor("scheduler")
	for _, want := range []string{
		`CREATE SCHEMA IF NOT EXISTS "scheduler"`,
		`"scheduler"."runs"`,
		`"scheduler"."steps"`,
		`"scheduler"."waits"`,
		"runs_active_key_idx",
		"WHERE status IN " + activeStatusList,
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("schema SQL missing %q", want)
		}
	}
}

func TestRunStatusTerminal(t *testing.T) {
	for status, want := range map[string]bool{
		StatusQueued:    false,
		StatusRunning:   false,
		StatusSleeping:  false,
		StatusCompleted: true,
		StatusFailed:    true,
	} {
		if got := (RunStatus{Status: status}).Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}
