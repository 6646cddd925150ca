package hooks

import (
	"errors"
	"reflect"
	"testing"

	"objectflow/internal/query"
)

func TestFire_Ordering(t *testing.T) {
	d := NewDispatcher()
	var trace []string

	d.Register(Registration{Event: BeforeCreate, Object: "task", Order: 1, Handler: func(c *Context) error {
		trace = append(trace, "h2")
		if c.Doc["stamp"] != "h1" {
			t.Errorf("expected h1 to run before h2, doc=%v", c.Doc)
		}
		return nil
	}})
	d.Register(Registration{Event: BeforeCreate, Object: "task", Order: 0, Handler: func(c *Context) error {
		trace = append(trace, "h1")
		c.Doc["stamp"] = "h1"
		return nil
	}})

	c := &Context{Event: BeforeCreate, Object: "task", Doc: map[string]any{}}
	if err := d.Fire(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trace) != 2 || trace[0] != "h1" || trace[1] != "h2" {
		t.Fatalf("expected [h1 h2], got %v", trace)
	}
}

func TestFire_WildcardMergedAtDispatch(t *testing.T) {
	d := NewDispatcher()
	var fired []string

	d.On(BeforeCreate, Wildcard, func(c *Context) error {
		fired = append(fired, "wildcard")
		return nil
	})
	d.On(BeforeCreate, "task", func(c *Context) error {
		fired = append(fired, "task")
		return nil
	})

	if err := d.Fire(&Context{Event: BeforeCreate, Object: "task"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fired) != 2 {
		t.Fatalf("expected both handlers, got %v", fired)
	}

	fired = nil
	if err := d.Fire(&Context{Event: BeforeCreate, Object: "note"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fired) != 1 || fired[0] != "wildcard" {
		t.Fatalf("expected only wildcard for other object, got %v", fired)
	}
}

func TestFire_HandlerErrorAborts(t *testing.T) {
	d := NewDispatcher()
	boom := errors.New("boom")
	ran := false

	d.Register(Registration{Event: BeforeUpdate, Object: "task", Order: 0, Handler: func(c *Context) error {
		return boom
	}})
	d.Register(Registration{Event: BeforeUpdate, Object: "task", Order: 1, Handler: func(c *Context) error {
		ran = true
		return nil
	}})

	err := d.Fire(&Context{Event: BeforeUpdate, Object: "task"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if ran {
		t.Fatal("expected second handler to be skipped after abort")
	}
}

func TestRemovePackage(t *testing.T) {
	d := NewDispatcher()
	var fired []string

	d.Register(Registration{Event: AfterCreate, Object: "task", Owner: "plugin_a", Handler: func(c *Context) error {
		fired = append(fired, "a")
		return nil
	}})
	d.Register(Registration{Event: AfterCreate, Object: "task", Owner: "plugin_b", Handler: func(c *Context) error {
		fired = append(fired, "b")
		return nil
	}})
	d.Register(Registration{Event: BeforeDelete, Object: "task", Owner: "plugin_a", Handler: func(c *Context) error {
		fired = append(fired, "a-delete")
		return nil
	}})

	d.RemovePackage("plugin_a")

	if err := d.Fire(&Context{Event: AfterCreate, Object: "task"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Fire(&Context{Event: BeforeDelete, Object: "task"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fired) != 1 || fired[0] != "b" {
		t.Fatalf("expected only plugin_b handlers to remain, got %v", fired)
	}
}

func TestRestrictQuery_WrapsExistingFilters(t *testing.T) {
	c := &Context{
		Event:  BeforeFind,
		Object: "task",
		Query:  &query.Query{Filters: []any{[]any{"a", "=", 1}}},
	}
	c.RestrictQuery([]any{"b", "=", 2})

	want := []any{
		[]any{[]any{"a", "=", 1}},
		"and",
		[]any{"b", "=", 2},
	}
	if !reflect.DeepEqual(c.Query.Filters, want) {
		t.Fatalf("expected %v, got %v", want, c.Query.Filters)
	}
}

func TestRemovePackage_DropsActions(t *testing.T) {
	d := NewDispatcher()
	d.RegisterAction("task", "archive", func(c *Context) error { return nil }, "plugin_a")
	d.RegisterAction("task", "export", func(c *Context) error { return nil }, "plugin_b")

	d.RemovePackage("plugin_a")

	if d.Action("task", "archive") != nil {
		t.Fatal("expected plugin_a action to be removed with its package")
	}
	if d.Action("task", "export") == nil {
		t.Fatal("expected plugin_b action to survive")
	}
}

func TestRegisterAction(t *testing.T) {
	d := NewDispatcher()
	d.RegisterAction("task", "archive", func(c *Context) error { return nil }, "core")

	if d.Action("task", "archive") == nil {
		t.Fatal("expected registered action")
	}
	if d.Action("task", "missing") != nil {
		t.Fatal("expected nil for unknown action")
	}
}
