package actions

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func noopHandler(ctx context.Context, userID string, params map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(discardLogger())

	if err := reg.Register(Definition{}, noopHandler); err == nil {
		t.Error("Register accepted an empty kind")
	}
	if err := reg.Register(Definition{Kind: "x"}, nil); err == nil {
		t.Error("Register accepted a nil handler")
	}
	if err := reg.Register(Definition{
		Kind:   "bad.schema",
		Params: map[string]any{"type": 42},
	}, noopHandler); err == nil {
		t.Error("Register accepted an invalid schema")
	}
}

func TestHasAndKinds(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(discardLogger())

	if err := reg.Register(Definition{Kind: "a.one"}, noopHandler); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(Definition{Kind: "a.two"}, noopHandler); err != nil {
		t.Fatal(err)
	}

	if !reg.Has("a.one") {
		t.Error("Has(a.one) = false")
	}
	if reg.Has("a.three") {
		t.Error("Has(a.three) = true")
	}
	if len(reg.Kinds()) != 2 {
		t.Errorf("Kinds = %v", reg.Kinds())
	}

	def, ok := reg.Definition("a.one")
	if !ok || def.Kind != "a.one" {
		t.Errorf("Definition(a.one) = (%+v, %v)", def, ok)
	}
}

func TestValidateParams(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(discardLogger())

	def := Definition{
		Kind: "notify.send",
		Params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
				"count":   map[string]any{"type": "integer", "minimum": 1},
			},
			"required":             []string{"message"},
			"additionalProperties": false,
		},
	}
	if err := reg.Register(def, noopHandler); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(Definition{Kind: "free.form"}, noopHandler); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		kind   string
		params map[string]any
		ok     bool
	}{
		{"valid", "notify.send", map[string]any{"message": "hi"}, true},
		{"valid with int", "notify.send", map[string]any{"message": "hi", "count": 3}, true},
		{"missing required", "notify.send", map[string]any{"count": 3}, false},
		{"wrong type", "notify.send", map[string]any{"message": 7}, false},
		{"below minimum", "notify.send", map[string]any{"message": "hi", "count": 0}, false},
		{"extra property", "notify.send", map[string]any{"message": "hi", "color": "red"}, false},
		{"schemaless kind accepts anything", "free.form", map[string]any{"whatever": true}, true},
		{"unknown kind", "nope", map[string]any{}, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := reg.ValidateParams(tt.kind, tt.params)
			if tt.ok && err != nil {
				t.Errorf("ValidateParams: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("ValidateParams accepted invalid params")
			}
		})
	}
}

func TestInvoke(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(discardLogger())

	var gotUser string
	if err := reg.Register(Definition{Kind: "echo"}, func(ctx context.Context, userID string, params map[string]any) (map[string]any, error) {
		gotUser = userID
		return map[string]any{"echo": params["value"]}, nil
	}); err != nil {
		t.Fatal(err)
	}

	out, err := reg.Invoke(context.Background(), "echo", "u1", map[string]any{"value": "ping"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["echo"] != "ping" || gotUser != "u1" {
		t.Errorf("Invoke out = %v, user = %q", out, gotUser)
	}

	if _, err := reg.Invoke(context.Background(), "missing", "u1", nil); err == nil {
		t.Error("Invoke of unknown kind succeeded")
	}

	wantErr := errors.New("handler says no")
	if err := reg.Register(Definition{Kind: "fail"}, func(ctx context.Context, userID string, params map[string]any) (map[string]any, error) {
		return nil, wantErr
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Invoke(context.Background(), "fail", "u1", nil); !errors.Is(err, wantErr) {
		t.Errorf("Invoke error = %v, want handler error", err)
	}
}

func TestReRegisterOverwrites(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(discardLogger())

	if err := reg.Register(Definition{Kind: "x", Description: "old"}, noopHandler); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(Definition{Kind: "x", Description: "new"}, noopHandler); err != nil {
		t.Fatal(err)
	}
	def, _ := reg.Definition("x")
	if !strings.Contains(def.Description, "new") {
		t.Errorf("Definition description = %q after re-register", def.Description)
	}
}
