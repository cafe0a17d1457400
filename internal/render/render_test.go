package render

import (
	"errors"
	"strings"
	"testing"

	"coachbot/internal/domain"
)

func TestRender(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
		vars    map[string]string
		want    string
	}{
		{name: "single", content: "Hola {{student_name}}", vars: map[string]string{"student_name": "Ana"}, want: "Hola Ana"},
		{name: "repeated", content: "{{x}}-{{x}}", vars: map[string]string{"x": "a"}, want: "a-a"},
		{name: "inner spaces", content: "Hoy {{ session_type }}", vars: map[string]string{"session_type": "Pierna"}, want: "Hoy Pierna"},
		{name: "extra vars ignored", content: "plain", vars: map[string]string{"unused": "v"}, want: "plain"},
		{name: "empty value", content: "[{{a}}]", vars: map[string]string{"a": ""}, want: "[]"},
		{name: "single braces untouched", content: "{a} {{a}}", vars: map[string]string{"a": "1"}, want: "{a} 1"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Render(tt.content, tt.vars)
			if err != nil {
				t.Fatalf("Render error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Render = %q, want %q", got, tt.want)
			}
			if strings.Contains(got, "{{") {
				t.Fatalf("rendered text still has a placeholder: %q", got)
			}
		})
	}
}

func TestRenderMissingVariable(t *testing.T) {
	t.Parallel()
	got, err := Render("Hoy entrenas {{session_type}} en {{location}}", map[string]string{"location": "Sala 1"})
	if got != "" {
		t.Fatalf("expected no partial output, got %q", got)
	}
	if !errors.Is(err, ErrMissingVariable) {
		t.Fatalf("expected ErrMissingVariable, got %v", err)
	}
	var mv *MissingVariableError
	if !errors.As(err, &mv) {
		t.Fatalf("expected *MissingVariableError, got %T", err)
	}
	if len(mv.Names) != 1 || mv.Names[0] != "session_type" {
		t.Fatalf("Names = %v, want [session_type]", mv.Names)
	}
}

func TestRenderMalformedPlaceholder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
		missing string
	}{
		{name: "dash", content: "Hola {{bad-name}}", missing: "bad-name"},
		{name: "empty", content: "Hola {{}}", missing: ""},
		{name: "spaces inside", content: "Hola {{first name}}", missing: "first name"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Render(tt.content, map[string]string{"bad": "x", "name": "y"})
			var mv *MissingVariableError
			if !errors.As(err, &mv) || got != "" {
				t.Fatalf("Render = %q, %v; want MissingVariableError", got, err)
			}
			if len(mv.Names) != 1 || mv.Names[0] != tt.missing {
				t.Fatalf("Names = %q, want [%q]", mv.Names, tt.missing)
			}
		})
	}
}

func TestRenderCaseSensitive(t *testing.T) {
	t.Parallel()
	if _, err := Render("{{Name}}", map[string]string{"name": "x"}); !errors.Is(err, ErrMissingVariable) {
		t.Fatalf("expected case-sensitive miss, got %v", err)
	}
}

func TestPlaceholdersOrder(t *testing.T) {
	t.Parallel()
	got := Placeholders("{{b}} {{a}} {{b}} {{ c }}")
	want := []string{"b", "a", "c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Placeholders = %v, want %v", got, want)
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()
	ok := domain.Template{ID: 1, Content: "{{a}} {{b}}", Variables: []string{"a", "b", "c"}}
	if err := Check(ok); err != nil {
		t.Fatalf("Check(ok) = %v", err)
	}
	bad := domain.Template{ID: 2, Content: "{{a}} {{z}}", Variables: []string{"a"}}
	err := Check(bad)
	if err == nil || !strings.Contains(err.Error(), "z") {
		t.Fatalf("Check(bad) = %v, want error naming z", err)
	}
	if err := Check(domain.Template{ID: 3, Content: "{{free}}"}); err != nil {
		t.Fatalf("undeclared list should skip check, got %v", err)
	}
	err = Check(domain.Template{ID: 4, Content: "Hola {{bad-name}}"})
	if err == nil || !strings.Contains(err.Error(), "{{bad-name}}") {
		t.Fatalf("Check(malformed) = %v", err)
	}
}
