package profile

import (
	"slices"
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	t.Run("empty name returns the default profile", func(t *testing.T) {
		content, err := Resolve("")
		if err != nil {
			t.Fatalf("Resolve error: %v", err)
		}
		if !strings.Contains(content, "Orion agent mesh") {
			t.Fatalf("content = %q, want the assistant profile", content)
		}
	})

	t.Run("names are case insensitive", func(t *testing.T) {
		content, err := Resolve(" Concise ")
		if err != nil {
			t.Fatalf("Resolve error: %v", err)
		}
		if !strings.HasPrefix(content, "You are a terse assistant") {
			t.Fatalf("content = %q", content)
		}
	})

	t.Run("unknown profile lists the available ones", func(t *testing.T) {
		_, err := Resolve("pirate")
		if err == nil || !strings.Contains(err.Error(), "triage") {
			t.Fatalf("error = %v, want a list of profiles", err)
		}
	})
}

func TestNames(t *testing.T) {
	if got := Names(); !slices.Equal(got, []string{"assistant", "concise", "triage"}) {
		t.Fatalf("Names = %v", got)
	}
}

func TestTemplatePath(t *testing.T) {
	if got := templatePath("assistant"); got != "templates/assistant.md" {
		t.Fatalf("templatePath(assistant) = %q, want %q", got, "templates/assistant.md")
	}
}
