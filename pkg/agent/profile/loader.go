// Package profile holds the bundled instruction profiles of assistant agents.
package profile

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
)

// Default is used when an assistant names no profile.
const Default = "assistant"

//go:embed templates/*.md
var templatesFS embed.FS

// Resolve returns the instructions of the named profile. An empty name
// selects Default.
func Resolve(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = Default
	}

	content, err := templatesFS.ReadFile(templatePath(name))
	if err != nil {
		return "", fmt.Errorf("unknown profile %q (available: %s)", name, strings.Join(Names(), ", "))
	}

	instructions := strings.TrimSpace(string(content))
	if instructions == "" {
		return "", fmt.Errorf("profile %q is empty", name)
	}

	return instructions, nil
}

// Names lists the bundled profiles.
func Names() []string {
	entries, err := fs.ReadDir(templatesFS, "templates")
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, strings.TrimSuffix(entry.Name(), ".md"))
	}
	slices.Sort(names)
	return names
}

func templatePath(name string) string {
	return path.Join("templates", name+".md")
}
