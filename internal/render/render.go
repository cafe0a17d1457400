// Package render fills {{variable}} placeholders in message templates.
package render

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"coachbot/internal/domain"
)

var ErrMissingVariable = errors.New("missing template variable")

// MissingVariableError lists every placeholder that had no value.
type MissingVariableError struct {
	Names []string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("%v: %s", ErrMissingVariable, strings.Join(e.Names, ", "))
}

func (e *MissingVariableError) Is(target error) bool { return target == ErrMissingVariable }

// placeholderRe matches any {{...}} token without nested braces, so a
// malformed name such as {{bad-name}} is a missing variable rather than
// literal output.
var placeholderRe = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

var nameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidName reports whether name can be used as a placeholder.
func ValidName(name string) bool { return nameRe.MatchString(name) }

// Render replaces every placeholder in content with its value from vars.
// Names are matched exactly. Extra entries in vars are ignored. When any
// placeholder has no value, Render returns "" and a *MissingVariableError.
func Render(content string, vars map[string]string) (string, error) {
	var missing []string
	for _, name := range Placeholders(content) {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", &MissingVariableError{Names: missing}
	}
	return placeholderRe.ReplaceAllStringFunc(content, func(tok string) string {
		m := placeholderRe.FindStringSubmatch(tok)
		return vars[strings.TrimSpace(m[1])]
	}), nil
}

// Placeholders returns the distinct placeholder names in order of first use.
func Placeholders(content string) []string {
	matches := placeholderRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		name := strings.TrimSpace(m[1])
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Uses reports whether content references any of names.
func Uses(content string, names ...string) bool {
	for _, p := range Placeholders(content) {
		for _, n := range names {
			if p == n {
				return true
			}
		}
	}
	return false
}

// Check rejects malformed placeholders and, when the template declares a
// variable list, placeholders missing from it.
func Check(t domain.Template) error {
	var malformed []string
	for _, p := range Placeholders(t.Content) {
		if !ValidName(p) {
			malformed = append(malformed, "{{"+p+"}}")
		}
	}
	if len(malformed) > 0 {
		return fmt.Errorf("template %d: malformed placeholders: %s", t.ID, strings.Join(malformed, ", "))
	}
	if len(t.Variables) == 0 {
		return nil
	}
	declared := make(map[string]bool, len(t.Variables))
	for _, v := range t.Variables {
		declared[strings.TrimSpace(v)] = true
	}
	var undeclared []string
	for _, p := range Placeholders(t.Content) {
		if !declared[p] {
			undeclared = append(undeclared, p)
		}
	}
	if len(undeclared) == 0 {
		return nil
	}
	sort.Strings(undeclared)
	return fmt.Errorf("template %d: placeholders not declared in variables: %s", t.ID, strings.Join(undeclared, ", "))
}
