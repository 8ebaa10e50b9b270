// Package prompts handles the {placeholder} template format used by prompt
// records and chain step arguments.
package prompts

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRegex = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// ExtractArgs lists a template's placeholders in first-appearance order.
func ExtractArgs(content string) []string {
	seen := map[string]bool{}
	out := make([]string, 0)
	for _, m := range placeholderRegex.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// Render substitutes every placeholder. Unresolved placeholders are an
// error so a half-filled template never reaches a provider.
func Render(content string, args map[string]string) (string, error) {
	missing := make([]string, 0)
	rendered := placeholderRegex.ReplaceAllStringFunc(content, func(tok string) string {
		name := strings.Trim(tok, "{}")
		v, ok := args[name]
		if !ok {
			missing = append(missing, name)
			return tok
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing prompt arguments: %s", strings.Join(dedupe(missing), ", "))
	}
	return rendered, nil
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Template is a seedable default prompt.
type Template struct {
	Name        string
	Content     string
	Description string
}

// Defaults are installed at startup without overwriting operator edits.
func Defaults() []Template {
	return []Template{
		{
			Name:        "Chat",
			Content:     "{user_input}",
			Description: "Pass-through template for conversational chat",
		},
		{
			Name: "Instruct",
			Content: "You are {agent_name}. Follow the instruction exactly and answer concisely.\n\n" +
				"Instruction: {user_input}",
			Description: "One-shot instruction template, no conversation history",
		},
		{
			Name: "Task Planner",
			Content: "You are {agent_name}, working toward this objective:\n{objective}\n\n" +
				"Progress so far:\n{context}\n\n" +
				"Produce the next concrete step and carry it out. " +
				"When the objective is fully met, end your reply with TASK COMPLETE.",
			Description: "Iterative task execution template",
		},
		{
			Name:        "Summarize",
			Content:     "Summarize the following in at most five sentences:\n\n{text}",
			Description: "Generic summarization template",
		},
	}
}
