package steps

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Target file formats checked by Validate.
const (
	formatMarkdown = "markdown"
	formatJSON     = "json"
	formatYAML     = "yaml"
)

// formatOf infers the format of a documentation page from its extension.
// Unknown extensions return "".
func formatOf(page string) string {
	switch strings.ToLower(path.Ext(page)) {
	case ".md", ".mdx", ".markdown":
		return formatMarkdown
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	}
	return ""
}

// checkFormat reports the first structural problem of text in format.
func checkFormat(format, text string) error {
	switch format {
	case formatMarkdown:
		return checkMarkdown(text)
	case formatJSON:
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
	case formatYAML:
		var v any
		if err := yaml.Unmarshal([]byte(text), &v); err != nil {
			return fmt.Errorf("invalid YAML: %w", err)
		}
	}
	return nil
}

// checkMarkdown verifies that code fences are closed and inline code spans
// are balanced outside of fences.
func checkMarkdown(text string) error {
	var fence string
	fenceLine := 0
	for i, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if fence != "" {
			if strings.HasPrefix(trimmed, fence) {
				fence = ""
			}
			continue
		}
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			fence = trimmed[:3]
			fenceLine = i + 1
			continue
		}
		if strings.Count(trimmed, "`")%2 != 0 {
			return fmt.Errorf("unbalanced inline code on line %d", i+1)
		}
	}
	if fence != "" {
		return fmt.Errorf("code fence opened on line %d is never closed", fenceLine)
	}
	return nil
}
