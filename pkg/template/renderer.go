// Package template renders step results into displayable content.
package template

import (
	"fmt"
	"strings"
	texttemplate "text/template"

	"github.com/smilemakc/checkwave/pkg/models"
)

// Renderer is the default text/template based renderer. A check may carry a
// "template" param; without one the step's own content is used, falling
// back to a plain issue listing.
type Renderer struct{}

// NewRenderer creates the default renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// templateData is the root object templates render against.
type templateData struct {
	CheckName string
	Output    any
	Issues    []models.Issue
	Content   string
}

// Render produces the content for one check result.
func (r *Renderer) Render(checkID string, result *models.StepResult, template string) (string, error) {
	if result == nil {
		return "", nil
	}
	if template == "" {
		if result.Content != "" {
			return result.Content, nil
		}
		return defaultContent(result), nil
	}

	parsed, err := texttemplate.New(checkID).Parse(template)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var out strings.Builder
	err = parsed.Execute(&out, templateData{
		CheckName: checkID,
		Output:    result.Output,
		Issues:    result.Issues,
		Content:   result.Content,
	})
	if err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return out.String(), nil
}

// defaultContent lists issues one per line: "[severity] file:line message".
func defaultContent(result *models.StepResult) string {
	var lines []string
	for _, issue := range result.Issues {
		if issue.IsSkipMarker() {
			continue
		}
		location := ""
		if issue.File != "" {
			location = fmt.Sprintf(" %s:%d", issue.File, issue.Line)
		}
		lines = append(lines, fmt.Sprintf("[%s]%s %s", issue.Severity, location, issue.Message))
	}
	return strings.Join(lines, "\n")
}
