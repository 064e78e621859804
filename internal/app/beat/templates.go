// Package beat enqueues periodic tasks from a table of templates.
package beat

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/index-armada/internal/domain/tasks"
)

// Template describes one periodic task.
type Template struct {
	Name     string         `yaml:"name" validate:"required"`
	Task     tasks.Kind     `yaml:"task" validate:"required"`
	Interval time.Duration  `yaml:"interval" validate:"gt=0"`
	Priority string         `yaml:"priority" validate:"omitempty,oneof=high medium low"`
	Queue    string         `yaml:"queue" validate:"required"`
	Expires  time.Duration  `yaml:"expires" validate:"gte=0"`
	Args     map[string]any `yaml:"args"`
}

// DefaultTemplates is the built-in beat table.
func DefaultTemplates() []Template {
	return []Template{
		{
			Name:     "check-for-indexing",
			Task:     tasks.KindCheckForIndexing,
			Interval: 15 * time.Second,
			Priority: "medium",
			Queue:    tasks.QueuePrimary,
			Expires:  time.Minute,
		},
		{
			Name:     "monitor-background-processes",
			Task:     tasks.KindMonitorBackgroundProcesses,
			Interval: 15 * time.Second,
			Priority: "medium",
			Queue:    tasks.QueuePrimary,
			Expires:  time.Minute,
		},
		{
			Name:     "check-for-connector-deletion",
			Task:     tasks.KindCheckForConnectorDeletion,
			Interval: 20 * time.Second,
			Priority: "medium",
			Queue:    tasks.QueueDeletion,
			Expires:  time.Minute,
		},
		{
			Name:     "cleanup-checkpoints",
			Task:     tasks.KindCleanupCheckpoints,
			Interval: time.Hour,
			Priority: "low",
			Queue:    tasks.QueueCheckpointClean,
			Expires:  10 * time.Minute,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateTemplates checks every template and rejects duplicate names.
func ValidateTemplates(templates []Template) error {
	seen := make(map[string]struct{}, len(templates))
	var errs []error
	for _, t := range templates {
		if err := validate.Struct(t); err != nil {
			errs = append(errs, fmt.Errorf("template %q: %w", t.Name, err))
			continue
		}
		if _, dup := seen[t.Name]; dup {
			errs = append(errs, fmt.Errorf("template %q: duplicate name", t.Name))
		}
		seen[t.Name] = struct{}{}
	}
	return errors.Join(errs...)
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates returns the default table merged with the templates in path.
// A template in the file replaces the default of the same name. An empty
// path returns the defaults.
func LoadTemplates(path string) ([]Template, error) {
	templates := DefaultTemplates()
	if path == "" {
		return templates, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read beat templates: %w", err)
	}
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse beat templates: %w", err)
	}
	if err := ValidateTemplates(file.Templates); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(templates))
	for i, t := range templates {
		index[t.Name] = i
	}
	for _, t := range file.Templates {
		if i, ok := index[t.Name]; ok {
			templates[i] = t
			continue
		}
		templates = append(templates, t)
	}
	return templates, nil
}
