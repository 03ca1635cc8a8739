// Package config loads workflow definitions from YAML or JSON documents.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/studyhub/automation/pkg/models"
	"gopkg.in/yaml.v3"
)

var ErrUnsupportedFormat = errors.New("unsupported definition format")

// WorkflowDefinition is the document form of a workflow. Steps and triggers
// are enabled unless they say otherwise.
type WorkflowDefinition struct {
	ID             string                  `json:"id,omitempty"`
	Name           string                  `json:"name"`
	Description    string                  `json:"description,omitempty"`
	Category       models.WorkflowCategory `json:"category"`
	TenantID       string                  `json:"tenant_id,omitempty"`
	Timeout        models.Duration         `json:"timeout,omitempty"`
	ErrorThreshold int                     `json:"error_threshold,omitempty"`
	Steps          []StepDefinition        `json:"steps"`
	Triggers       []TriggerDefinition     `json:"triggers,omitempty"`
}

type StepDefinition struct {
	ID               string              `json:"id"`
	Name             string              `json:"name,omitempty"`
	Type             models.StepType     `json:"type"`
	Configuration    map[string]any      `json:"configuration,omitempty"`
	Order            int                 `json:"order,omitempty"`
	Enabled          *bool               `json:"enabled,omitempty"`
	Timeout          models.Duration     `json:"timeout,omitempty"`
	RetryCount       int                 `json:"retry_count,omitempty"`
	RetryDelay       models.Duration     `json:"retry_delay,omitempty"`
	RetryBackoff     models.RetryBackoff `json:"retry_backoff,omitempty"`
	OnError          models.ErrorPolicy  `json:"on_error,omitempty"`
	OnRetryExhausted models.ErrorPolicy  `json:"on_retry_exhausted,omitempty"`
	NextSteps        []string            `json:"next_steps,omitempty"`
	ParallelSteps    []string            `json:"parallel_steps,omitempty"`
}

type TriggerDefinition struct {
	ID            string             `json:"id"`
	Type          models.TriggerType `json:"type"`
	Configuration map[string]any     `json:"configuration,omitempty"`
	Enabled       *bool              `json:"enabled,omitempty"`
}

// document is a file holding either one workflow or a "workflows" list.
type document struct {
	Workflows []WorkflowDefinition `json:"workflows"`
}

// Workflow converts the definition into a model. Status, version and counters
// are left for the workflow service to assign.
func (d WorkflowDefinition) Workflow() *models.Workflow {
	wf := &models.Workflow{
		ID:             d.ID,
		Name:           d.Name,
		Description:    d.Description,
		Category:       d.Category,
		TenantID:       d.TenantID,
		Timeout:        d.Timeout,
		ErrorThreshold: d.ErrorThreshold,
		Steps:          make([]*models.WorkflowStep, 0, len(d.Steps)),
		Triggers:       make([]*models.WorkflowTrigger, 0, len(d.Triggers)),
	}

	if wf.Category == "" {
		wf.Category = models.CategoryGeneral
	}

	for _, s := range d.Steps {
		wf.Steps = append(wf.Steps, &models.WorkflowStep{
			ID:               s.ID,
			Name:             s.Name,
			Type:             s.Type,
			Configuration:    s.Configuration,
			Order:            s.Order,
			Enabled:          enabled(s.Enabled),
			Timeout:          s.Timeout,
			RetryCount:       s.RetryCount,
			RetryDelay:       s.RetryDelay,
			RetryBackoff:     s.RetryBackoff,
			OnError:          s.OnError,
			OnRetryExhausted: s.OnRetryExhausted,
			NextSteps:        s.NextSteps,
			ParallelSteps:    s.ParallelSteps,
		})
	}

	for _, t := range d.Triggers {
		wf.Triggers = append(wf.Triggers, &models.WorkflowTrigger{
			ID:            t.ID,
			Type:          t.Type,
			Configuration: t.Configuration,
			Enabled:       enabled(t.Enabled),
		})
	}

	return wf
}

func enabled(b *bool) bool {
	return b == nil || *b
}

// Decode parses a JSON document. A document holds one workflow or a
// "workflows" list.
func Decode(data []byte) ([]*models.Workflow, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}

	var defs []WorkflowDefinition

	if _, ok := probe["workflows"]; ok {
		var doc document
		if err := strictUnmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse definition: %w", err)
		}

		defs = doc.Workflows
	} else {
		var def WorkflowDefinition
		if err := strictUnmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse definition: %w", err)
		}

		defs = []WorkflowDefinition{def}
	}

	workflows := make([]*models.Workflow, 0, len(defs))
	for _, def := range defs {
		workflows = append(workflows, def.Workflow())
	}

	return workflows, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	return dec.Decode(v)
}

// DecodeYAML parses a YAML document with the same shape as Decode.
func DecodeYAML(data []byte) ([]*models.Workflow, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML definition: %w", err)
	}

	converted, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert YAML definition: %w", err)
	}

	return Decode(converted)
}

// LoadFile reads a .yaml, .yml or .json definition file.
func LoadFile(path string) ([]*models.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file %s: %w", path, err)
	}

	var workflows []*models.Workflow

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		workflows, err = DecodeYAML(data)
	case ".json":
		workflows, err = Decode(data)
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}

	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return workflows, nil
}

// LoadDir loads every definition file in dir, in file name order.
func LoadDir(dir string) ([]*models.Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
	}

	sort.Strings(names)

	var workflows []*models.Workflow

	for _, name := range names {
		loaded, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}

		workflows = append(workflows, loaded...)
	}

	return workflows, nil
}
