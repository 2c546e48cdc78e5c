// Package config parses the declarative Job config document (spec.md §6
// Job config), using gopkg.in/yaml.v3 the way the teacher's task_scheduler
// and infra tooling parse their own YAML job/task specs.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/metresearchgroup/bskybackfill/internal/skerr"
)

// Input describes where a Job's data comes from and how it should be split.
type Input struct {
	Type        string `yaml:"type"`
	Path        string `yaml:"path"`
	Format      string `yaml:"format"`
	BatchSize   int    `yaml:"batch_size"`
	FilePattern string `yaml:"file_pattern,omitempty"`
}

// Compute bounds a Job's resource usage.
type Compute struct {
	MaxConcurrency int `yaml:"max_concurrency"`
	MemoryBudget   int `yaml:"memory_budget"`
	RuntimeBudget  int `yaml:"runtime_budget"`
}

// Output describes where and how a Job's aggregate result is written.
type Output struct {
	Format        string   `yaml:"format"`
	Compression   string   `yaml:"compression,omitempty"`
	Destination   string   `yaml:"destination"`
	PartitionKeys []string `yaml:"partition_keys,omitempty"`
	WriteMode     string   `yaml:"write_mode"`
}

// Retry configures the Coordinator's retry planner (spec.md §4.E Retry
// planning).
type Retry struct {
	MaxRetryPhases int    `yaml:"max_retry_phases"`
	Backoff        string `yaml:"backoff"` // "exponential" | "constant"
	InitialMs      int    `yaml:"initial_ms"`
	CapMs          int    `yaml:"cap_ms"`
}

// Aggregation configures the aggregator's hierarchical merge fan-in. This
// field is additive relative to the source document: it is not present in
// the upstream sync-tool configs but is needed here because fan-in F is no
// longer a compile-time constant (SPEC_FULL Open Question: fan-in and
// max_retry_phases are configurable per job, defaulting to the values in
// §4.E).
type Aggregation struct {
	FanIn int `yaml:"fan_in,omitempty"`
}

// Job is the full declarative Job config document.
type Job struct {
	Name        string      `yaml:"name"`
	HandlerRef  string      `yaml:"handler_ref"`
	Input       Input       `yaml:"input"`
	Compute     Compute     `yaml:"compute"`
	Output      Output      `yaml:"output"`
	Retry       Retry       `yaml:"retry"`
	Aggregation Aggregation `yaml:"aggregation,omitempty"`
}

const (
	defaultMaxRetryPhases = 2
	defaultFanIn          = 10
)

// Parse decodes raw into a Job config, filling in documented defaults
// (spec.md §4.E: "Stop after max_retry_phases (default 2)"; "fan-in F
// (default 10)").
func Parse(raw []byte) (*Job, error) {
	var j Job
	if err := yaml.Unmarshal(raw, &j); err != nil {
		return nil, skerr.Wrapf(err, "parsing job config")
	}
	if err := j.validate(); err != nil {
		return nil, err
	}
	if j.Retry.MaxRetryPhases == 0 {
		j.Retry.MaxRetryPhases = defaultMaxRetryPhases
	}
	if j.Aggregation.FanIn == 0 {
		j.Aggregation.FanIn = defaultFanIn
	}
	return &j, nil
}

func (j *Job) validate() error {
	if j.Name == "" {
		return skerr.Fmt("job config: name is required")
	}
	if j.HandlerRef == "" {
		return skerr.Fmt("job config: handler_ref is required")
	}
	if j.Input.Path == "" {
		return skerr.Fmt("job config: input.path is required")
	}
	if j.Retry.MaxRetryPhases < 0 {
		return skerr.Fmt("job config: retry.max_retry_phases must be >= 0, got %d", j.Retry.MaxRetryPhases)
	}
	return nil
}

// String renders j for logs and error messages.
func (j *Job) String() string {
	return fmt.Sprintf("Job{name=%s handler_ref=%s}", j.Name, j.HandlerRef)
}
