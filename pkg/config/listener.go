package config

import (
	"fmt"

	"github.com/ethpandaops/caf/pkg/selection"
)

// ListenerConfig is a named search profile describing which calibration
// runs to look for.
type ListenerConfig struct {
	Name          string            `yaml:"name" mapstructure:"name"`
	RunType       string            `yaml:"run_type" mapstructure:"run_type"`
	DAQPartitions []string          `yaml:"daq_partitions" mapstructure:"daq_partitions"`
	MinEvents     int64             `yaml:"min_events" mapstructure:"min_events"`
	InitialRun    uint32            `yaml:"initial_run" mapstructure:"initial_run"`
	Enabled       *bool             `yaml:"enabled,omitempty" mapstructure:"enabled"`
	RecordingOnly *bool             `yaml:"recording_only,omitempty" mapstructure:"recording_only"`
	CleanStop     *bool             `yaml:"clean_stop,omitempty" mapstructure:"clean_stop"`
	Criteria      []CriterionConfig `yaml:"criteria,omitempty" mapstructure:"criteria"`
}

// CriterionConfig is an extra constraint on a run record field. Op is one
// of "eq" (default), "gt" (not less than) or "in".
type CriterionConfig struct {
	Field  string `yaml:"field" mapstructure:"field"`
	Op     string `yaml:"op,omitempty" mapstructure:"op"`
	Value  any    `yaml:"value,omitempty" mapstructure:"value"`
	Values []any  `yaml:"values,omitempty" mapstructure:"values"`
}

func (l *ListenerConfig) applyDefaults() {
	if l.Enabled == nil {
		l.Enabled = boolPtr(true)
	}

	if l.RecordingOnly == nil {
		l.RecordingOnly = boolPtr(true)
	}

	if l.CleanStop == nil {
		l.CleanStop = boolPtr(true)
	}
}

// IsEnabled reports whether the listener should be processed.
func (l *ListenerConfig) IsEnabled() bool {
	return l.Enabled == nil || *l.Enabled
}

// Constraints builds the selection constraints of the listener.
func (l *ListenerConfig) Constraints() (selection.Constraints, error) {
	partitions := make([]any, 0, len(l.DAQPartitions))
	for _, p := range l.DAQPartitions {
		partitions = append(partitions, p)
	}

	cs := selection.Constraints{
		selection.Equals("RunType", l.RunType),
		selection.OneOf("PartitionName", partitions...),
		selection.Equals("RecordingEnabled", l.RecordingOnly == nil || *l.RecordingOnly),
		selection.Equals("CleanStop", l.CleanStop == nil || *l.CleanStop),
		selection.AtLeast("RecordedEvents", l.MinEvents),
	}

	for i, c := range l.Criteria {
		if c.Field == "" {
			return nil, fmt.Errorf("criterion %d: field is required", i)
		}

		switch c.Op {
		case "", "eq":
			cs = append(cs, selection.Equals(c.Field, c.Value))
		case "gt":
			cs = append(cs, selection.AtLeast(c.Field, c.Value))
		case "in":
			cs = append(cs, selection.OneOf(c.Field, c.Values...))
		default:
			return nil, fmt.Errorf("criterion %d: %w %q", i, selection.ErrUnknownOperator, c.Op)
		}
	}

	return cs, nil
}

func boolPtr(b bool) *bool {
	return &b
}
