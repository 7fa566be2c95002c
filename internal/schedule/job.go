package schedule

import (
	"encoding/json"
	"maps"

	"scriptserver/internal/core"
)

// Job is a persisted request to run a script according to a Config.
type Job struct {
	ID              string         `json:"id"`
	User            core.User      `json:"user"`
	Schedule        Config         `json:"schedule"`
	ScriptName      string         `json:"script_name"`
	ParameterValues map[string]any `json:"parameter_values"`
	Description     string         `json:"description,omitempty"`
	Enabled         bool           `json:"enabled"`
}

// UnmarshalJSON treats a missing enabled flag as true.
func (j *Job) UnmarshalJSON(data []byte) error {
	type plain Job
	aux := struct {
		*plain
		Enabled *bool `json:"enabled"`
	}{plain: (*plain)(j)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	j.Enabled = aux.Enabled == nil || *aux.Enabled
	if j.ParameterValues == nil {
		j.ParameterValues = map[string]any{}
	}
	return nil
}

// LogName identifies the job in log output.
func (j *Job) LogName() string {
	return "Job#" + j.ID + "-" + j.ScriptName
}

func (j *Job) clone() *Job {
	cp := *j
	cp.Schedule.Weekdays = append([]Weekday(nil), j.Schedule.Weekdays...)
	cp.ParameterValues = maps.Clone(j.ParameterValues)
	return &cp
}
