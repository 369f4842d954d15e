package telemetry

import "github.com/rs/zerolog"

// JobInfo identifies the job a source or mapping runs for, in log lines.
type JobInfo struct {
	Hostname    string
	ConnectorID string
	JobName     string
	MonitorType string
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (j JobInfo) MarshalZerologObject(e *zerolog.Event) {
	e.Str("hostname", j.Hostname).
		Str("connector_id", j.ConnectorID).
		Str("job", j.JobName).
		Str("monitor_type", j.MonitorType)
}
