package sandbox

import (
	"encoding/json"
	"errors"
	"net/http"
)

// SuccessPayload is the client-facing shape of a completed execution.
type SuccessPayload struct {
	Output          string    `json:"output"`
	OutputTruncated bool      `json:"output_truncated,omitempty"`
	ExitCode        int64     `json:"exit_code"`
	ExecutionTime   float64   `json:"execution_time"`
	MemoryUsage     float64   `json:"memory_usage"`
	Stats           Telemetry `json:"stats"`
}

// ErrorPayload is the client-facing shape of a failed execution.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Payload holds exactly one of Success or Failure.
type Payload struct {
	Success *SuccessPayload
	Failure *ErrorPayload
	Status  int
}

// Assemble turns the outcome of Execute into a payload and HTTP status.
func Assemble(res Result, err error) Payload {
	if err == nil {
		return Payload{
			Success: &SuccessPayload{
				Output:          res.Output,
				OutputTruncated: res.OutputTruncated,
				ExitCode:        res.ExitCode,
				ExecutionTime:   res.ExecutionTime,
				MemoryUsage:     res.MemoryUsageMB,
				Stats:           res.Stats,
			},
			Status: http.StatusOK,
		}
	}

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		return Payload{Failure: &ErrorPayload{Error: err.Error()}, Status: http.StatusInternalServerError}
	}

	status := http.StatusOK
	switch execErr.Kind {
	case KindUnsupportedLanguage:
		status = http.StatusBadRequest
	case KindRun:
		status = http.StatusInternalServerError
	}
	return Payload{Failure: &ErrorPayload{Error: execErr.Message}, Status: status}
}

// IsError reports whether the payload carries the error shape.
func (p Payload) IsError() bool {
	return p.Failure != nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Failure != nil {
		return json.Marshal(p.Failure)
	}
	if p.Success == nil {
		return json.Marshal(ErrorPayload{Error: "empty result"})
	}
	return json.Marshal(p.Success)
}
