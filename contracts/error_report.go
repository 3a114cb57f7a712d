package contracts

import (
	"fmt"
	"runtime/debug"
	"time"
)

// ErrorReport is what survives of an envelope once it is dead-lettered
type ErrorReport struct {
	ID               string            `json:"id"`
	MessageType      string            `json:"messageType,omitempty"`
	Source           string            `json:"source,omitempty"`
	Explanation      string            `json:"explanation"`
	ExceptionType    string            `json:"exceptionType"`
	ExceptionMessage string            `json:"exceptionMessage"`
	Stack            string            `json:"stack,omitempty"`
	Headers          map[string]string `json:"headers"`
	Data             []byte            `json:"data,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

// NewErrorReport snapshots env together with the failure that killed it
func NewErrorReport(env *Envelope, err error) *ErrorReport {
	report := &ErrorReport{
		ID:          env.ID,
		MessageType: env.MessageType,
		Source:      env.Source,
		Headers:     ToHeaders(env),
		Data:        append([]byte(nil), env.Data...),
		Stack:       string(debug.Stack()),
		Timestamp:   time.Now().UTC(),
	}
	if err != nil {
		report.ExceptionType = fmt.Sprintf("%T", err)
		report.ExceptionMessage = err.Error()
		report.Explanation = fmt.Sprintf("%s failed after %d attempt(s): %v", env, env.Attempts, err)
	}
	return report
}

// RebuildEnvelope restores the envelope snapshot held by the report
func (r *ErrorReport) RebuildEnvelope() (*Envelope, error) {
	return FromHeaders(r.Headers, r.Data)
}
