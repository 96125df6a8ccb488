package platform

import "fmt"

// QueryError is a poll-time failure: token acquisition or the run query.
// It aborts the current cycle only.
type QueryError struct {
	Op         string
	StatusCode int // 0 for transport or auth failures
	Err        error
}

func (e *QueryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("platform %s: http %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("platform %s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// TriggerError is a failed rerun request.
type TriggerError struct {
	Pipeline   string
	StatusCode int // 0 when the request never got an HTTP answer
	Body       string
	Err        error
}

func (e *TriggerError) Error() string {
	if e.Rejected() {
		return fmt.Sprintf("rerun of %s rejected: http %d: %s", e.Pipeline, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("rerun of %s failed: %v", e.Pipeline, e.Err)
}

func (e *TriggerError) Unwrap() error { return e.Err }

// Rejected reports whether the platform answered with an error status, as
// opposed to a transport or credential failure.
func (e *TriggerError) Rejected() bool {
	return e.StatusCode != 0
}
