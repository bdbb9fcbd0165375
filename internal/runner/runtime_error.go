package runner

// RuntimeError is a failed scan step. The loop logs it and carries on at the next tick.
type RuntimeError struct {
	Step string
	Err  error
}

func (e *RuntimeError) Error() string {
	return "scan " + e.Step + ": " + e.Err.Error()
}

func (e *RuntimeError) Unwrap() error { return e.Err }

func stepFailed(step string, err error) error {
	if err == nil {
		return nil
	}
	return &RuntimeError{Step: step, Err: err}
}
