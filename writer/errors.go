package writer

import "fmt"

// PersistenceError wraps any filesystem or upload failure. The collector
// treats it as fatal; rows already written are left as they are.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
