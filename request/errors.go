package request

import "fmt"

// PanicError reports a finisher that panicked.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("finisher panicked: %v", e.Value)
}
