package controlsock

import "fmt"

type panicError struct{ v any }

func (e *panicError) Error() string { return fmt.Sprintf("handler panicked: %v", e.v) }

func errPanicked(v any) error { return &panicError{v: v} }
