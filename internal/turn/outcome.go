package turn

// Outcome is the result of one pipeline stage: either a value or the error
// that prevented it. The zero Outcome is a failure with a nil error.
type Outcome[T any] struct {
	value T
	err   error
	ok    bool
}

// Ok returns a successful outcome holding v.
func Ok[T any](v T) Outcome[T] {
	return Outcome[T]{value: v, ok: true}
}

// Fail returns a failed outcome carrying err.
func Fail[T any](err error) Outcome[T] {
	return Outcome[T]{err: err}
}

// IsOk reports whether the stage succeeded.
func (o Outcome[T]) IsOk() bool { return o.ok }

// Err returns the failure, or nil on success.
func (o Outcome[T]) Err() error { return o.err }

// Value returns the stage value and whether it is valid.
func (o Outcome[T]) Value() (T, bool) { return o.value, o.ok }

// OrElse returns the stage value, or the result of fallback applied to the
// failure.
func (o Outcome[T]) OrElse(fallback func(error) T) T {
	if o.ok {
		return o.value
	}
	return fallback(o.err)
}
