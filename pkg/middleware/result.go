package middleware

// Result is the outcome of a dispatch pipeline invocation (spec §4.3).
// A middleware short-circuits the chain by returning a failed Result
// without calling Next; it does not need to raise an error to do so.
type Result struct {
	Success     bool
	ReturnValue any
	Error       error
}

// Ok returns a successful Result wrapping value.
func Ok(value any) *Result {
	return &Result{Success: true, ReturnValue: value}
}

// Failed returns a failed Result carrying err. err may be nil when a
// middleware short-circuits deliberately (e.g. an authorization
// denial) without treating it as an exceptional error.
func Failed(err error) *Result {
	return &Result{Success: false, Error: err}
}
