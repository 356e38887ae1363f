package soap

import "fmt"

// RequestError carries a non-2xx HTTP reply from the authority gateway.
// Distinct from a transport failure: the server answered, the answer was
// not usable.
type RequestError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("gateway returned HTTP %d", e.StatusCode)
}

func (e *RequestError) Unwrap() error { return e.Err }
