package enrich

import "fmt"

// NetworkError is a transport failure or unexpected HTTP status from one of
// the lookup services.
type NetworkError struct {
	Service string
	Err     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("enrich: %s: network failure: %v", e.Service, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// MalformedResponseError is a response that could not be decoded or lacks a
// required field.
type MalformedResponseError struct {
	Service string
	Reason  string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("enrich: %s: malformed response: %s", e.Service, e.Reason)
}
