package transport

import "fmt"

// BindError reports that the local UDP port could not be opened.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind udp port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// AddressError reports a remote endpoint that could not be parsed.
type AddressError struct {
	Host string
	Port int
	Err  error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("remote address %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *AddressError) Unwrap() error { return e.Err }
