package storage

import "fmt"

// AdapterError wraps any failure originating in the remote or durable
// store adapters. Tier is "redis" or "database".
type AdapterError struct {
	Tier string
	Op   string
	Err  error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("magick: %s adapter: %s: %v", e.Tier, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

func adapterErr(tier, op string, err error) error {
	if err == nil {
		return nil
	}
	return &AdapterError{Tier: tier, Op: op, Err: err}
}
