// Package correlator gives call/response semantics over the asynchronous
// collaboration channel. Acknowledged calls carry a correlation token and
// settle exactly once: resolved by a matching response, rejected by a
// protocol error, rejected with ErrTimeout, or rejected with
// ErrConnectionClosed on teardown.
package correlator
