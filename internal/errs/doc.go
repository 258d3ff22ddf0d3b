// Package errs defines the shared error taxonomy for the relay.
package errs
