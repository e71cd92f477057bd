package resolver

import "errors"

// Error taxonomy for the resolver package. Every failure a caller can observe
// from a Deferred handle or a synchronous API call is one of these, wrapped
// with additional context via fmt.Errorf("%w", ...) where useful.
var (
	// ErrIDCollision is returned by QueryDispatcher.Submit when both the
	// allocated transaction id and one re-allocated id are already pending
	// on the target socket. Chosen over
	// silently overwriting a pending entry, since the latter would corrupt
	// demultiplexing for an in-flight query (see DESIGN.md Open Question).
	ErrIDCollision = errors.New("resolver: transaction id collision, no free id available")

	// ErrTimeout is returned when a query's deadline elapses with no
	// matching response received.
	ErrTimeout = errors.New("resolver: query timed out")

	// ErrTransport wraps failures originating below the DNS protocol layer:
	// socket creation, write, or read errors.
	ErrTransport = errors.New("resolver: transport error")

	// ErrServerFailure is returned when every reachable server answered a
	// query with an error rcode that leaves no room for failover (e.g. all
	// candidates consistently return SERVFAIL).
	ErrServerFailure = errors.New("resolver: server failure")

	// ErrNameError names an authoritative NXDOMAIN for the queried name. No
	// lookup returns it: an NXDOMAIN answer completes the handle with an
	// empty record list and a nil error.
	ErrNameError = errors.New("resolver: name does not exist")

	// ErrServerRetired is returned when a submit targets a server that the
	// pool has already retired due to repeated failures.
	ErrServerRetired = errors.New("resolver: server retired")

	// ErrMalformedResponse is returned when a datagram cannot be decoded as
	// a DNS message, or decodes but does not carry exactly one question.
	ErrMalformedResponse = errors.New("resolver: malformed response")

	// ErrInvalidArgument is returned for caller errors: empty or oversized
	// name, no record type given, invalid family, zero servers configured,
	// and so on.
	ErrInvalidArgument = errors.New("resolver: invalid argument")

	// ErrCanceled is returned from a Deferred handle whose owning query was
	// canceled before completion.
	ErrCanceled = errors.New("resolver: query canceled")

	// ErrClosed names the state of a Resolver after Close. No operation in
	// this package checks for a closed Resolver or returns this error.
	ErrClosed = errors.New("resolver: resolver closed")

	// ErrEmpty is returned by the single-result variants (Lookup,
	// ResolveSingle) when the underlying query completed successfully but
	// yielded no records. ReverseNames returns an empty list instead.
	ErrEmpty = errors.New("resolver: no records found")
)
