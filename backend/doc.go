// Package backend defines the contract between conngate and the external
// system it multiplexes access to. The gateway treats the backend as opaque:
// it dials physical connections through a Connector and executes operations
// through the Connection interface, never interpreting statements or results.
//
// Ambient session state is the backend's sharp edge. A Connection may carry
// mutable per-session configuration (an active namespace, for example) that
// survives across operations. Reset returns the connection to its baseline
// so state set by one borrower is never observable by the next.
package backend
