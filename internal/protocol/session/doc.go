// Package session owns the reliability primitives shared by the message and
// remote-node services.
//
// Ownership boundary:
// - retry/backoff policy
// - pending-ack outbox keyed by device ack code
// - login / keep-alive / query timeout defaults
package session
