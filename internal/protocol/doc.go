// Package protocol owns the companion wire contract shared by every layer.
//
// Ownership boundary:
// - command / response / push code tables
// - device error taxonomy and classification
// - frame decode errors
//
// Record layouts live in protocol/codec; stream framing lives in
// protocol/frame; retry and ack bookkeeping live in protocol/session.
package protocol
