// Package codec encodes and decodes companion protocol records.
//
// Every record starts with a one-byte discriminator. Multi-byte integers are
// little-endian; text fields are fixed-width, zero-padded and truncated to
// their declared width. Decoders never panic: short or malformed input
// returns an error wrapping protocol.ErrFrame.
package codec
