// Package framing implements the two wire framings conductor's subprocess
// transports speak: Content-Length-prefixed LSP framing, and
// newline-delimited MCP framing. Both are pure, side-effect-free codecs
// over a caller-owned byte buffer — they never themselves read from or
// write to a connection.
package framing

// Codec decodes frames out of a rolling byte buffer and encodes payloads
// into this codec's wire framing.
//
// Decode never partially consumes a frame: either it returns a complete
// payload and the exact number of bytes that frame occupied, or it reports
// that more bytes are needed (ok=false, consumed=0). A malformed frame that
// the codec can nonetheless measure the length of is reported as an error
// together with the bytes to skip; a codec that cannot measure a malformed
// frame's length returns ok=false and waits for more bytes, same as an
// incomplete one (this only differs in practice for MCP, where a malformed
// line is simply dropped once its terminating newline arrives).
type Codec interface {
	Decode(buf []byte) (payload []byte, consumed int, ok bool, err error)
	Encode(payload []byte) []byte
}
