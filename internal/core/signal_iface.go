package core

// Frame is a raw text payload written to a signaling connection.
type Frame []byte

// SignalConnection abstracts the outbound side of a signaling transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	Send(Frame) error
	Close()
}
