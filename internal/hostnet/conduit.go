// Package hostnet provides the host-side packet paths a device model
// plugs into: a kernel TAP interface, or a user-mode network stack that
// needs no privileges. Both move whole ethernet frames.
package hostnet

// Conduit is a bidirectional ethernet frame pipe. Send carries frames
// from the emulated device into the host network; the handler receives
// frames going the other way. Frames passed to the handler are owned by
// the receiver.
type Conduit interface {
	Send(frame []byte) error
	SetHandler(handler func(frame []byte))
	Close() error
}
