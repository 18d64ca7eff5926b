//go:build !linux

package adapter

// Only the netstack adapter is available off Linux.
func newTAP(cfg Config, handler FrameHandler) (Interface, error) {
	return nil, ErrNotSupported
}
