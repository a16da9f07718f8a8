package dispatcher

import (
	"sync/atomic"

	"coe/pkg/protocol"
)

// ModeSource reports the current routing mode. The dispatcher reads it and
// never changes it.
type ModeSource interface {
	Mode() protocol.Mode
}

// ModeSwitch is the runtime mode flag. It is not persisted.
type ModeSwitch struct {
	v atomic.Value // protocol.Mode
}

// NewModeSwitch starts in m, or auto if m is not a valid mode.
func NewModeSwitch(m protocol.Mode) *ModeSwitch {
	if !m.Valid() {
		m = protocol.ModeAuto
	}
	s := &ModeSwitch{}
	s.v.Store(m)
	return s
}

// Mode returns the current mode.
func (s *ModeSwitch) Mode() protocol.Mode {
	return s.v.Load().(protocol.Mode) //nolint:forcetypeassert // only Set stores here
}

// Set changes the mode and returns the previous one.
func (s *ModeSwitch) Set(m protocol.Mode) (protocol.Mode, error) {
	if !m.Valid() {
		return "", &InvalidModeError{Mode: string(m)}
	}
	return s.v.Swap(m).(protocol.Mode), nil //nolint:forcetypeassert // only Set stores here
}

// InvalidModeError is returned by Set for anything but auto or manual.
type InvalidModeError struct {
	Mode string
}

func (e *InvalidModeError) Error() string {
	return "unknown mode " + e.Mode + " (want auto or manual)"
}
