package devices

import (
	"github.com/v3vee-go/vmmcore/iomap"
)

// PioDevice defines the interface for a port I/O device, the shape every
// device in this package already implements (pic, pit, serial, rtc,
// keyboard, ne2000).
type PioDevice interface {
	HandleIO(port uint16, direction uint8, size uint8, data []byte) error
}

// RegisterPioRange adapts a PioDevice (which handles a contiguous port
// range itself, dispatching internally by port) onto an iomap.Table by
// hooking every port in [startPort, endPort] to call through to it. This
// preserves each device's existing internal port-switch logic while
// giving the VMM core a single ordered-tree port map to consult, per
// spec §4.5.
func RegisterPioRange(table *iomap.Table, startPort, endPort uint16, device PioDevice) error {
	read := func(port uint16, dst []byte, opaque any) error {
		return device.HandleIO(port, IODirectionIn, uint8(len(dst)), dst)
	}
	write := func(port uint16, src []byte, opaque any) error {
		return device.HandleIO(port, IODirectionOut, uint8(len(src)), src)
	}

	for port := startPort; ; port++ {
		if err := table.HookPort(port, read, write, device); err != nil {
			return err
		}
		if port == endPort || port == 0xFFFF {
			break
		}
	}
	return nil
}
