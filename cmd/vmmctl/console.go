package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/x/vt"
	"golang.org/x/term"

	"github.com/v3vee-go/vmmcore/hostevents"
)

// escapeByte detaches the console, leaving the guest running headless.
// Chosen to match QEMU's own serial-console escape (Ctrl+]) so operators
// already used to it don't have to learn a new one.
const escapeByte = 0x1D

// Console bridges a running VirtualMachine's serial output and keyboard
// input to the operator's real terminal. Guest output is rendered through
// a vt.SafeEmulator grid rather than passed straight through, so escape
// sequences a guest TTY driver emits (cursor moves, clears, color) render
// correctly instead of leaking raw control bytes into the operator's shell.
type Console struct {
	emu      *vt.SafeEmulator
	oldState *term.State
	fd       int
	detach   chan struct{}
}

// NewConsole puts fd (normally os.Stdin's descriptor) into raw mode and
// returns a Console sized cols x rows.
func NewConsole(fd int, cols, rows int) (*Console, error) {
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("console: fd %d is not a terminal", fd)
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("console: make raw: %w", err)
	}
	return &Console{
		emu:      vt.NewSafeEmulator(cols, rows),
		oldState: oldState,
		fd:       fd,
		detach:   make(chan struct{}),
	}, nil
}

// Writer returns the io.Writer a VM's serial device should write its
// output to.
func (c *Console) Writer() io.Writer { return c.emu }

// Restore returns the terminal to its pre-raw-mode state. Idempotent.
func (c *Console) Restore() {
	_ = term.Restore(c.fd, c.oldState)
	_ = c.emu.Close()
}

// Run pumps raw keystrokes from in into bus as KindKeyboard events and
// periodically redraws the guest's rendered screen to out, until ctx is
// canceled or the operator presses the detach key.
func (c *Console) Run(ctx context.Context, in *os.File, out io.Writer, bus *hostevents.Bus) error {
	keys := make(chan byte, 256)
	go func() {
		defer close(keys)
		buf := make([]byte, 1)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				keys <- buf[0]
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()

	var lastFrame string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.detach:
			return nil
		case b, ok := <-keys:
			if !ok {
				return nil
			}
			if b == escapeByte {
				close(c.detach)
				continue
			}
			if err := bus.Deliver(hostevents.KindKeyboard, hostevents.KeyboardEvent{Status: 1, Scancode: b}); err != nil {
				return fmt.Errorf("console: deliver keyboard event: %w", err)
			}
		case <-ticker.C:
			frame := c.render()
			if frame != lastFrame {
				fmt.Fprint(out, "\x1b[H\x1b[2J", frame)
				lastFrame = frame
			}
		}
	}
}

// render snapshots the emulator's current grid as plain text, one line
// per terminal row, carriage-return-terminated since the terminal is in
// raw mode (no automatic \n -> \r\n translation).
func (c *Console) render() string {
	w, h := c.emu.Width(), c.emu.Height()
	var out []byte
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			cell := c.emu.CellAt(x, y)
			if cell == nil || cell.Content == "" {
				out = append(out, ' ')
				continue
			}
			out = append(out, cell.Content...)
		}
		out = append(out, '\r', '\n')
	}
	return string(out)
}
