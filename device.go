package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"whisperdeck/audio"
)

var errPickerQuit = errors.New("device selection cancelled")

// picker is the arrow-key device list shown by `record --setup`.
type picker struct {
	names  []string
	cursor int
}

// key applies one read from the terminal. It reports whether the choice is
// confirmed, or errPickerQuit on ctrl+c.
func (p *picker) key(buf []byte) (bool, error) {
	if len(buf) == 1 {
		switch buf[0] {
		case '\r', '\n':
			return true, nil
		case 3, 'q':
			return false, errPickerQuit
		case 'j':
			p.down()
		case 'k':
			p.up()
		}
		return false, nil
	}
	if len(buf) == 3 && buf[0] == 0x1b && buf[1] == '[' {
		switch buf[2] {
		case 'A':
			p.up()
		case 'B':
			p.down()
		}
	}
	return false, nil
}

func (p *picker) up() {
	if p.cursor > 0 {
		p.cursor--
	}
}

func (p *picker) down() {
	if p.cursor < len(p.names)-1 {
		p.cursor++
	}
}

func (p *picker) render(w io.Writer) {
	fmt.Fprint(w, "\r\x1b[J")
	fmt.Fprint(w, "Select input device (↑/↓, Enter to confirm):\r\n\r\n")
	for i, name := range p.names {
		if audio.IsBluetooth(name) {
			name += " (BT, may cap at 16 kHz)"
		}
		if i == p.cursor {
			fmt.Fprintf(w, "  \x1b[1;36m▶ %s\x1b[0m\r\n", name)
		} else {
			fmt.Fprintf(w, "    %s\r\n", name)
		}
	}
}

func selectDevice(ctx audio.Context) (*audio.DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no capture devices found")
	}
	if len(devices) == 1 {
		fmt.Printf("Using device: %s\n", devices[0].Name)
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	p := &picker{names: make([]string, len(devices))}
	for i := range devices {
		p.names[i] = devices[i].Name
	}
	p.render(os.Stdout)

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		done, err := p.key(buf[:n])
		if err != nil {
			fmt.Print("\r\n")
			return nil, err
		}
		if done {
			fmt.Print("\r\n")
			return &devices[p.cursor], nil
		}
		fmt.Printf("\x1b[%dA", len(devices)+2)
		p.render(os.Stdout)
	}
}

// resolveDevice picks the capture device: the interactive picker with
// setup, the named device when configured, otherwise the system default.
func resolveDevice(ctx audio.Context, name string, setup bool) (*audio.DeviceInfo, error) {
	if setup {
		return selectDevice(ctx)
	}
	if name == "" {
		return nil, nil
	}
	dev, err := audio.FindDevice(ctx, name)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, fmt.Errorf("capture device %q not found", name)
	}
	return dev, nil
}
