package session

import (
	"fmt"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

// maxScrollbackLines bounds the bash capability's terminal scrollback
// ring so a long-running shell command can't grow memory unbounded.
const maxScrollbackLines = 20000

// vterm wraps charmbracelet/x/vt with scrollback capture via the
// ScrollOut callback, so a reattaching client can reconstruct the
// visible screen plus recent history. Thread-safe; callbacks fire
// inside Write, which already holds mu. Scrollback capacity is set
// per bash job from the owning session's configured scrollbackLines,
// not a single package-wide constant.
type vterm struct {
	emu        *vt.Emulator
	scrollback []string
	sbHead     int
	sbLen      int

	mu           sync.Mutex
	altScreen    bool
	cursorHidden bool
	cols, rows   int
}

// newVTerm constructs a vterm with the given scrollback capacity,
// falling back to maxScrollbackLines if capacity is non-positive.
func newVTerm(cols, rows, capacity int) *vterm {
	if capacity <= 0 {
		capacity = maxScrollbackLines
	}
	v := &vterm{
		emu:        vt.NewEmulator(cols, rows),
		scrollback: make([]string, capacity),
		cols:       cols,
		rows:       rows,
	}
	v.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			if v.altScreen {
				return
			}
			for _, line := range lines {
				rendered := line.Render()
				if v.sbLen == len(v.scrollback) {
					v.scrollback[v.sbHead] = ""
				}
				v.scrollback[v.sbHead] = rendered
				v.sbHead = (v.sbHead + 1) % len(v.scrollback)
				if v.sbLen < len(v.scrollback) {
					v.sbLen++
				}
			}
		},
		ScrollbackClear: func() {
			for i := range v.scrollback {
				v.scrollback[i] = ""
			}
			v.sbLen = 0
			v.sbHead = 0
		},
		AltScreen: func(on bool) {
			v.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			v.cursorHidden = !visible
		},
	})
	return v
}

func (v *vterm) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu.Write(p)
}

func (v *vterm) Resize(cols, rows int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emu.Resize(cols, rows)
	v.cols, v.rows = cols, rows
}

// Snapshot renders a reconnect payload: scrollback, then the live grid
// and cursor state, as valid ANSI any terminal emulator can render.
func (v *vterm) Snapshot() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	var buf strings.Builder
	lines := v.scrollbackLines()
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	if len(lines) > 0 {
		for range v.rows - 1 {
			buf.WriteByte('\n')
		}
	}
	buf.WriteString("\x1b[m\x1b[H")
	buf.WriteString(v.emu.Render())
	pos := v.emu.CursorPosition()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", pos.Y+1, pos.X+1)
	if v.cursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}
	return []byte(buf.String())
}

func (v *vterm) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu.Close()
}

// ScrollbackLen reports how many scrollback lines are currently held,
// for surfacing bash session state without exposing the full buffer.
func (v *vterm) ScrollbackLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sbLen
}

func (v *vterm) scrollbackLines() []string {
	if v.sbLen == 0 {
		return nil
	}
	lines := make([]string, v.sbLen)
	start := (v.sbHead - v.sbLen + len(v.scrollback)) % len(v.scrollback)
	for i := 0; i < v.sbLen; i++ {
		lines[i] = v.scrollback[(start+i)%len(v.scrollback)]
	}
	return lines
}
