package agents

import (
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
)

// Screen renders PTY output through a virtual terminal so the visible text
// of a full-screen agent can be recovered.
type Screen struct {
	mu   sync.Mutex
	term vt10x.Terminal
	cols int
	rows int
}

// NewScreen creates a screen of the given size.
func NewScreen(cols, rows int) *Screen {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	return &Screen{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

// Write feeds raw PTY output to the terminal.
func (s *Screen) Write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term.Write(data)
}

// Resize changes the terminal size.
func (s *Screen) Resize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term.Resize(cols, rows)
	s.cols, s.rows = cols, rows
}

// Lines returns the visible rows with trailing blanks trimmed.
func (s *Screen) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]string, s.rows)
	row := make([]rune, s.cols)
	for y := 0; y < s.rows; y++ {
		for x := 0; x < s.cols; x++ {
			g := s.term.Cell(x, y)
			if g.Char == 0 {
				row[x] = ' '
			} else {
				row[x] = g.Char
			}
		}
		lines[y] = strings.TrimRight(string(row), " ")
	}
	return lines
}

// Text returns the visible screen as one string.
func (s *Screen) Text() string {
	return strings.TrimRight(strings.Join(s.Lines(), "\n"), "\n")
}
