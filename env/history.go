package env

// History records the last K actions of an episode as one-hot rows,
// newest first. Its flattened form is appended to the state embedding so
// the agent can detect oscillation between otherwise similar regions.
type History struct {
	rows [][]float32
}

// NewHistory returns a zeroed history holding up to length actions. A zero
// length is a valid degenerate window: pushes are dropped and the flattened
// vector is empty.
func NewHistory(length int) *History {
	h := &History{rows: make([][]float32, length)}
	for i := range h.rows {
		h.rows[i] = make([]float32, NumActions)
	}
	return h
}

// Push records an action, shifting older entries back and dropping the
// oldest once the window is full.
func (h *History) Push(a Action) {
	if len(h.rows) == 0 {
		return
	}
	for i := len(h.rows) - 1; i > 0; i-- {
		copy(h.rows[i], h.rows[i-1])
	}
	row := h.rows[0]
	for i := range row {
		row[i] = 0
	}
	row[a] = 1
}

// Reset zeroes the window.
func (h *History) Reset() {
	for _, row := range h.rows {
		for i := range row {
			row[i] = 0
		}
	}
}

// Len returns the window length K.
func (h *History) Len() int { return len(h.rows) }

// Vector returns the flattened one-hot window, newest row first.
// The returned slice is a copy.
func (h *History) Vector() []float32 {
	out := make([]float32, 0, len(h.rows)*NumActions)
	for _, row := range h.rows {
		out = append(out, row...)
	}
	return out
}
