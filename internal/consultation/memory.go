package consultation

import (
	"sync"
	"time"
)

// Memory keeps a bounded, process-lifetime conversation window per subject.
// Each window holds at most maxExchanges user/assistant pairs; the oldest
// pair is evicted first. Nothing survives a restart.
type Memory struct {
	maxExchanges int
	now          func() time.Time

	mu      sync.Mutex
	windows map[int64]*window
}

type window struct {
	mu    sync.Mutex
	turns []Turn
}

func NewMemory(maxExchanges int) *Memory {
	if maxExchanges < 1 {
		maxExchanges = 1
	}
	return &Memory{
		maxExchanges: maxExchanges,
		now:          time.Now,
		windows:      make(map[int64]*window),
	}
}

// Capacity is the maximum number of turns a window can hold.
func (m *Memory) Capacity() int { return 2 * m.maxExchanges }

func (m *Memory) lookup(subjectID int64) *window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windows[subjectID]
}

// Append records one exchange atomically with respect to other calls for the
// same subject. The window is locked before m.mu is released so a concurrent
// Clear cannot detach it in between.
func (m *Memory) Append(subjectID int64, userText, assistantText string) {
	ts := m.now()

	m.mu.Lock()
	w, ok := m.windows[subjectID]
	if !ok {
		w = &window{}
		m.windows[subjectID] = w
	}
	w.mu.Lock()
	m.mu.Unlock()
	defer w.mu.Unlock()
	w.turns = append(w.turns,
		Turn{Role: RoleUser, Content: userText, Timestamp: ts},
		Turn{Role: RoleAssistant, Content: assistantText, Timestamp: ts},
	)
	if over := len(w.turns) - m.Capacity(); over > 0 {
		kept := make([]Turn, m.Capacity())
		copy(kept, w.turns[over:])
		w.turns = kept
	}
}

// Get returns a copy of the current window, oldest turn first.
func (m *Memory) Get(subjectID int64) []Turn {
	w := m.lookup(subjectID)
	if w == nil {
		return []Turn{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

func (m *Memory) Clear(subjectID int64) {
	m.mu.Lock()
	w, ok := m.windows[subjectID]
	delete(m.windows, subjectID)
	m.mu.Unlock()
	if !ok {
		return
	}
	w.mu.Lock()
	w.turns = nil
	w.mu.Unlock()
}
