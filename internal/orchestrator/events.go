package orchestrator

import (
	"sync"
	"time"
)

// Event levels.
const (
	EventInfo  = "info"
	EventWarn  = "warn"
	EventError = "error"
)

// Event is one structured entry in a task's execution feed. Seq increases
// monotonically per task.
type Event struct {
	TaskID    string    `json:"task_id"`
	Seq       uint64    `json:"seq"`
	Level     string    `json:"level"`
	Agent     string    `json:"agent,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const defaultEventBuffer = 512

// EventHub buffers recent events per task and fans them out to subscribers.
// The buffer is a bounded ring; pollers that fall further behind than its
// capacity lose the oldest entries.
type EventHub struct {
	mu      sync.Mutex
	size    int
	tasks   map[string]*taskFeed
	nextSub int
}

type taskFeed struct {
	seq    uint64
	events []Event
	subs   map[int]chan Event
}

func NewEventHub(bufferSize int) *EventHub {
	if bufferSize <= 0 {
		bufferSize = defaultEventBuffer
	}
	return &EventHub{
		size:  bufferSize,
		tasks: make(map[string]*taskFeed),
	}
}

// Publish appends an event to the task's feed, assigns its sequence number
// and delivers it to live subscribers. Slow subscribers are skipped rather
// than blocked on.
func (h *EventHub) Publish(taskID, level, agent, message string) Event {
	h.mu.Lock()
	feed := h.feedLocked(taskID)
	feed.seq++
	ev := Event{
		TaskID:    taskID,
		Seq:       feed.seq,
		Level:     level,
		Agent:     agent,
		Message:   message,
		Timestamp: time.Now(),
	}
	feed.events = append(feed.events, ev)
	if len(feed.events) > h.size {
		feed.events = feed.events[len(feed.events)-h.size:]
	}
	subs := make([]chan Event, 0, len(feed.subs))
	for _, ch := range feed.subs {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// After returns buffered events for the task with Seq greater than cursor,
// oldest first.
func (h *EventHub) After(taskID string, cursor uint64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	feed, exists := h.tasks[taskID]
	if !exists {
		return nil
	}
	out := make([]Event, 0, len(feed.events))
	for _, ev := range feed.events {
		if ev.Seq > cursor {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe returns a channel of future events for the task and a cancel
// function that must be called when the subscriber is done.
func (h *EventHub) Subscribe(taskID string) (<-chan Event, func()) {
	h.mu.Lock()
	feed := h.feedLocked(taskID)
	h.nextSub++
	id := h.nextSub
	ch := make(chan Event, 64)
	feed.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if feed, exists := h.tasks[taskID]; exists {
			delete(feed.subs, id)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Drop discards the feed for a task. Buffered history is lost; subscribers
// stop receiving events but keep their channels open.
func (h *EventHub) Drop(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tasks, taskID)
}

func (h *EventHub) feedLocked(taskID string) *taskFeed {
	feed, exists := h.tasks[taskID]
	if !exists {
		feed = &taskFeed{subs: make(map[int]chan Event)}
		h.tasks[taskID] = feed
	}
	return feed
}
