package chat

// replayBuffer is a fixed-capacity FIFO of the most recent conversational
// events. It is owned by the hub's run loop and is not safe for concurrent use.
type replayBuffer struct {
	events []Event
	start  int
	size   int
}

func newReplayBuffer(capacity int) *replayBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &replayBuffer{events: make([]Event, capacity)}
}

// push appends ev, evicting the oldest entry when full.
func (b *replayBuffer) push(ev Event) {
	c := len(b.events)
	if c == 0 {
		return
	}
	if b.size < c {
		b.events[(b.start+b.size)%c] = ev
		b.size++
		return
	}
	b.events[b.start] = ev
	b.start = (b.start + 1) % c
}

// snapshot returns the buffered events, oldest first.
func (b *replayBuffer) snapshot() []Event {
	out := make([]Event, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.events[(b.start+i)%len(b.events)])
	}
	return out
}

func (b *replayBuffer) len() int { return b.size }

func (b *replayBuffer) capacity() int { return len(b.events) }
