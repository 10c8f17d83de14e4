package relay

// frameRing is a bounded FIFO of frames. When full, pushing evicts the
// oldest frame. It is not safe for concurrent use; the Repository lock
// guards every ring.
type frameRing struct {
	buf   []*Frame
	head  int // index of the oldest frame
	count int
}

func newFrameRing(capacity int) *frameRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &frameRing{buf: make([]*Frame, capacity)}
}

// push appends f and reports whether the oldest frame was dropped to make room.
func (r *frameRing) push(f *Frame) (dropped bool) {
	tail := (r.head + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		r.buf[r.head] = f
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[tail] = f
	r.count++
	return false
}

// drain returns all frames oldest first and empties the ring.
func (r *frameRing) drain() []*Frame {
	out := r.snapshot()
	for i := range r.buf {
		r.buf[i] = nil
	}
	r.head, r.count = 0, 0
	return out
}

// snapshot returns the frames oldest first without removing them.
func (r *frameRing) snapshot() []*Frame {
	out := make([]*Frame, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

func (r *frameRing) len() int { return r.count }

func (r *frameRing) capacity() int { return len(r.buf) }
