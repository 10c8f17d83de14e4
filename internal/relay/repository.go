package relay

import (
	"sort"
	"sync"
	"time"
)

// Repository defines the concurrency-safe contract over the session, queue
// and index tables. Every method that touches more than one table does so in
// a single critical section, so no caller can observe a half-applied change.
type Repository interface {
	// StartSession creates an active session with a queue for consumerID and
	// points the channel's index entry at it. An active session already on
	// the channel is marked stopped and its id returned as superseded.
	StartSession(id SessionID, key ChannelKey, producerID, consumerID string, now time.Time) (superseded SessionID)

	// AppendFrame records a frame on the session ring and on every queue
	// attached to the session.
	AppendFrame(id SessionID, frameID string, payload []byte, mimeType string, now time.Time) (PushResult, error)

	// Pull drains the consumer's queue, late-joining the channel's active
	// session when the consumer has no queue yet. An empty key means the
	// channel the consumer's queue is already bound to. Returned frames are
	// private copies.
	Pull(consumerID string, key ChannelKey, now time.Time) PullResult

	// Stop moves an active session to stopping. The session is resolved by
	// id first, then through the channel index. transitioned is false when
	// the session was already stopping or stopped.
	Stop(id SessionID, key ChannelKey) (resolved SessionID, transitioned bool, err error)

	// Attach binds consumerID's queue directly to an active session.
	Attach(consumerID string, id SessionID, now time.Time) error

	// Teardown removes a session, its queues, and its index entry if the
	// entry still points at it. It reports whether the session existed.
	Teardown(id SessionID) bool

	// Snapshot returns a read-only composite view. It never updates
	// activity or poll timestamps.
	Snapshot(key ChannelKey, id SessionID, consumerID string) StatusSnapshot

	// ActiveBroadcasts lists active sessions ordered by start time.
	ActiveBroadcasts() []BroadcastInfo

	// StaleCandidates lists entries idle since before cutoff, and index
	// entries whose session no longer exists.
	StaleCandidates(cutoff time.Time) Candidates

	// EvictSessionIfStale removes a session (cascading to its queues and
	// index entry) if it is still idle since before cutoff.
	EvictSessionIfStale(id SessionID, cutoff time.Time) bool

	// EvictQueueIfStale removes a queue not polled since before cutoff.
	EvictQueueIfStale(consumerID string, cutoff time.Time) bool

	// EvictIndexIfOrphaned removes an index entry whose session is gone.
	EvictIndexIfOrphaned(key ChannelKey) bool

	// ActiveSessionCount returns the number of active sessions.
	ActiveSessionCount() int

	// QueueCount returns the number of subscriber queues.
	QueueCount() int
}

// Candidates is a point-in-time list of keys the reaper should re-check.
type Candidates struct {
	Sessions []SessionID
	Queues   []string
	Index    []ChannelKey
}

// Empty reports whether there is nothing to evict.
func (c Candidates) Empty() bool {
	return len(c.Sessions) == 0 && len(c.Queues) == 0 && len(c.Index) == 0
}

// Default capacities used when a non-positive value is supplied.
const (
	DefaultRingCapacity  = 64
	DefaultQueueCapacity = 128
)

// InMemoryRepository is a concurrency-safe Repository over a Store.
// A single RWMutex guards all three tables; hold times are a few map
// operations and never span I/O.
type InMemoryRepository struct {
	mu            sync.RWMutex
	store         Store
	ringCapacity  int
	queueCapacity int
}

// NewInMemoryRepository constructs a repository with a default in-memory store.
func NewInMemoryRepository(ringCapacity, queueCapacity int) *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore(), ringCapacity, queueCapacity)
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store, ringCapacity, queueCapacity int) *InMemoryRepository {
	if ringCapacity <= 0 {
		ringCapacity = DefaultRingCapacity
	}
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	return &InMemoryRepository{store: store, ringCapacity: ringCapacity, queueCapacity: queueCapacity}
}

// StartSession implements Repository.StartSession.
func (r *InMemoryRepository) StartSession(id SessionID, key ChannelKey, producerID, consumerID string, now time.Time) SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var superseded SessionID
	if e, ok := r.store.GetIndex(key); ok {
		if old, ok := r.store.GetSession(e.SessionID); ok && old.Status == StatusActive {
			old.Status = StatusStopped
			r.mirrorStatusLocked(old)
			superseded = old.ID
		}
	}

	sess := &Session{
		ID:             id,
		ChannelKey:     key,
		ProducerID:     producerID,
		ConsumerID:     consumerID,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
		recent:         newFrameRing(r.ringCapacity),
		attached:       make(map[string]struct{}),
	}
	r.store.SetSession(sess)

	if q, ok := r.store.GetQueue(consumerID); ok && q.ChannelKey == key && q.Status != StatusActive {
		// Same consumer on the same channel: keep undelivered frames so the
		// next pull drains them.
		r.detachLocked(q)
		q.SessionID = id
		q.ChannelKey = key
		q.Status = StatusActive
		sess.attached[consumerID] = struct{}{}
	} else {
		if ok {
			r.detachLocked(q)
		}
		r.attachNewQueueLocked(sess, consumerID, now)
	}

	r.store.SetIndex(&IndexEntry{
		ChannelKey: key,
		SessionID:  id,
		ProducerID: producerID,
		ConsumerID: consumerID,
		Status:     StatusActive,
		StartedAt:  now,
	})

	return superseded
}

// AppendFrame implements Repository.AppendFrame.
func (r *InMemoryRepository) AppendFrame(id SessionID, frameID string, payload []byte, mimeType string, now time.Time) (PushResult, error) {
	const op = "PushFrame"

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.store.GetSession(id)
	if !ok {
		return PushResult{}, sessionNotFound(op, id)
	}
	if sess.Status != StatusActive {
		return PushResult{}, sessionNotActive(op, id, sess.Status)
	}

	sess.FrameCount++
	f := &Frame{
		ID:         frameID,
		SessionID:  id,
		Seq:        sess.FrameCount,
		Payload:    payload,
		MimeType:   mimeType,
		CapturedAt: now,
	}
	sess.recent.push(f)
	sess.LastActivityAt = now

	res := PushResult{FrameID: frameID}
	for consumerID := range sess.attached {
		q, ok := r.store.GetQueue(consumerID)
		if !ok || q.SessionID != id {
			delete(sess.attached, consumerID)
			continue
		}
		if q.pending.push(f) {
			q.TotalDropped++
			res.Dropped++
		}
		if consumerID == sess.ConsumerID {
			res.QueueSize = q.pending.len()
		}
	}
	return res, nil
}

// Pull implements Repository.Pull.
func (r *InMemoryRepository) Pull(consumerID string, key ChannelKey, now time.Time) PullResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sess *Session
	q, ok := r.store.GetQueue(consumerID)
	if ok {
		if key == "" {
			// No channel given: keep following the one the queue is bound to.
			key = q.ChannelKey
		}
		sess, ok = r.store.GetSession(q.SessionID)
		switch {
		case !ok:
			// Bound session is gone; the queue is an orphan.
			r.store.DeleteQueue(consumerID)
		case q.ChannelKey != key:
			r.detachLocked(q)
			r.store.DeleteQueue(consumerID)
			ok = false
		case sess.Status != StatusActive && q.pending.len() == 0 && r.liveSessionLocked(q.ChannelKey, q.SessionID) != nil:
			// Final batch already delivered and a newer broadcast is live.
			r.detachLocked(q)
			r.store.DeleteQueue(consumerID)
			ok = false
		}
	}

	lateJoin := false
	if !ok {
		sess = r.liveSessionLocked(key, "")
		if sess == nil {
			return PullResult{Frames: []*Frame{}, Status: StatusIdle}
		}
		q = r.attachNewQueueLocked(sess, consumerID, now)
		lateJoin = true
	}

	q.Status = sess.Status
	q.LastPollAt = now
	frames := q.pending.drain()
	for i, f := range frames {
		frames[i] = f.clone()
	}
	q.TotalDelivered += int64(len(frames))

	return PullResult{
		Frames:    frames,
		Status:    q.Status,
		SessionID: q.SessionID,
		LateJoin:  lateJoin,
	}
}

// Stop implements Repository.Stop.
func (r *InMemoryRepository) Stop(id SessionID, key ChannelKey) (SessionID, bool, error) {
	const op = "StopSession"

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.store.GetSession(id)
	if !ok && key != "" {
		if e, found := r.store.GetIndex(key); found {
			sess, ok = r.store.GetSession(e.SessionID)
		}
	}
	if !ok {
		if id == "" {
			return "", false, newError(CodeSessionNotFound, op, "no broadcast for channel "+string(key), ErrSessionNotFound)
		}
		return "", false, sessionNotFound(op, id)
	}

	if sess.Status != StatusActive {
		return sess.ID, false, nil
	}
	sess.Status = StatusStopping
	r.mirrorStatusLocked(sess)
	return sess.ID, true, nil
}

// Attach implements Repository.Attach.
func (r *InMemoryRepository) Attach(consumerID string, id SessionID, now time.Time) error {
	const op = "ForceAttach"

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.store.GetSession(id)
	if !ok {
		return sessionNotFound(op, id)
	}
	if sess.Status != StatusActive {
		return sessionNotActive(op, id, sess.Status)
	}
	if q, ok := r.store.GetQueue(consumerID); ok {
		r.detachLocked(q)
	}
	r.attachNewQueueLocked(sess, consumerID, now)
	return nil
}

// Teardown implements Repository.Teardown.
func (r *InMemoryRepository) Teardown(id SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeSessionLocked(id)
}

// Snapshot implements Repository.Snapshot.
func (r *InMemoryRepository) Snapshot(key ChannelKey, id SessionID, consumerID string) StatusSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var snap StatusSnapshot

	var sess *Session
	if id != "" {
		sess, _ = r.store.GetSession(id)
	}
	if sess == nil && key != "" {
		if e, ok := r.store.GetIndex(key); ok {
			sess, _ = r.store.GetSession(e.SessionID)
		}
	}
	if sess != nil {
		snap.Session = summarizeSession(sess)
	}

	switch {
	case key != "":
		if e, ok := r.store.GetIndex(key); ok {
			cp := *e
			snap.Index = &cp
		}
	case sess != nil:
		if e, ok := r.store.GetIndex(sess.ChannelKey); ok && e.SessionID == sess.ID {
			cp := *e
			snap.Index = &cp
		}
	}

	if consumerID != "" {
		if q, ok := r.store.GetQueue(consumerID); ok {
			snap.Queue = summarizeQueue(q)
		}
	}

	snap.Counts = r.countsLocked()
	return snap
}

// ActiveBroadcasts implements Repository.ActiveBroadcasts.
func (r *InMemoryRepository) ActiveBroadcasts() []BroadcastInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BroadcastInfo, 0)
	for _, id := range r.store.ListSessionIDs() {
		sess, ok := r.store.GetSession(id)
		if !ok || sess.Status != StatusActive {
			continue
		}
		out = append(out, BroadcastInfo{
			ChannelKey: sess.ChannelKey,
			SessionID:  sess.ID,
			ConsumerID: sess.ConsumerID,
			ProducerID: sess.ProducerID,
			StartedAt:  sess.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ChannelKey < out[j].ChannelKey
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// StaleCandidates implements Repository.StaleCandidates.
func (r *InMemoryRepository) StaleCandidates(cutoff time.Time) Candidates {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c Candidates
	for _, id := range r.store.ListSessionIDs() {
		if sess, ok := r.store.GetSession(id); ok && sess.LastActivityAt.Before(cutoff) {
			c.Sessions = append(c.Sessions, id)
		}
	}
	for _, id := range r.store.ListQueueIDs() {
		if q, ok := r.store.GetQueue(id); ok && q.LastPollAt.Before(cutoff) {
			c.Queues = append(c.Queues, id)
		}
	}
	for _, key := range r.store.ListIndexKeys() {
		e, ok := r.store.GetIndex(key)
		if !ok {
			continue
		}
		if _, live := r.store.GetSession(e.SessionID); !live {
			c.Index = append(c.Index, key)
		}
	}
	return c
}

// EvictSessionIfStale implements Repository.EvictSessionIfStale.
func (r *InMemoryRepository) EvictSessionIfStale(id SessionID, cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.store.GetSession(id)
	if !ok || !sess.LastActivityAt.Before(cutoff) {
		return false
	}
	return r.removeSessionLocked(id)
}

// EvictQueueIfStale implements Repository.EvictQueueIfStale.
func (r *InMemoryRepository) EvictQueueIfStale(consumerID string, cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.store.GetQueue(consumerID)
	if !ok || !q.LastPollAt.Before(cutoff) {
		return false
	}
	r.detachLocked(q)
	r.store.DeleteQueue(consumerID)
	return true
}

// EvictIndexIfOrphaned implements Repository.EvictIndexIfOrphaned.
func (r *InMemoryRepository) EvictIndexIfOrphaned(key ChannelKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.store.GetIndex(key)
	if !ok {
		return false
	}
	if _, live := r.store.GetSession(e.SessionID); live {
		return false
	}
	r.store.DeleteIndex(key)
	return true
}

// ActiveSessionCount implements Repository.ActiveSessionCount.
func (r *InMemoryRepository) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.countsLocked().ActiveSessions
}

// QueueCount implements Repository.QueueCount.
func (r *InMemoryRepository) QueueCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.store.ListQueueIDs())
}

// liveSessionLocked returns the active session the channel index points at,
// unless it is exclude. Caller must hold r.mu.
func (r *InMemoryRepository) liveSessionLocked(key ChannelKey, exclude SessionID) *Session {
	if key == "" {
		return nil
	}
	e, ok := r.store.GetIndex(key)
	if !ok || e.SessionID == exclude {
		return nil
	}
	sess, ok := r.store.GetSession(e.SessionID)
	if !ok || sess.Status != StatusActive {
		return nil
	}
	return sess
}

// attachNewQueueLocked creates an empty queue for consumerID bound to sess,
// replacing any queue the consumer already had. Caller must hold r.mu in
// write mode.
func (r *InMemoryRepository) attachNewQueueLocked(sess *Session, consumerID string, now time.Time) *SubscriberQueue {
	q := &SubscriberQueue{
		ConsumerID: consumerID,
		SessionID:  sess.ID,
		ChannelKey: sess.ChannelKey,
		Status:     sess.Status,
		CreatedAt:  now,
		LastPollAt: now,
		pending:    newFrameRing(r.queueCapacity),
	}
	r.store.SetQueue(q)
	sess.attached[consumerID] = struct{}{}
	return q
}

// detachLocked removes q's consumer from its bound session's listener set.
// Caller must hold r.mu in write mode.
func (r *InMemoryRepository) detachLocked(q *SubscriberQueue) {
	if sess, ok := r.store.GetSession(q.SessionID); ok {
		delete(sess.attached, q.ConsumerID)
	}
}

// mirrorStatusLocked copies sess.Status onto its queues and its index entry.
// Caller must hold r.mu in write mode.
func (r *InMemoryRepository) mirrorStatusLocked(sess *Session) {
	for consumerID := range sess.attached {
		if q, ok := r.store.GetQueue(consumerID); ok && q.SessionID == sess.ID {
			q.Status = sess.Status
		}
	}
	if e, ok := r.store.GetIndex(sess.ChannelKey); ok && e.SessionID == sess.ID {
		e.Status = sess.Status
	}
}

// removeSessionLocked deletes a session, the queues bound to it, and its
// index entry. Caller must hold r.mu in write mode.
func (r *InMemoryRepository) removeSessionLocked(id SessionID) bool {
	sess, ok := r.store.GetSession(id)
	if !ok {
		return false
	}
	for consumerID := range sess.attached {
		if q, ok := r.store.GetQueue(consumerID); ok && q.SessionID == id {
			r.store.DeleteQueue(consumerID)
		}
	}
	if e, ok := r.store.GetIndex(sess.ChannelKey); ok && e.SessionID == id {
		r.store.DeleteIndex(sess.ChannelKey)
	}
	r.store.DeleteSession(id)
	return true
}

func (r *InMemoryRepository) countsLocked() Counts {
	var c Counts
	for _, id := range r.store.ListSessionIDs() {
		c.Sessions++
		if sess, ok := r.store.GetSession(id); ok && sess.Status == StatusActive {
			c.ActiveSessions++
		}
	}
	c.Queues = len(r.store.ListQueueIDs())
	c.IndexEntries = len(r.store.ListIndexKeys())
	return c
}

func summarizeSession(sess *Session) *SessionSummary {
	listeners := make([]string, 0, len(sess.attached))
	for id := range sess.attached {
		listeners = append(listeners, id)
	}
	sort.Strings(listeners)
	return &SessionSummary{
		SessionID:      sess.ID,
		ChannelKey:     sess.ChannelKey,
		ProducerID:     sess.ProducerID,
		ConsumerID:     sess.ConsumerID,
		Status:         sess.Status,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
		FrameCount:     sess.FrameCount,
		RecentFrames:   sess.recent.len(),
		Listeners:      listeners,
	}
}

func summarizeQueue(q *SubscriberQueue) *QueueSummary {
	return &QueueSummary{
		ConsumerID:     q.ConsumerID,
		SessionID:      q.SessionID,
		ChannelKey:     q.ChannelKey,
		Status:         q.Status,
		Pending:        q.pending.len(),
		CreatedAt:      q.CreatedAt,
		LastPollAt:     q.LastPollAt,
		TotalDelivered: q.TotalDelivered,
		TotalDropped:   q.TotalDropped,
	}
}
