package relay

import "time"

// SessionID uniquely identifies a broadcast session.
type SessionID string

// ChannelKey is the discovery key (tour identifier) consumers use to find
// the active session without knowing its id.
type ChannelKey string

// Status is the lifecycle state reported for sessions and queues.
type Status string

const (
	StatusActive   Status = "active"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	// StatusIdle is reported when nothing resolves for a channel. It is never
	// stored on a session.
	StatusIdle Status = "idle"
)

// DefaultMimeType is used when a producer pushes a frame without a type.
const DefaultMimeType = "audio/webm"

// Frame is one relayed audio chunk. Frames are immutable once created and
// are shared by pointer between a session ring and subscriber queues.
type Frame struct {
	ID         string    `json:"chunkId"`
	SessionID  SessionID `json:"sessionId"`
	Seq        int64     `json:"seq"`
	Payload    []byte    `json:"data"`
	MimeType   string    `json:"mimeType"`
	CapturedAt time.Time `json:"capturedAt"`
}

// clone returns a copy of f that shares no memory with it.
func (f *Frame) clone() *Frame {
	cp := *f
	cp.Payload = append([]byte(nil), f.Payload...)
	return &cp
}

// Session is the authoritative state of one producer-to-consumer broadcast.
type Session struct {
	ID             SessionID
	ChannelKey     ChannelKey
	ProducerID     string
	ConsumerID     string
	Status         Status
	CreatedAt      time.Time
	LastActivityAt time.Time
	FrameCount     int64

	recent   *frameRing
	attached map[string]struct{} // consumer ids with a queue bound here
}

// SubscriberQueue is a consumer's inbox of frames not yet delivered.
type SubscriberQueue struct {
	ConsumerID     string
	SessionID      SessionID
	ChannelKey     ChannelKey
	Status         Status
	CreatedAt      time.Time
	LastPollAt     time.Time
	TotalDelivered int64
	TotalDropped   int64

	pending *frameRing
}

// IndexEntry points a channel at its current session. The session it
// references is always authoritative.
type IndexEntry struct {
	ChannelKey ChannelKey `json:"tourId"`
	SessionID  SessionID  `json:"sessionId"`
	ProducerID string     `json:"adminId"`
	ConsumerID string     `json:"driverId"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"startTime"`
}

// PushResult is returned by PushFrame.
type PushResult struct {
	FrameID   string
	QueueSize int
	Dropped   int
}

// PullResult is returned by PullFrames. Status is StatusIdle with an empty
// SessionID when no broadcast is live for the channel.
type PullResult struct {
	Frames    []*Frame
	Status    Status
	SessionID SessionID
	LateJoin  bool
}

// SessionSummary is a read-only view of a Session.
type SessionSummary struct {
	SessionID      SessionID  `json:"sessionId"`
	ChannelKey     ChannelKey `json:"tourId"`
	ProducerID     string     `json:"adminId"`
	ConsumerID     string     `json:"driverId"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"startTime"`
	LastActivityAt time.Time  `json:"lastActivity"`
	FrameCount     int64      `json:"chunkCount"`
	RecentFrames   int        `json:"recentChunks"`
	Listeners      []string   `json:"listeners"`
}

// QueueSummary is a read-only view of a SubscriberQueue.
type QueueSummary struct {
	ConsumerID     string     `json:"driverId"`
	SessionID      SessionID  `json:"sessionId"`
	ChannelKey     ChannelKey `json:"tourId"`
	Status         Status     `json:"status"`
	Pending        int        `json:"queueSize"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastPollAt     time.Time  `json:"lastPoll"`
	TotalDelivered int64      `json:"totalDelivered"`
	TotalDropped   int64      `json:"totalDropped"`
}

// Counts aggregates store sizes.
type Counts struct {
	Sessions       int `json:"sessions"`
	ActiveSessions int `json:"activeSessions"`
	Queues         int `json:"queues"`
	IndexEntries   int `json:"broadcasts"`
	PendingTimers  int `json:"pendingCleanups"`
}

// StatusSnapshot is the composite returned by GetStatus.
type StatusSnapshot struct {
	Session *SessionSummary `json:"session"`
	Queue   *QueueSummary   `json:"queue"`
	Index   *IndexEntry     `json:"broadcast"`
	Counts  Counts          `json:"counts"`
}

// BroadcastInfo describes one live broadcast for discovery listings.
type BroadcastInfo struct {
	ChannelKey ChannelKey `json:"tourId"`
	SessionID  SessionID  `json:"sessionId"`
	ConsumerID string     `json:"driverId"`
	ProducerID string     `json:"adminId"`
	StartedAt  time.Time  `json:"startTime"`
}
