package relay

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Defaults applied by NewService to zero-valued Options fields.
const (
	DefaultMaxFrameBytes  = 1 << 20
	DefaultSessionTimeout = 5 * time.Minute
	DefaultGracePeriod    = 5 * time.Second
)

// Options configures the relay.
type Options struct {
	RingCapacity   int
	QueueCapacity  int
	MaxFrameBytes  int
	SessionTimeout time.Duration
	GracePeriod    time.Duration
	Clock          Clock
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		RingCapacity:   DefaultRingCapacity,
		QueueCapacity:  DefaultQueueCapacity,
		MaxFrameBytes:  DefaultMaxFrameBytes,
		SessionTimeout: DefaultSessionTimeout,
		GracePeriod:    DefaultGracePeriod,
		Clock:          SystemClock{},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RingCapacity <= 0 {
		o.RingCapacity = d.RingCapacity
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = d.QueueCapacity
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = d.MaxFrameBytes
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = d.SessionTimeout
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = d.GracePeriod
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}

// SweepResult counts what one reaper pass evicted.
type SweepResult struct {
	Sessions int
	Queues   int
	Index    int
}

// Total returns the number of evicted entries.
func (r SweepResult) Total() int { return r.Sessions + r.Queues + r.Index }

// Service is the relay's public surface. It validates input, mints ids,
// owns deferred teardown timers, and delegates every state change to the
// Repository.
type Service struct {
	repo  Repository
	opts  Options
	clock Clock
	log   *slog.Logger

	mu     sync.Mutex
	timers map[SessionID]Timer
	closed bool
}

// NewService returns a Service over repo. Zero-valued option fields take
// their defaults; a nil logger discards output.
func NewService(repo Repository, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts = opts.withDefaults()
	return &Service{
		repo:   repo,
		opts:   opts,
		clock:  opts.Clock,
		log:    log,
		timers: make(map[SessionID]Timer),
	}
}

// Options returns the effective configuration.
func (s *Service) Options() Options { return s.opts }

// StartSession starts a broadcast on channel key from producerID to
// consumerID and returns its id. An active broadcast on the same channel
// is superseded.
func (s *Service) StartSession(key ChannelKey, producerID, consumerID string) (SessionID, error) {
	const op = "StartSession"
	switch {
	case key == "":
		return "", invalidArgument(op, "tourId is required")
	case producerID == "":
		return "", invalidArgument(op, "adminId is required")
	case consumerID == "":
		return "", invalidArgument(op, "driverId is required")
	}

	id := SessionID(uuid.NewString())
	superseded := s.repo.StartSession(id, key, producerID, consumerID, s.clock.Now())
	if superseded != "" {
		s.log.Info("broadcast superseded",
			slog.String("channel", string(key)),
			slog.String("session_id", string(superseded)),
			slog.String("replaced_by", string(id)))
		s.scheduleTeardown(superseded)
	}

	s.log.Info("broadcast started",
		slog.String("channel", string(key)),
		slog.String("session_id", string(id)),
		slog.String("producer", producerID),
		slog.String("consumer", consumerID))
	return id, nil
}

// PushFrame relays one payload from the producer of session id.
func (s *Service) PushFrame(id SessionID, payload []byte, mimeType string) (PushResult, error) {
	const op = "PushFrame"
	if id == "" {
		return PushResult{}, invalidArgument(op, "sessionId is required")
	}
	if len(payload) == 0 {
		return PushResult{}, invalidArgument(op, "audioData is required")
	}
	if len(payload) > s.opts.MaxFrameBytes {
		return PushResult{}, newError(CodeInvalidArgument, op, "payload exceeds maximum frame size", ErrFrameTooLarge)
	}
	if mimeType == "" {
		mimeType = DefaultMimeType
	}

	now := s.clock.Now()
	data := make([]byte, len(payload))
	copy(data, payload)

	res, err := s.repo.AppendFrame(id, ulid.Make().String(), data, mimeType, now)
	if err != nil {
		return PushResult{}, err
	}
	s.log.Debug("frame pushed",
		slog.String("session_id", string(id)),
		slog.String("frame_id", res.FrameID),
		slog.Int("bytes", len(data)),
		slog.Int("queue_size", res.QueueSize))
	if res.Dropped > 0 {
		s.log.Debug("queue overflow, oldest frames dropped",
			slog.String("session_id", string(id)),
			slog.Int("dropped", res.Dropped))
	}
	return res, nil
}

// PullFrames drains everything pending for consumerID. A consumer with no
// queue joins the channel's live broadcast, if any. An empty key follows the
// channel the consumer is already bound to. It never blocks.
func (s *Service) PullFrames(consumerID string, key ChannelKey) (PullResult, error) {
	const op = "PullFrames"
	if consumerID == "" {
		return PullResult{}, invalidArgument(op, "driverId is required")
	}

	res := s.repo.Pull(consumerID, key, s.clock.Now())
	if res.LateJoin {
		s.log.Info("consumer joined broadcast",
			slog.String("consumer", consumerID),
			slog.String("channel", string(key)),
			slog.String("session_id", string(res.SessionID)))
	}
	if len(res.Frames) > 0 {
		s.log.Debug("frames delivered",
			slog.String("consumer", consumerID),
			slog.String("session_id", string(res.SessionID)),
			slog.Int("count", len(res.Frames)))
	}
	return res, nil
}

// StopSession stops a broadcast identified by id or, when id is empty or
// unknown, by channel key. Records are removed after the grace period.
// stopped is false when the broadcast was already stopping or stopped.
func (s *Service) StopSession(id SessionID, key ChannelKey) (resolved SessionID, stopped bool, err error) {
	const op = "StopSession"
	if id == "" && key == "" {
		return "", false, invalidArgument(op, "sessionId or tourId is required")
	}

	resolved, stopped, err = s.repo.Stop(id, key)
	if err != nil {
		return "", false, err
	}
	if stopped {
		s.log.Info("broadcast stopping",
			slog.String("session_id", string(resolved)),
			slog.Duration("grace", s.opts.GracePeriod))
		s.scheduleTeardown(resolved)
	}
	return resolved, stopped, nil
}

// GetStatus returns a read-only snapshot. Any of the three keys may be empty.
func (s *Service) GetStatus(key ChannelKey, id SessionID, consumerID string) StatusSnapshot {
	snap := s.repo.Snapshot(key, id, consumerID)
	s.mu.Lock()
	snap.Counts.PendingTimers = len(s.timers)
	s.mu.Unlock()
	return snap
}

// ActiveBroadcasts lists live broadcasts.
func (s *Service) ActiveBroadcasts() []BroadcastInfo {
	return s.repo.ActiveBroadcasts()
}

// ForceAttach binds consumerID directly to session id, bypassing channel
// discovery. It is meant for recovery tooling.
func (s *Service) ForceAttach(consumerID string, id SessionID) error {
	const op = "ForceAttach"
	if consumerID == "" {
		return invalidArgument(op, "driverId is required")
	}
	if id == "" {
		return invalidArgument(op, "sessionId is required")
	}
	if err := s.repo.Attach(consumerID, id, s.clock.Now()); err != nil {
		return err
	}
	s.log.Warn("consumer force-attached",
		slog.String("consumer", consumerID),
		slog.String("session_id", string(id)))
	return nil
}

// Sweep evicts every session, queue and index entry idle for longer than the
// session timeout as of now. Candidates are collected first and each is
// evicted under its own short critical section.
func (s *Service) Sweep(now time.Time) SweepResult {
	cutoff := now.Add(-s.opts.SessionTimeout)
	c := s.repo.StaleCandidates(cutoff)

	var res SweepResult
	for _, id := range c.Sessions {
		if s.repo.EvictSessionIfStale(id, cutoff) {
			s.cancelTeardown(id)
			res.Sessions++
			s.log.Info("session evicted", slog.String("session_id", string(id)))
		}
	}
	for _, consumerID := range c.Queues {
		if s.repo.EvictQueueIfStale(consumerID, cutoff) {
			res.Queues++
			s.log.Info("queue evicted", slog.String("consumer", consumerID))
		}
	}
	for _, key := range c.Index {
		if s.repo.EvictIndexIfOrphaned(key) {
			res.Index++
			s.log.Info("index entry evicted", slog.String("channel", string(key)))
		}
	}
	return res
}

// Shutdown cancels all pending teardown timers. The stores stay readable.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Service) scheduleTeardown(id SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if _, ok := s.timers[id]; ok {
		return
	}
	s.timers[id] = s.clock.AfterFunc(s.opts.GracePeriod, func() { s.teardown(id) })
}

func (s *Service) teardown(id SessionID) {
	s.mu.Lock()
	delete(s.timers, id)
	s.mu.Unlock()

	if s.repo.Teardown(id) {
		s.log.Info("broadcast removed", slog.String("session_id", string(id)))
	}
}

func (s *Service) cancelTeardown(id SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}
