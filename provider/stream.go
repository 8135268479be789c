package provider

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"marketstream/health"
	"marketstream/metrics"
	"marketstream/middleware"
	"marketstream/models"
	"marketstream/utils"
)

// Protocol dials one venue and returns a live session.
type Protocol interface {
	Dial(ctx context.Context) (Session, error)
}

// Session is one connected venue socket.
type Session interface {
	Subscribe(keys []string) error
	Unsubscribe(keys []string) error
	// Run decodes inbound frames into sink until the connection fails. It
	// returns nil once ctx is cancelled.
	Run(ctx context.Context, sink Sink) error
	Close() error
}

// Sink receives what a Session decodes.
type Sink interface {
	Trade(Trade)
	// Alive marks non-trade traffic such as pings and acks.
	Alive()
	// Drop records a frame that could not be used.
	Drop(reason string, err error)
}

// Settings tune the connection loop.
type Settings struct {
	BackoffFloor     time.Duration
	BackoffCeiling   time.Duration
	DialTimeout      time.Duration
	HeartbeatTimeout time.Duration
	WatchdogInterval time.Duration
	Clock            health.Clock
}

// USSettings reconnect from 1s up to 30s.
func USSettings() Settings {
	return Settings{
		BackoffFloor:     time.Second,
		BackoffCeiling:   30 * time.Second,
		DialTimeout:      30 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		WatchdogInterval: 10 * time.Second,
	}
}

// IndiaSettings reconnect from 2s up to 60s.
func IndiaSettings() Settings {
	s := USSettings()
	s.BackoffFloor = 2 * time.Second
	s.BackoffCeiling = 60 * time.Second
	return s
}

type nopListener struct{}

func (nopListener) OnTrade(Trade)                 {}
func (nopListener) OnState(models.Provider, bool) {}

// Stream runs a Protocol under the shared reconnect, subscription sync and
// heartbeat watchdog policy.
type Stream struct {
	name     models.Provider
	venue    string
	proto    Protocol
	settings Settings
	log      *zap.SugaredLogger
	tracker  *health.Tracker
	now      health.Clock
	listener Listener

	disabled     atomic.Bool
	disabledWhy  string
	lastActivity atomic.Int64
	resync       chan struct{}

	mu      sync.Mutex
	desired map[string]struct{}
	sent    map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func newStream(name models.Provider, venue string, proto Protocol, settings Settings, log *zap.SugaredLogger) *Stream {
	clock := settings.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Stream{
		name:     name,
		venue:    venue,
		proto:    proto,
		settings: settings,
		log:      log.With("provider", name),
		tracker:  health.NewTracker(name, clock),
		now:      clock,
		listener: nopListener{},
		resync:   make(chan struct{}, 1),
		desired:  make(map[string]struct{}),
		sent:     make(map[string]struct{}),
	}
}

// disableMissingCredentials marks a client that must never start.
func (s *Stream) disableMissingCredentials(what string) {
	s.disabled.Store(true)
	s.disabledWhy = "missing " + what
	s.tracker.SetDisabled(true)
}

func (s *Stream) Name() models.Provider   { return s.name }
func (s *Stream) Venue() string           { return s.venue }
func (s *Stream) Health() *health.Tracker { return s.tracker }
func (s *Stream) Connected() bool         { return s.tracker.Connected() }
func (s *Stream) Disabled() bool          { return s.disabled.Load() }

// SetListener must be called before Start.
func (s *Stream) SetListener(l Listener) {
	if l == nil {
		l = nopListener{}
	}
	s.listener = l
}

func (s *Stream) Start(ctx context.Context) error {
	if s.disabled.Load() {
		if s.disabledWhy != "" {
			s.log.Warnw("Provider not started", "reason", s.disabledWhy)
		}
		return ErrDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	return nil
}

func (s *Stream) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Stream) SetSymbols(keys []string) {
	desired := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			desired[k] = struct{}{}
		}
	}
	s.mu.Lock()
	s.desired = desired
	s.mu.Unlock()

	select {
	case s.resync <- struct{}{}:
	default:
	}
}

// Desired returns the desired key set, sorted.
func (s *Stream) Desired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.desired)
}

func (s *Stream) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := backoff.WithContext(utils.NewExponentialBackoff(s.settings.BackoffFloor, s.settings.BackoffCeiling), ctx)
	for {
		var err error
		if !middleware.Recover(s.log, string(s.name), func() { err = s.serve(ctx, bo) }) {
			err = errors.New("session panicked")
		}
		if ctx.Err() != nil {
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			s.disabled.Store(true)
			s.tracker.SetDisabled(true)
			s.tracker.RecordError(err.Error())
			s.log.Errorw("Provider authentication rejected, disabling until restart", "error", err)
			return
		}

		if err == nil {
			err = errors.New("session ended")
		}
		s.tracker.RecordError(err.Error())
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		metrics.ProviderReconnects.WithLabelValues(string(s.name)).Inc()
		s.log.Warnw("Provider disconnected, reconnecting", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Stream) serve(ctx context.Context, bo backoff.BackOff) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, s.settings.DialTimeout)
	sess, err := s.proto.Dial(dialCtx)
	cancelDial()
	if err != nil {
		return err
	}
	bo.Reset()

	s.mu.Lock()
	s.sent = make(map[string]struct{})
	s.mu.Unlock()
	s.touch()

	sessCtx, stop := context.WithCancel(ctx)
	errc := make(chan error, 1)
	runDone := make(chan struct{})
	defer func() {
		stop()
		sess.Close()
		<-runDone
	}()

	s.setConnected(true)
	defer s.setConnected(false)
	s.log.Infow("Provider connected")

	if err := s.sync(sess, true); err != nil {
		close(runDone)
		return err
	}

	go func() {
		defer close(runDone)
		errc <- sess.Run(sessCtx, streamSink{s})
	}()

	watchdog := time.NewTicker(s.settings.WatchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err == nil {
				err = errors.New("stream closed by peer")
			}
			var te *TransportError
			if !errors.As(err, &te) {
				err = &TransportError{Provider: s.name, Op: "read", Err: err}
			}
			return err
		case <-s.resync:
			if err := s.sync(sess, false); err != nil {
				return err
			}
		case <-watchdog.C:
			if s.silent() {
				s.log.Warnw("No upstream messages, forcing full resubscribe",
					"timeout", s.settings.HeartbeatTimeout)
				if err := s.sync(sess, true); err != nil {
					return err
				}
			}
		}
	}
}

// sync pushes the desired set to the session. A full sync re-sends every
// desired key; otherwise only the difference against what was sent goes out.
func (s *Stream) sync(sess Session, full bool) error {
	s.mu.Lock()
	var add, remove []string
	for k := range s.desired {
		if _, ok := s.sent[k]; full || !ok {
			add = append(add, k)
		}
	}
	for k := range s.sent {
		if _, ok := s.desired[k]; !ok {
			remove = append(remove, k)
		}
	}
	s.mu.Unlock()

	sort.Strings(add)
	sort.Strings(remove)

	if len(remove) > 0 {
		if err := sess.Unsubscribe(remove); err != nil {
			return &TransportError{Provider: s.name, Op: "unsubscribe", Err: err}
		}
	}
	if len(add) > 0 {
		if err := sess.Subscribe(add); err != nil {
			return &TransportError{Provider: s.name, Op: "subscribe", Err: err}
		}
	}

	s.mu.Lock()
	for _, k := range remove {
		delete(s.sent, k)
	}
	for _, k := range add {
		s.sent[k] = struct{}{}
	}
	s.mu.Unlock()

	if full {
		s.touch()
	}
	if len(add)+len(remove) > 0 {
		s.log.Debugw("Subscriptions synced", "added", len(add), "removed", len(remove), "full", full)
	}
	return nil
}

func (s *Stream) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// silent reports a connected session with wanted symbols but no traffic for
// longer than the heartbeat timeout.
func (s *Stream) silent() bool {
	s.mu.Lock()
	wanted := len(s.desired) > 0
	s.mu.Unlock()
	if !wanted {
		return false
	}
	last := time.Unix(0, s.lastActivity.Load())
	return s.now().Sub(last) > s.settings.HeartbeatTimeout
}

func (s *Stream) setConnected(v bool) {
	metrics.SetBool(metrics.ProviderConnected.WithLabelValues(string(s.name)), v)
	if s.tracker.SetConnected(v) {
		s.listener.OnState(s.name, v)
	}
}

type streamSink struct{ s *Stream }

func (k streamSink) Trade(t Trade) {
	s := k.s
	t.Provider = s.name
	if t.LatencyMs == nil && !t.Timestamp.IsZero() {
		lat := float64(s.now().Sub(t.Timestamp).Microseconds()) / 1000
		t.LatencyMs = &lat
	}
	s.tracker.RecordMessage(t.LatencyMs)
	s.touch()
	s.listener.OnTrade(t)
}

func (k streamSink) Alive() {
	k.s.touch()
}

func (k streamSink) Drop(reason string, err error) {
	s := k.s
	metrics.FramesDropped.WithLabelValues(string(s.name), reason).Inc()
	if err != nil {
		s.tracker.RecordError(err.Error())
		s.log.Debugw("Dropped upstream frame", "reason", reason, "error", err)
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
