package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/wzp-123777/Mul-in-ONE/ai/internal/strutil"
	"github.com/wzp-123777/Mul-in-ONE/ai/metrics"
	"github.com/wzp-123777/Mul-in-ONE/store"
)

// subscriberQueueSize bounds each subscriber's event queue. A subscriber
// that falls this far behind is disconnected rather than blocking the
// worker.
const subscriberQueueSize = 256

// Adapter bridges the session worker with runtime execution. The returned
// channel closes when the turn finishes; the worker enriches and fans out
// every event it carries.
type Adapter interface {
	InvokeStream(ctx context.Context, sess *store.Session, msg *Message) (<-chan StreamEvent, error)
}

// Subscription is one subscriber's view of a session's event stream.
type Subscription struct {
	C       <-chan StreamEvent
	runtime *Runtime
	ch      chan StreamEvent
	once    sync.Once
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.runtime.unsubscribe(s.ch)
	})
}

// tracker follows one sender's in-flight message within a turn.
type tracker struct {
	id     string
	buffer strings.Builder
}

// Runtime is the long-lived worker owning one session: it drains the
// inbound queue, runs turns through the adapter and broadcasts events.
type Runtime struct {
	adapter      Adapter
	store        *store.Store
	historyLimit int

	mu          sync.Mutex
	session     *store.Session
	queue       chan *Message
	subscribers map[chan StreamEvent]struct{}
	cancel      context.CancelFunc
	running     bool

	streaming atomic.Bool
}

// newRuntime builds a stopped runtime; the service starts it on demand.
func newRuntime(sess *store.Session, adapter Adapter, st *store.Store, historyLimit int) *Runtime {
	return &Runtime{
		adapter:      adapter,
		store:        st,
		historyLimit: historyLimit,
		session:      sess,
		queue:        make(chan *Message, 1024),
		subscribers:  map[chan StreamEvent]struct{}{},
	}
}

// Start launches the worker goroutine if it is not running.
func (r *Runtime) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true
	go r.workerLoop(ctx)
}

// Stop cancels the worker. Queued messages stay queued until restart.
func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.running = false
}

// ForceStop flushes a session.stopped to all subscribers and cancels the
// worker. Tokens still in flight are discarded.
func (r *Runtime) ForceStop(reason string) {
	if reason == "" {
		reason = ReasonForceStop
	}
	r.publish(StreamEvent{
		Event: EventSessionStopped,
		Data: map[string]any{
			"session_id": r.sessionID(),
			"reason":     reason,
			"timestamp":  nowISO(),
		},
	})
	r.Stop()
	r.streaming.Store(false)
}

// IsStreaming reports whether a turn is in flight.
func (r *Runtime) IsStreaming() bool {
	return r.streaming.Load()
}

// Enqueue pushes a message onto the worker's queue.
func (r *Runtime) Enqueue(msg *Message) {
	r.queue <- msg
}

// setSession refreshes the session snapshot used for subsequent turns.
func (r *Runtime) setSession(sess *store.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = sess
}

func (r *Runtime) sessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.ID
}

func (r *Runtime) snapshot() *store.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Subscribe attaches a new subscriber. Events are not replayed.
func (r *Runtime) Subscribe() *Subscription {
	ch := make(chan StreamEvent, subscriberQueueSize)
	r.mu.Lock()
	r.subscribers[ch] = struct{}{}
	r.mu.Unlock()
	return &Subscription{C: ch, runtime: r, ch: ch}
}

func (r *Runtime) unsubscribe(ch chan StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[ch]; ok {
		delete(r.subscribers, ch)
		close(ch)
	}
}

// publish fans an event out to every subscriber. A full queue drops the
// oldest event and disconnects the laggard; the worker never blocks.
func (r *Runtime) publish(event StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	metrics.EventsPublished.WithLabelValues(event.Event).Inc()
	for ch := range r.subscribers {
		select {
		case ch <- event:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
		default:
		}
		slog.Warn("subscriber too slow, disconnecting", "session_id", r.session.ID)
		delete(r.subscribers, ch)
		close(ch)
	}
}

func (r *Runtime) workerLoop(ctx context.Context) {
	slog.Debug("session worker started", "session_id", r.sessionID())
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.queue:
			r.processMessage(ctx, msg)
		}
	}
}

func (r *Runtime) processMessage(ctx context.Context, msg *Message) {
	sess := r.snapshot()
	events, err := r.adapter.InvokeStream(ctx, sess, msg)
	if err != nil {
		slog.Error("adapter invoke failed", "session_id", sess.ID, "error", err)
		return
	}

	metrics.TurnsStarted.Inc()
	r.streaming.Store(true)
	defer r.streaming.Store(false)

	trackers := map[string]*tracker{}
	for event := range events {
		// A cancelled turn still drains the adapter, but its late events
		// are orphaned: subscribers already saw session.stopped.
		if ctx.Err() != nil {
			continue
		}
		r.handleAdapterEvent(ctx, sess.ID, event, trackers)
	}

	// Flush trackers that never saw an explicit agent.end: synthesize one
	// from the buffered chunks so invariant holds for every agent.start.
	if ctx.Err() != nil {
		return
	}
	for sender, tr := range trackers {
		content := tr.buffer.String()
		data := map[string]any{
			"session_id": sess.ID,
			"sender":     sender,
			"message_id": tr.id,
			"content":    content,
			"timestamp":  nowISO(),
		}
		if content != "" {
			if persisted := r.persist(ctx, sess.ID, sender, content); persisted != "" {
				data["persisted_message_id"] = persisted
			}
		}
		r.publish(StreamEvent{Event: EventAgentEnd, Data: data})
	}
}

// handleAdapterEvent enriches a raw adapter event with the message id,
// session id and timestamps, persists terminal messages, and broadcasts.
func (r *Runtime) handleAdapterEvent(ctx context.Context, sessionID string, event StreamEvent, trackers map[string]*tracker) {
	data := make(map[string]any, len(event.Data)+3)
	for k, v := range event.Data {
		data[k] = v
	}
	data["session_id"] = sessionID

	sender, _ := data["sender"].(string)
	switch event.Event {
	case EventAgentStart, EventAgentChunk, EventAgentEnd:
		if sender == "" {
			return
		}
		tr, ok := trackers[sender]
		if !ok {
			tr = &tracker{id: agentMessageID(sender)}
			trackers[sender] = tr
		}
		data["message_id"] = tr.id

		switch event.Event {
		case EventAgentStart:
			data["timestamp"] = nowISO()
		case EventAgentChunk:
			content, _ := data["content"].(string)
			tr.buffer.WriteString(content)
		case EventAgentEnd:
			content, _ := data["content"].(string)
			if content == "" {
				content = tr.buffer.String()
				data["content"] = content
			}
			data["timestamp"] = nowISO()
			if content != "" {
				if persisted := r.persist(ctx, sessionID, sender, content); persisted != "" {
					data["persisted_message_id"] = persisted
				}
			}
			delete(trackers, sender)
		}
	case EventSessionStopped:
		if _, ok := data["timestamp"]; !ok {
			data["timestamp"] = nowISO()
		}
	}

	r.publish(StreamEvent{Event: event.Event, Data: data})
}

// persist appends an agent message to the store. Failures are logged and
// the event still reaches subscribers.
func (r *Runtime) persist(ctx context.Context, sessionID, sender, content string) string {
	msg := &store.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		SenderType: store.SenderTypeAgent,
		Sender:     sender,
		Content:    content,
		CreatedTs:  time.Now().Unix(),
	}
	if _, err := r.store.AddMessage(ctx, msg); err != nil {
		slog.Error("failed to persist agent message",
			"session_id", sessionID, "sender", sender, "error", err)
		return ""
	}
	slog.Debug("persisted agent message",
		"session_id", sessionID, "sender", sender,
		"preview", strutil.Truncate(content, 64))
	return msg.ID
}

// agentMessageID builds the per-(sender, turn) id, e.g. "ada_1f2e3d4c".
// Letters and digits in any script survive, so CJK persona names keep
// their prefix.
func agentMessageID(sender string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(sender) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	safe := strings.Trim(b.String(), "_")
	if safe == "" {
		safe = "agent"
	}
	return safe + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
