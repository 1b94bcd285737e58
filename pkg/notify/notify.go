// Package notify delivers human-readable trading events to chat and message
// bus sinks without ever blocking the trading loop.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Kind string

const (
	KindStartup   Kind = "startup"
	KindPairFound Kind = "pair_found"
	KindSignal    Kind = "signal"
	KindOrder     Kind = "order"
	KindEntry     Kind = "entry"
	KindExit      Kind = "exit"
	KindError     Kind = "error"
)

var kindEmoji = map[Kind]string{
	KindStartup:   "🤖",
	KindPairFound: "🔗",
	KindSignal:    "📶",
	KindOrder:     "✅",
	KindEntry:     "🚀",
	KindExit:      "⚡",
	KindError:     "❌",
}

type Event struct {
	Kind    Kind              `json:"kind"`
	Pair    string            `json:"pair,omitempty"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Time    time.Time         `json:"time"`
}

// Text renders the event as a single plain-text line.
func (e Event) Text() string {
	var b strings.Builder
	b.WriteString(kindEmoji[e.Kind])
	b.WriteString(" ")
	b.WriteString(strings.ToUpper(string(e.Kind)))
	if e.Pair != "" {
		b.WriteString(" ")
		b.WriteString(e.Pair)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " | %s: %s", k, e.Fields[k])
	}
	return b.String()
}

// Notifier accepts events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Dispatcher queues events and fans them out to every sink from a single
// goroutine. When the queue is full new events are dropped.
type Dispatcher struct {
	sinks   []Sink
	logger  *logrus.Logger
	queue   chan Event
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
}

func NewDispatcher(logger *logrus.Logger, buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		sinks:   sinks,
		logger:  logger,
		queue:   make(chan Event, buffer),
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Notify(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- e:
	default:
		d.logger.WithField("kind", e.Kind).Warn("Notification queue full, dropping event")
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		for _, sink := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := sink.Send(ctx, e); err != nil {
				d.logger.WithError(err).WithField("sink", sink.Name()).Error("Failed to deliver notification")
			}
			cancel()
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		<-d.done
	})
}

// LogSink writes events to the logger.
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Send(ctx context.Context, e Event) error {
	entry := l.logger.WithFields(logrus.Fields{"kind": e.Kind, "pair": e.Pair})
	for k, v := range e.Fields {
		entry = entry.WithField(k, v)
	}
	if e.Kind == KindError {
		entry.Warn(e.Message)
	} else {
		entry.Info(e.Message)
	}
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(Event) {}
