package natsstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/martinemde/tandem/agentloop"
	"github.com/martinemde/tandem/eventbus"
)

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	// IncludeStream also mirrors per-token stream events.
	IncludeStream bool
	// Buffer is the number of events held while JetStream catches up.
	Buffer int
	Logger *slog.Logger
}

// Forwarder mirrors bus events onto each session's events subject. Bus
// publishers never wait on JetStream; when the buffer is full events are
// dropped and counted.
type Forwarder struct {
	js     jetstream.JetStream
	sub    *eventbus.ChannelSubscriber[agentloop.Event]
	cfg    ForwarderConfig
	logger *slog.Logger
	wg     sync.WaitGroup

	mu        sync.Mutex
	published int
	failed    int
}

// NewForwarder subscribes to bus and starts publishing. Close stops it.
func NewForwarder(ctx context.Context, js jetstream.JetStream, bus *agentloop.Bus, cfg ForwarderConfig) *Forwarder {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	f := &Forwarder{
		js:     js,
		sub:    eventbus.Channel(bus, cfg.Buffer),
		cfg:    cfg,
		logger: orDiscard(cfg.Logger),
	}
	f.wg.Add(1)
	go f.run(ctx)
	return f
}

func (f *Forwarder) run(ctx context.Context) {
	defer f.wg.Done()
	for ev := range f.sub.Events() {
		if ev.Kind == agentloop.EventStream && !f.cfg.IncludeStream {
			continue
		}
		f.publish(ctx, ev)
	}
}

func (f *Forwarder) publish(ctx context.Context, ev agentloop.Event) {
	if err := ValidateSessionID(ev.SessionID); err != nil {
		f.fail("skipping event", ev, err)
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		f.fail("encoding event", ev, err)
		return
	}
	if _, err := f.js.Publish(context.WithoutCancel(ctx), EventsSubject(ev.SessionID), data); err != nil {
		f.fail("publishing event", ev, err)
		return
	}
	f.mu.Lock()
	f.published++
	f.mu.Unlock()
}

func (f *Forwarder) fail(msg string, ev agentloop.Event, err error) {
	f.logger.Warn(msg, "kind", ev.Kind, "session", ev.SessionID, "error", err)
	f.mu.Lock()
	f.failed++
	f.mu.Unlock()
}

// Close unsubscribes and waits until buffered events are published.
func (f *Forwarder) Close() {
	f.sub.Close()
	f.wg.Wait()
}

// Stats reports published, failed and dropped event counts.
func (f *Forwarder) Stats() (published, failed, dropped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published, f.failed, f.sub.Dropped()
}
