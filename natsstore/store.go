package natsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/martinemde/tandem/agentloop"
)

const (
	streamName    = "tandem"
	subjectRoot   = "tandem"
	kindTurns     = "turns"
	kindEvents    = "events"
	fetchBatch    = 1000
	defaultMaxAge = 30 * 24 * time.Hour
)

// TurnsSubject is the subject committed turns of a session are stored on.
// Example: "tandem.3f2a.turns"
func TurnsSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s.%s", subjectRoot, sessionID, kindTurns)
}

// EventsSubject is the subject lifecycle events of a session are mirrored to.
func EventsSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s.%s", subjectRoot, sessionID, kindEvents)
}

// ValidateSessionID rejects ids that are not a single subject token.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id is empty")
	}
	if strings.ContainsAny(id, ".*> \t\r\n") {
		return fmt.Errorf("session id %q is not a valid subject token", id)
	}
	return nil
}

// SetupStream creates or updates the stream holding every tandem subject.
// A zero maxAge keeps messages for thirty days.
func SetupStream(ctx context.Context, js jetstream.JetStream, maxAge time.Duration) (jetstream.Stream, error) {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectRoot + ".>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   maxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up stream: %w", err)
	}
	return stream, nil
}

// Store is the JetStream implementation of agentloop.SessionStore. Every
// committed turn is one message on the session's turns subject, so a
// session replays in commit order.
type Store struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	logger *slog.Logger
}

var _ agentloop.SessionStore = (*Store)(nil)

// NewStore wraps a JetStream context and the stream from SetupStream.
func NewStore(js jetstream.JetStream, stream jetstream.Stream, logger *slog.Logger) *Store {
	return &Store{js: js, stream: stream, logger: orDiscard(logger)}
}

// AppendTurn publishes turn and waits for the stream to acknowledge it.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn agentloop.Turn) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encoding turn: %w", err)
	}
	ack, err := s.js.Publish(ctx, TurnsSubject(sessionID), data)
	if err != nil {
		return fmt.Errorf("publishing turn for session %s: %w", sessionID, err)
	}
	s.logger.Debug("turn stored", "session", sessionID, "kind", turn.Kind, "seq", ack.Sequence)
	return nil
}

// LoadSession reads every stored turn of a session in order. A session
// with no turns is reported as agentloop.ErrSessionNotFound.
func (s *Store) LoadSession(ctx context.Context, sessionID string) ([]agentloop.Turn, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	var turns []agentloop.Turn
	err := s.fetchAll(ctx, TurnsSubject(sessionID), func(data []byte) error {
		var turn agentloop.Turn
		if err := json.Unmarshal(data, &turn); err != nil {
			return err
		}
		turns = append(turns, turn)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("%w: %s", agentloop.ErrSessionNotFound, sessionID)
	}
	return turns, nil
}

// LoadEvents reads the mirrored lifecycle events of a session in order.
func (s *Store) LoadEvents(ctx context.Context, sessionID string) ([]agentloop.Event, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	var events []agentloop.Event
	err := s.fetchAll(ctx, EventsSubject(sessionID), func(data []byte) error {
		var ev agentloop.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	})
	return events, err
}

// SessionSummary describes one stored session.
type SessionSummary struct {
	ID    string
	Turns uint64
}

// ListSessions returns every session that has stored turns, sorted by id.
func (s *Store) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	info, err := s.stream.Info(ctx, jetstream.WithSubjectFilter(TurnsSubject("*")))
	if err != nil {
		return nil, fmt.Errorf("reading stream info: %w", err)
	}
	out := make([]SessionSummary, 0, len(info.State.Subjects))
	for subject, n := range info.State.Subjects {
		parts := strings.Split(subject, ".")
		if len(parts) != 3 {
			continue
		}
		out = append(out, SessionSummary{ID: parts[1], Turns: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// fetchAll drains subject from the start through an ephemeral consumer.
// Messages fn cannot decode are logged and skipped.
func (s *Store) fetchAll(ctx context.Context, subject string, fn func([]byte) error) error {
	consumer, err := s.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return fmt.Errorf("creating consumer for %s: %w", subject, err)
	}
	defer func() {
		name := consumer.CachedInfo().Name
		if err := s.stream.DeleteConsumer(context.WithoutCancel(ctx), name); err != nil {
			s.logger.Debug("deleting consumer", "consumer", name, "error", err)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := consumer.FetchNoWait(fetchBatch)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", subject, err)
		}
		n := 0
		for msg := range batch.Messages() {
			n++
			if err := fn(msg.Data()); err != nil {
				seq := uint64(0)
				if meta, merr := msg.Metadata(); merr == nil {
					seq = meta.Sequence.Stream
				}
				s.logger.Warn("skipping malformed message", "subject", subject, "seq", seq, "error", err)
			}
			_ = msg.Ack()
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			return fmt.Errorf("fetching %s: %w", subject, err)
		}
		if n < fetchBatch {
			return nil
		}
	}
}
