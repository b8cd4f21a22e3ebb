package store

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/lane"
)

// noCtx is used for metric recording on paths that have no request context.
var noCtx = context.Background()

func statusAttr(s lane.Status) attribute.KeyValue {
	return attribute.String("status", string(s))
}

// subscriber is one registered event callback. An empty manifestID means
// the subscription is global.
type subscriber struct {
	manifestID string
	fn         func(lane.Event)
}

// Subscribe registers a callback for events. manifestID scopes delivery to
// one manifest; pass "" for a global subscription. The returned function
// unsubscribes; it is safe to call more than once.
func (s *Store) Subscribe(manifestID string, fn func(lane.Event)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &subscriber{manifestID: manifestID, fn: fn}
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// publish delivers an event synchronously to every matching subscriber.
// Delivery happens after the described mutation is committed and before
// the mutating call returns. A panicking subscriber is recovered so it
// cannot break delivery to the others.
func (s *Store) publish(ev lane.Event) {
	s.subMu.RLock()
	targets := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.manifestID == "" || sub.manifestID == eventManifestID(ev) {
			targets = append(targets, sub)
		}
	}
	s.subMu.RUnlock()

	for _, sub := range targets {
		s.deliver(sub, ev)
	}

	if s.eventsTotal != nil {
		s.eventsTotal.Add(noCtx, int64(len(targets)),
			metric.WithAttributes(attribute.String("kind", string(ev.Kind()))))
	}
}

func (s *Store) deliver(sub *subscriber, ev lane.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("subscriber panicked",
				zap.String("event", string(ev.Kind())),
				zap.Any("panic", r))
		}
	}()
	sub.fn(ev)
}

// eventManifestID extracts the manifest scope of an event.
func eventManifestID(ev lane.Event) string {
	switch e := ev.(type) {
	case lane.ManifestCreated:
		return e.ManifestID
	case lane.ManifestCompleted:
		return e.ManifestID
	case lane.LaneCreated:
		return e.ManifestID
	case lane.LaneTransitioned:
		return e.ManifestID
	case lane.ArtifactAttached:
		return e.ManifestID
	default:
		return ""
	}
}
