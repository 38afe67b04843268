package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/odvcencio/errand/pkg/bus"
	"github.com/odvcencio/errand/pkg/telemetry"
)

// ChannelSink forwards events to a channel, blocking until the reader takes
// them or ctx ends. The Queue in front of it absorbs the wait.
type ChannelSink chan<- Event

func (c ChannelSink) Deliver(ctx context.Context, ev Event) error {
	select {
	case c <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BusSink publishes events as JSON on the run's progress subject.
type BusSink struct {
	Bus    bus.MessageBus
	Prefix string
}

func (s BusSink) Deliver(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.Bus.Publish(ctx, bus.RunSubject(s.Prefix, ev.RunID, "progress"), data)
}

// HubSink republishes events on the telemetry hub.
type HubSink struct {
	Hub *telemetry.Hub
}

func (s HubSink) Deliver(_ context.Context, ev Event) error {
	data := map[string]any{
		"seq":       ev.Seq,
		"iteration": ev.Iteration,
		"phase":     string(ev.Phase),
	}
	if ev.Tool != "" {
		data["tool"] = ev.Tool
	}
	if ev.Elapsed > 0 {
		data["elapsed_ms"] = ev.Elapsed.Milliseconds()
	}
	if ev.Detail != "" {
		data["detail"] = ev.Detail
	}
	s.Hub.Publish(telemetry.Event{
		Type:           telemetry.EventRunProgress,
		Timestamp:      ev.Time,
		RunID:          ev.RunID,
		ConversationID: ev.ConversationID,
		Data:           data,
	})
	return nil
}

// Multi delivers to every sink, joining their errors.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Deliver(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Deliver(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Decode parses an event published by BusSink.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Line renders ev as a short human-readable status line.
func Line(ev Event) string {
	s := fmt.Sprintf("[%s] iteration %d", ev.Phase, ev.Iteration)
	if ev.Tool != "" {
		s += " " + ev.Tool
	}
	if ev.Elapsed > 0 {
		s += " (" + ev.Elapsed.Round(time.Millisecond).String() + ")"
	}
	if ev.Detail != "" {
		s += ": " + ev.Detail
	}
	return s
}
