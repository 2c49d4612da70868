package workers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/stream"
)

// Fanout pushes decoded pipeline events to this process's live sockets.
// Implemented by the hub.
type Fanout interface {
	DeliverMessage(ctx context.Context, ev *domain.MessageEvent)
	DeliverStatus(ctx context.Context, ev *domain.StatusEvent)
	DeliverConversation(ctx context.Context, ev *domain.ConversationEvent)
	DeliverUser(ctx context.Context, ev *domain.UserEvent)
	DeliverFile(ctx context.Context, ev *domain.FileEvent)
}

// Dispatcher tails the events:* streams and fans each record out to the
// local hub. Unlike the retry and fallback workers, every process runs
// its own consumer group (dispatch-{processID}) so every process sees
// every event: delivery is fan-out, not work-sharing.
type Dispatcher struct {
	streams Streams
	fanout  Fanout
	tally   *Tally
	logger  zerolog.Logger

	group    string
	consumer string
	batch    int64
	block    time.Duration
}

// NewDispatcher builds the per-process event dispatcher.
func NewDispatcher(streams Streams, fanout Fanout, tally *Tally, processID string, batch int64, block time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		streams:  streams,
		fanout:   fanout,
		tally:    tally,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		group:    "dispatch-" + processID,
		consumer: processID + "-dispatch",
		batch:    batch,
		block:    block,
	}
}

func (d *Dispatcher) Name() string { return "dispatcher" }

// Run tails every event stream in turn. The per-process group starts at
// $ so a restarted process does not replay events its sockets are gone
// for anyway. The group is destroyed on the way out: a per-process group
// left behind would accumulate unread entries forever.
func (d *Dispatcher) Run(ctx context.Context) error {
	eventStreams := []string{
		stream.EventsMessages,
		stream.EventsStatus,
		stream.EventsConversations,
		stream.EventsFiles,
		stream.EventsUsers,
	}
	defer d.dropGroups(eventStreams)

	for {
		if ctx.Err() != nil {
			return nil
		}
		// Short block per stream keeps the round-robin responsive.
		block := d.block / time.Duration(len(eventStreams))
		if block < 100*time.Millisecond {
			block = 100 * time.Millisecond
		}
		for _, s := range eventStreams {
			if ctx.Err() != nil {
				return nil
			}
			recs, err := d.streams.ReadGroup(ctx, s, d.group, d.consumer, d.batch, block, false)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			for _, rec := range recs {
				d.deliver(ctx, s, rec)
				if err := d.streams.Ack(ctx, s, d.group, rec.StreamID); err != nil {
					d.logger.Warn().Str("stream", s).Str("id", rec.StreamID).Err(err).Msg("Failed to ack event")
				}
			}
		}
	}
}

// dropGroups removes this process's consumer group from every event
// stream. The run context is usually cancelled by the time this runs, so
// the cleanup gets its own deadline.
func (d *Dispatcher) dropGroups(eventStreams []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range eventStreams {
		if err := d.streams.DestroyGroup(ctx, s, d.group); err != nil {
			d.logger.Warn().Str("stream", s).Str("group", d.group).Err(err).Msg("Failed to drop dispatch group")
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s string, rec domain.StreamRecord) {
	var err error
	switch rec.Kind {
	case domain.KindEventMessage:
		var ev domain.MessageEvent
		if err = json.Unmarshal(rec.Payload, &ev); err == nil {
			d.fanout.DeliverMessage(ctx, &ev)
		}
	case domain.KindEventStatus:
		var ev domain.StatusEvent
		if err = json.Unmarshal(rec.Payload, &ev); err == nil {
			d.fanout.DeliverStatus(ctx, &ev)
		}
	case domain.KindEventConversation:
		var ev domain.ConversationEvent
		if err = json.Unmarshal(rec.Payload, &ev); err == nil {
			d.fanout.DeliverConversation(ctx, &ev)
		}
	case domain.KindEventUser:
		var ev domain.UserEvent
		if err = json.Unmarshal(rec.Payload, &ev); err == nil {
			d.fanout.DeliverUser(ctx, &ev)
		}
	case domain.KindEventFile:
		var ev domain.FileEvent
		if err = json.Unmarshal(rec.Payload, &ev); err == nil {
			d.fanout.DeliverFile(ctx, &ev)
		}
	default:
		d.logger.Warn().Str("stream", s).Str("kind", string(rec.Kind)).Msg("Unknown event kind")
		return
	}
	if err != nil {
		d.tally.Fail(err)
		d.logger.Error().Str("stream", s).Str("id", rec.StreamID).Err(err).Msg("Undecodable event payload")
		return
	}
	d.tally.Done(1)
}
