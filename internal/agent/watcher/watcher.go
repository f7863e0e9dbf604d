// Package watcher turns external stimuli into normalized stock-change jobs.
// Two inlets feed it: signed vendor webhooks dispatched from the HTTP
// boundary, and a timer-driven poll loop that diffs vendor catalogs against a
// cached last-known quantity. Both produce the same normalized event and land
// on the tenant's webhook queue; the sync agent downstream owns dedup and
// application order.
package watcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mkesani1/stockclerk-sub002/internal/adapter/observability"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// ProviderSource builds providers for channels. *channel.Registry satisfies
// it; tests substitute stubs.
type ProviderSource interface {
	// Unconnected returns a provider without credentials, enough for webhook
	// verification and parsing.
	Unconnected(ch domain.Channel) (domain.ChannelProvider, error)
	// ForChannel returns a provider connected with the channel's credentials.
	ForChannel(ctx domain.Context, ch domain.Channel) (domain.ChannelProvider, error)
}

// EventQueue is the slice of the queue port the watcher needs. Inside a
// worker the asynq client serves it; at the HTTP boundary the orchestrator's
// worker-pipe router does, with the shared queue behind it.
type EventQueue interface {
	EnqueueWebhookEvent(ctx domain.Context, ev domain.StockChangeEvent) (string, error)
}

// Outcome labels what the receive pipeline did with one delivery. Used as a
// metric label and echoed in the HTTP response body.
type Outcome string

const (
	OutcomeAccepted       Outcome = "accepted"
	OutcomeMalformed      Outcome = "malformed"
	OutcomeUnknownChannel Outcome = "unknown_channel"
	OutcomeBadSignature   Outcome = "bad_signature"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeFailed         Outcome = "failed"
)

// Receipt reports the pipeline result for one webhook delivery.
type Receipt struct {
	Outcome  Outcome
	TenantID string
	Enqueued int
}

// Receiver is the webhook half of the watcher. It runs in the process that
// terminates vendor HTTP, not in the tenant workers; enqueued jobs cross over
// through the shared queue substrate.
type Receiver struct {
	channels  domain.ChannelRepository
	queue     EventQueue
	providers ProviderSource
	log       *slog.Logger
}

func NewReceiver(channels domain.ChannelRepository, queue EventQueue, providers ProviderSource, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{channels: channels, queue: queue, providers: providers, log: log}
}

// Dispatch runs the receive pipeline for one delivery, strictly ordered:
// parse, resolve, verify, normalize, enqueue. The error class tells the HTTP
// layer which status to answer: ErrInvalidArgument 400, ErrUnauthorized 401,
// anything else still 200 so vendors do not amplify our own failures into
// retry storms.
func (r *Receiver) Dispatch(ctx domain.Context, kind domain.ChannelKind, raw []byte, signature, instanceID string) (rec Receipt, err error) {
	defer func() {
		observability.WebhooksReceivedTotal.WithLabelValues(string(kind), string(rec.Outcome)).Inc()
	}()

	if !kind.Valid() {
		rec.Outcome = OutcomeMalformed
		return rec, fmt.Errorf("op=watcher.Dispatch: %w: unknown channel kind %q", domain.ErrInvalidArgument, kind)
	}
	if !json.Valid(raw) {
		rec.Outcome = OutcomeMalformed
		return rec, fmt.Errorf("op=watcher.Dispatch: %w: body is not JSON", domain.ErrInvalidArgument)
	}

	ch, err := r.channels.FindByInstance(ctx, kind, instanceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Unknown or inactive channel. Swallow: a non-200 would make the
			// vendor retry a delivery nobody can route.
			r.log.Info("webhook for unknown channel dropped",
				slog.String("kind", string(kind)),
				slog.String("instance_id", instanceID))
			rec.Outcome = OutcomeUnknownChannel
			return rec, nil
		}
		rec.Outcome = OutcomeFailed
		return rec, fmt.Errorf("op=watcher.Dispatch: %w", err)
	}
	rec.TenantID = ch.TenantID

	p, err := r.providers.Unconnected(ch)
	if err != nil {
		rec.Outcome = OutcomeFailed
		return rec, fmt.Errorf("op=watcher.Dispatch: %w", err)
	}

	if ch.WebhookSecret != "" && !p.VerifyWebhook(raw, signature) {
		rec.Outcome = OutcomeBadSignature
		return rec, fmt.Errorf("op=watcher.Dispatch: %w: signature mismatch", domain.ErrUnauthorized)
	}

	events, err := p.HandleWebhook(ctx, raw)
	if err != nil {
		rec.Outcome = OutcomeMalformed
		return rec, fmt.Errorf("op=watcher.Dispatch: %w", err)
	}
	if len(events) == 0 {
		rec.Outcome = OutcomeIgnored
		return rec, nil
	}

	var lastErr error
	for _, ev := range events {
		ev.TenantID = ch.TenantID
		ev.ChannelID = ch.ID
		ev.ChannelKind = ch.Kind
		if _, err := r.queue.EnqueueWebhookEvent(ctx, ev); err != nil {
			lastErr = err
			r.log.Warn("webhook event enqueue failed",
				slog.String("tenant_id", ch.TenantID),
				slog.String("channel_id", ch.ID),
				slog.String("stamp", ev.SourceStamp),
				slog.Any("error", err))
			continue
		}
		rec.Enqueued++
	}
	if lastErr != nil {
		rec.Outcome = OutcomeFailed
		return rec, fmt.Errorf("op=watcher.Dispatch: %w", lastErr)
	}
	rec.Outcome = OutcomeAccepted
	return rec, nil
}
