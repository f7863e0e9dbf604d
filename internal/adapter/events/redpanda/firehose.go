// Package redpanda mirrors bus events to a Kafka-compatible stream.
//
// The firehose is the cross-process view of tenant activity: every worker
// hands its bus traffic to this sink so dashboards and downstream consumers
// can follow sync outcomes without polling the API. Delivery is best effort;
// stock state never depends on it.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// TopicEvents is the single firehose topic. Records are keyed by tenant so
// per-tenant ordering survives partitioning.
const TopicEvents = "stockclerk.events"

// Firehose implements domain.EventSink over a franz-go producer. Produces are
// asynchronous: an unreachable broker slows nothing down, it only costs the
// mirrored copy of the event.
type Firehose struct {
	client *kgo.Client
	log    *slog.Logger
}

// New connects to the given brokers and ensures the firehose topic exists.
// Callers should skip construction entirely when no brokers are configured.
func New(brokers []string, log *slog.Logger) (*Firehose, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.New: %w: no seed brokers", domain.ErrInvalidArgument)
	}
	if log == nil {
		log = slog.Default()
	}

	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	instr := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(instr.Hooks()...),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.ProducerLinger(50*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.New: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, TopicEvents, 1, 1); err != nil {
		// The topic may be provisioned externally or auto-created by the
		// broker. Keep going either way.
		log.Warn("firehose topic create failed",
			slog.String("topic", TopicEvents), slog.Any("error", err))
	}

	log.Info("firehose producer ready", slog.Any("brokers", brokers))
	return &Firehose{client: client, log: log}, nil
}

// Publish marshals ev and produces it keyed by tenant. The produce callback
// logs failures; the caller never sees them.
func (f *Firehose) Publish(ctx domain.Context, ev domain.Event) error {
	rec, err := record(ev)
	if err != nil {
		return fmt.Errorf("op=redpanda.Publish: %w", err)
	}
	f.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			f.log.Warn("firehose produce failed",
				slog.String("topic", string(ev.Topic)),
				slog.String("tenant_id", ev.TenantID),
				slog.Any("error", err))
		}
	})
	return nil
}

// Close flushes buffered records and releases the client.
func (f *Firehose) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.client.Flush(ctx); err != nil {
		f.log.Warn("firehose flush on close failed", slog.Any("error", err))
	}
	f.client.Close()
	return nil
}

// record builds the wire record for one event. The whole event is the value;
// topic and tenant ride as headers so consumers can route without decoding.
func record(ev domain.Event) (*kgo.Record, error) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: TopicEvents,
		Key:   []byte(ev.TenantID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "topic", Value: []byte(ev.Topic)},
			{Key: "tenant_id", Value: []byte(ev.TenantID)},
		},
	}, nil
}

// ensureTopic creates the topic via the admin API, treating "already exists"
// as success.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = partitions
	t.ReplicationFactor = replication
	req.Topics = append(req.Topics, t)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=redpanda.ensureTopic: %w", err)
	}
	ctResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=redpanda.ensureTopic: unexpected response type %T", resp)
	}
	for _, tr := range ctResp.Topics {
		// Error code 36 is TOPIC_ALREADY_EXISTS.
		if tr.ErrorCode != 0 && tr.ErrorCode != 36 {
			msg := ""
			if tr.ErrorMessage != nil {
				msg = *tr.ErrorMessage
			}
			return fmt.Errorf("op=redpanda.ensureTopic: %s (code %d)", msg, tr.ErrorCode)
		}
	}
	return nil
}
