package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/mkesani1/stockclerk-sub002/internal/agent/guardian"
	"github.com/mkesani1/stockclerk-sub002/internal/config"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/ipc"
)

func discardLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// syncBuffer lets tests read what the runtime wrote while its goroutines may
// still be writing.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.b.Bytes()...)
}

func sentMessages(t *testing.T, buf *syncBuffer) []ipc.Message {
	t.Helper()
	var out []ipc.Message
	r := ipc.NewReader(bytes.NewReader(buf.snapshot()))
	for {
		m, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("reading worker output: %v", err)
		}
		out = append(out, m)
	}
}

func countSent(buf *syncBuffer) int {
	r := ipc.NewReader(bytes.NewReader(buf.snapshot()))
	n := 0
	for {
		if _, err := r.Next(); err != nil {
			return n
		}
		n++
	}
}

func kindsOf(msgs []ipc.Message) []ipc.Kind {
	out := make([]ipc.Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func firstOfKind(t *testing.T, msgs []ipc.Message, kind ipc.Kind) ipc.Message {
	t.Helper()
	for _, m := range msgs {
		if m.Kind == kind {
			return m
		}
	}
	t.Fatalf("no %s message in %v", kind, kindsOf(msgs))
	return ipc.Message{}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

type fakeQueue struct {
	mu           sync.Mutex
	webhooks     []domain.StockChangeEvent
	stockChanges []domain.StockChangedJob
	pushes       []domain.PushUpdateJob
	fullSyncs    []domain.FullSyncJob
	incrementals []domain.IncrementalSyncJob
	alerts       []domain.AlertJob
	err          error
}

func (q *fakeQueue) EnqueueWebhookEvent(_ domain.Context, ev domain.StockChangeEvent) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.webhooks = append(q.webhooks, ev)
	return "wh-1", nil
}

func (q *fakeQueue) EnqueueStockChanged(_ domain.Context, _ string, job domain.StockChangedJob) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.stockChanges = append(q.stockChanges, job)
	return "sc-1", nil
}

func (q *fakeQueue) EnqueuePushUpdate(_ domain.Context, _ string, job domain.PushUpdateJob, _ time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.pushes = append(q.pushes, job)
	return "pu-1", nil
}

func (q *fakeQueue) EnqueueFullSync(_ domain.Context, _ string, job domain.FullSyncJob) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.fullSyncs = append(q.fullSyncs, job)
	return "fs-1", nil
}

func (q *fakeQueue) EnqueueIncrementalSync(_ domain.Context, _ string, job domain.IncrementalSyncJob) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.incrementals = append(q.incrementals, job)
	return "is-1", nil
}

func (q *fakeQueue) EnqueueAlert(_ domain.Context, _ string, job domain.AlertJob) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.alerts = append(q.alerts, job)
	return "al-1", nil
}

func (q *fakeQueue) alertJobs() []domain.AlertJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.AlertJob(nil), q.alerts...)
}

type fakeChannels struct {
	domain.ChannelRepository
	rows []domain.Channel
}

func (f *fakeChannels) ListByTenant(_ domain.Context, _ string, activeOnly bool) ([]domain.Channel, error) {
	var out []domain.Channel
	for _, ch := range f.rows {
		if activeOnly && !ch.IsActive {
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

type fakeMappings struct {
	domain.MappingRepository
	byProduct map[string][]domain.ProductChannelMapping
}

func (f *fakeMappings) ListByProduct(_ domain.Context, productID string) ([]domain.ProductChannelMapping, error) {
	return f.byProduct[productID], nil
}

type fakeRules struct {
	domain.AlertRuleRepository
	mu       sync.Mutex
	upserted []domain.AlertRule
}

func (f *fakeRules) Upsert(_ domain.Context, r domain.AlertRule) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, r)
	return r.ID, nil
}

type fakeSync struct {
	mu           sync.Mutex
	stockChanges []domain.StockChangedJob
	pushes       []domain.PushUpdateJob
	fulls        []domain.FullSyncJob
	incrementals []domain.IncrementalSyncJob
	webhooks     []domain.StockChangeEvent
	err          error
}

func (f *fakeSync) StockChanged(_ domain.Context, job domain.StockChangedJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stockChanges = append(f.stockChanges, job)
	return f.err
}

func (f *fakeSync) PushUpdate(_ domain.Context, job domain.PushUpdateJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, job)
	return f.err
}

func (f *fakeSync) FullSync(_ domain.Context, job domain.FullSyncJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fulls = append(f.fulls, job)
	return f.err
}

func (f *fakeSync) IncrementalSync(_ domain.Context, job domain.IncrementalSyncJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incrementals = append(f.incrementals, job)
	return f.err
}

func (f *fakeSync) WebhookEvent(_ domain.Context, ev domain.StockChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks = append(f.webhooks, ev)
	return f.err
}

func (f *fakeSync) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stockChanges) + len(f.pushes) + len(f.fulls) + len(f.incrementals) + len(f.webhooks)
}

type fakeAlertAgent struct {
	mu   sync.Mutex
	jobs []domain.AlertJob
	err  error
}

func (f *fakeAlertAgent) Evaluate(_ domain.Context, job domain.AlertJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return f.err
}

type fakeRecon struct {
	mu      sync.Mutex
	summary guardian.Summary
	err     error
	runs    []bool
	passes  []bool
}

func (f *fakeRecon) Run(_ context.Context, autoRepair bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, autoRepair)
}

func (f *fakeRecon) Pass(_ context.Context, autoRepair bool) (guardian.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passes = append(f.passes, autoRepair)
	return f.summary, f.err
}

func (f *fakeRecon) runCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.runs...)
}

type fakeConsumers struct {
	mu       sync.Mutex
	handlers map[string]bool
	started  bool
	stopped  bool
	startErr error
}

func newFakeConsumers() *fakeConsumers {
	return &fakeConsumers{handlers: make(map[string]bool)}
}

func (f *fakeConsumers) HandleFunc(class, taskType string, _ func(context.Context, *asynq.Task) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[class+"/"+taskType] = true
}

func (f *fakeConsumers) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return f.startErr
}

func (f *fakeConsumers) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeConsumers) state() (started, stopped bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeDepths struct{ m map[string]int }

func (d fakeDepths) Depths() map[string]int { return d.m }

type workerFixture struct {
	rt       *Runtime
	out      *syncBuffer
	queue    *fakeQueue
	channels *fakeChannels
	mappings *fakeMappings
	rules    *fakeRules
	sync     *fakeSync
	alert    *fakeAlertAgent
	recon    *fakeRecon
	servers  *fakeConsumers
}

// newWorkerFixture assembles a runtime over fakes: two active channels, one
// inactive, one product mapped to both active ones. The health ticker is set
// far out so lifecycle tests see only the traffic they cause.
func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	f := &workerFixture{
		out:   &syncBuffer{},
		queue: &fakeQueue{},
		channels: &fakeChannels{rows: []domain.Channel{
			{ID: "ch-pos", Kind: domain.KindPOS, IsActive: true},
			{ID: "ch-store", Kind: domain.KindOnlineStore, IsActive: true},
			{ID: "ch-old", Kind: domain.KindOnlineStore, IsActive: false},
		}},
		mappings: &fakeMappings{byProduct: map[string][]domain.ProductChannelMapping{
			"p-1": {
				{ID: "m-1", ProductID: "p-1", ChannelID: "ch-pos", ExternalID: "ext-1"},
				{ID: "m-2", ProductID: "p-1", ChannelID: "ch-store", ExternalID: "ext-2"},
			},
		}},
		rules:   &fakeRules{},
		sync:    &fakeSync{},
		alert:   &fakeAlertAgent{},
		recon:   &fakeRecon{},
		servers: newFakeConsumers(),
	}
	f.rt = &Runtime{
		cfg: config.Config{
			TenantID:              "t-1",
			QueuePrefix:           "stockclerk",
			HealthCheckIntervalMS: 3600000,
			ShutdownGraceMS:       200,
		},
		tenantID: "t-1",
		queue:    f.queue,
		channels: f.channels,
		mappings: f.mappings,
		rules:    f.rules,
		sync:     f.sync,
		alert:    f.alert,
		recon:    f.recon,
		servers:  f.servers,
		out:      ipc.NewWriter(f.out),
		log:      discardLog(),
	}
	return f
}

func TestRun_InitReadyPingShutdown(t *testing.T) {
	f := newWorkerFixture(t)
	pr, pw := io.Pipe()
	f.rt.in = ipc.NewReader(pr)

	done := make(chan error, 1)
	go func() { done <- f.rt.Run(context.Background()) }()

	parent := ipc.NewWriter(pw)
	mustSend := func(kind ipc.Kind, payload any) {
		t.Helper()
		if err := parent.Send(kind, payload); err != nil {
			t.Fatalf("send %s: %v", kind, err)
		}
	}
	mustSend(ipc.KindInit, ipc.InitPayload{TenantID: "t-1"})
	mustSend(ipc.KindPing, ipc.PingPayload{TS: 4242})
	mustSend(ipc.KindShutdown, ipc.ShutdownPayload{Graceful: true})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker never stopped")
	}
	_ = pw.Close()

	msgs := sentMessages(t, f.out)
	got := kindsOf(msgs)
	want := []ipc.Kind{ipc.KindReady, ipc.KindPong, ipc.KindShutdownComplete}
	if len(got) != len(want) {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("messages = %v, want %v", got, want)
		}
	}

	var ready ipc.ReadyPayload
	if err := msgs[0].Decode(&ready); err != nil {
		t.Fatalf("decoding ready: %v", err)
	}
	if ready.PID != os.Getpid() {
		t.Fatalf("ready pid = %d, want %d", ready.PID, os.Getpid())
	}
	var pong ipc.PongPayload
	if err := msgs[1].Decode(&pong); err != nil {
		t.Fatalf("decoding pong: %v", err)
	}
	if pong.TS != 4242 {
		t.Fatalf("pong ts = %d, want 4242", pong.TS)
	}

	started, stopped := f.servers.state()
	if !started || !stopped {
		t.Fatalf("servers started=%v stopped=%v, want both", started, stopped)
	}
	for _, key := range []string{
		domain.QueueSync + "/" + domain.TaskStockChanged,
		domain.QueueSync + "/" + domain.TaskFullSync,
		domain.QueueSync + "/" + domain.TaskIncrementalSync,
		domain.QueueStockUpdate + "/" + domain.TaskPushUpdate,
		domain.QueueWebhook + "/" + domain.TaskWebhookEvent,
		domain.QueueAlert + "/" + domain.TaskAlertEvaluate,
	} {
		if !f.servers.handlers[key] {
			t.Fatalf("handler %s never registered", key)
		}
	}

	// The scheduled reconciliation loop starts with repairs allowed.
	waitUntil(t, func() bool { return len(f.recon.runCalls()) == 1 }, "guardian loop never started")
	if runs := f.recon.runCalls(); !runs[0] {
		t.Fatal("scheduled reconciliation started with autoRepair=false")
	}
}

func TestRun_ShutdownBeforeInit(t *testing.T) {
	f := newWorkerFixture(t)
	pr, pw := io.Pipe()
	f.rt.in = ipc.NewReader(pr)

	done := make(chan error, 1)
	go func() { done <- f.rt.Run(context.Background()) }()

	if err := ipc.NewWriter(pw).Send(ipc.KindShutdown, ipc.ShutdownPayload{Graceful: true}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker never stopped")
	}
	_ = pw.Close()

	msgs := sentMessages(t, f.out)
	if len(msgs) != 1 || msgs[0].Kind != ipc.KindShutdownComplete {
		t.Fatalf("messages = %v, want only shutdown_complete", kindsOf(msgs))
	}
	if started, _ := f.servers.state(); started {
		t.Fatal("consumers started despite shutdown before init")
	}
}

func TestRun_InitTenantMismatchIsFatal(t *testing.T) {
	f := newWorkerFixture(t)
	pr, pw := io.Pipe()
	f.rt.in = ipc.NewReader(pr)

	done := make(chan error, 1)
	go func() { done <- f.rt.Run(context.Background()) }()

	if err := ipc.NewWriter(pw).Send(ipc.KindInit, ipc.InitPayload{TenantID: "t-9"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never stopped")
	}
	_ = pw.Close()
	if err == nil {
		t.Fatal("expected an error for a misaddressed init")
	}
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("error = %v, want ErrInvalidArgument", err)
	}

	report := firstOfKind(t, sentMessages(t, f.out), ipc.KindErrorReport)
	var p ipc.ErrorReportPayload
	if err := report.Decode(&p); err != nil {
		t.Fatalf("decoding error report: %v", err)
	}
	if !p.Fatal {
		t.Fatal("mismatch report not marked fatal")
	}
	if started, _ := f.servers.state(); started {
		t.Fatal("consumers started despite fatal init")
	}
}

func TestRun_ParentGoneBeforeInitIsFatal(t *testing.T) {
	f := newWorkerFixture(t)
	f.rt.in = ipc.NewReader(bytes.NewReader(nil))

	if err := f.rt.Run(context.Background()); err == nil {
		t.Fatal("expected an error when the pipe closes before init")
	}

	report := firstOfKind(t, sentMessages(t, f.out), ipc.KindErrorReport)
	var p ipc.ErrorReportPayload
	if err := report.Decode(&p); err != nil {
		t.Fatalf("decoding error report: %v", err)
	}
	if !p.Fatal {
		t.Fatal("report not marked fatal")
	}
}

func TestRun_ForcedShutdownSkipsDrain(t *testing.T) {
	f := newWorkerFixture(t)
	pr, pw := io.Pipe()
	f.rt.in = ipc.NewReader(pr)

	done := make(chan error, 1)
	go func() { done <- f.rt.Run(context.Background()) }()

	parent := ipc.NewWriter(pw)
	if err := parent.Send(ipc.KindInit, ipc.InitPayload{TenantID: "t-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := parent.Send(ipc.KindShutdown, ipc.ShutdownPayload{Graceful: false}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker never stopped")
	}
	_ = pw.Close()

	if _, stopped := f.servers.state(); stopped {
		t.Fatal("forced shutdown still drained the servers")
	}
	msgs := sentMessages(t, f.out)
	if msgs[len(msgs)-1].Kind != ipc.KindShutdownComplete {
		t.Fatalf("last message = %s, want shutdown_complete", msgs[len(msgs)-1].Kind)
	}
}

func TestHealthReport_DegradedOnStoreFailure(t *testing.T) {
	f := newWorkerFixture(t)
	f.rt.dbPing = fakePinger{}
	f.rt.redisPing = fakePinger{err: errors.New("connection refused")}
	f.rt.depths = fakeDepths{m: map[string]int{domain.QueueSync: 3}}

	rep := f.rt.healthReport(context.Background())

	if rep.Status != ipc.HealthDegraded {
		t.Fatalf("status = %s, want degraded", rep.Status)
	}
	if !strings.Contains(rep.Detail, "redis: connection refused") {
		t.Fatalf("detail = %q, want the redis failure", rep.Detail)
	}
	if strings.Contains(rep.Detail, "db:") {
		t.Fatalf("detail = %q, db is healthy", rep.Detail)
	}
	if rep.Queues[domain.QueueSync] != 3 {
		t.Fatalf("queues = %v, want sync depth 3", rep.Queues)
	}
}

func TestHealthReport_HealthyWhenStoresAnswer(t *testing.T) {
	f := newWorkerFixture(t)
	f.rt.dbPing = fakePinger{}
	f.rt.redisPing = fakePinger{}

	rep := f.rt.healthReport(context.Background())

	if rep.Status != ipc.HealthHealthy {
		t.Fatalf("status = %s, want healthy", rep.Status)
	}
	if rep.Detail != "" {
		t.Fatalf("detail = %q, want empty", rep.Detail)
	}
}

func TestSeedRules_UpsertsFromFile(t *testing.T) {
	f := newWorkerFixture(t)
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `rules:
  - kind: low_stock
    conditions:
      threshold: 5
    actions:
      notify: true
  - kind: drift_detected
    conditions:
      percentageThreshold: 25
    actions:
      notify: true
      email: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing rules: %v", err)
	}
	f.rt.cfg.AlertRulesPath = path

	if err := f.rt.seedRules(context.Background()); err != nil {
		t.Fatalf("seedRules: %v", err)
	}

	if len(f.rules.upserted) != 2 {
		t.Fatalf("upserted %d rules, want 2", len(f.rules.upserted))
	}
	first := f.rules.upserted[0]
	if first.TenantID != "t-1" || first.Kind != domain.AlertLowStock {
		t.Fatalf("first rule = %+v, want tenant t-1 low_stock", first)
	}
	if first.Conditions.Threshold == nil || *first.Conditions.Threshold != 5 {
		t.Fatalf("first rule threshold = %v, want 5", first.Conditions.Threshold)
	}
}

func TestSeedRules_NoPathConfiguredIsQuiet(t *testing.T) {
	f := newWorkerFixture(t)
	if err := f.rt.seedRules(context.Background()); err != nil {
		t.Fatalf("seedRules: %v", err)
	}
	if len(f.rules.upserted) != 0 {
		t.Fatal("rules upserted without a configured path")
	}
}

func TestSeedRules_BadFileSurfacesError(t *testing.T) {
	f := newWorkerFixture(t)
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - kind: everything_on_fire\n"), 0o600); err != nil {
		t.Fatalf("writing rules: %v", err)
	}
	f.rt.cfg.AlertRulesPath = path

	if err := f.rt.seedRules(context.Background()); err == nil {
		t.Fatal("expected an error for an unknown rule kind")
	}
	if len(f.rules.upserted) != 0 {
		t.Fatal("rules upserted despite a bad file")
	}
}
