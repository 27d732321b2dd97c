package service

import (
	"testing"
	"time"

	"github.com/devrev/ddbd/internal/metrics"
	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/validation"
	"github.com/devrev/ddbd/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentMessage struct {
	peer string
	msg  wire.Message
}

type fakeTransport struct {
	sent         []sentMessage
	disconnected map[string]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{disconnected: make(map[string]string)}
}

func (f *fakeTransport) Send(peerID string, msg wire.Message) {
	f.sent = append(f.sent, sentMessage{peer: peerID, msg: msg})
}

func (f *fakeTransport) Disconnect(peerID, reason string) {
	f.disconnected[peerID] = reason
}

// to returns the messages sent to a peer, in order
func (f *fakeTransport) to(peerID string) []wire.Message {
	var out []wire.Message
	for _, s := range f.sent {
		if s.peer == peerID {
			out = append(out, s.msg)
		}
	}
	return out
}

// records returns the records sent to a peer
func (f *fakeTransport) records(peerID string) []wire.Record {
	var out []wire.Record
	for _, m := range f.to(peerID) {
		if rec, ok := m.(wire.Record); ok {
			out = append(out, rec)
		}
	}
	return out
}

func (f *fakeTransport) last(peerID string) wire.Message {
	msgs := f.to(peerID)
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func (f *fakeTransport) reset() {
	f.sent = nil
}

type fakeNotifier struct {
	notices []string
}

func (f *fakeNotifier) Notice(text string) {
	f.notices = append(f.notices, text)
}

type fakeTerminator struct {
	errs []error
}

func (f *fakeTerminator) Terminate(err error) {
	f.errs = append(f.errs, err)
}

type sideEffect struct {
	table   model.TableID
	key     string
	value   string
	deleted bool
}

type fakeEffects struct {
	calls []sideEffect
}

func (f *fakeEffects) Apply(table model.TableID, key, value string, deleted bool) {
	f.calls = append(f.calls, sideEffect{table: table, key: key, value: value, deleted: deleted})
}

type scheduled struct {
	after time.Duration
	fn    func()
}

type fakeScheduler struct {
	pending []scheduled
}

func (f *fakeScheduler) After(d time.Duration, fn func()) {
	f.pending = append(f.pending, scheduled{after: d, fn: fn})
}

// fire runs the callbacks due so far; callbacks they schedule wait for the next call
func (f *fakeScheduler) fire() {
	due := f.pending
	f.pending = nil
	for _, s := range due {
		s.fn()
	}
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func testLayout() model.Layout {
	return model.Layout{
		{ID: 'c', Name: "channels", Resident: true, Buckets: 16},
		{ID: 'm', Name: "logging", Resident: false},
		{ID: 'n', Name: "nicks", Resident: true, Buckets: 256},
	}
}

type testEngine struct {
	*ReplicationService
	dir        string
	layout     model.Layout
	transport  *fakeTransport
	notifier   *fakeNotifier
	terminator *fakeTerminator
	effects    *fakeEffects
	logs       *CommitLogService
	cache      *CacheService
	metrics    *metrics.Metrics
}

type engineOption func(*engineOptions)

type engineOptions struct {
	batchLimit int
	cache      bool
}

func withBatchLimit(n int) engineOption {
	return func(o *engineOptions) { o.batchLimit = n }
}

func withCache() engineOption {
	return func(o *engineOptions) { o.cache = true }
}

// newTestEngine builds an engine over dir, or a fresh temp dir when dir is empty
func newTestEngine(t *testing.T, dir string, opts ...engineOption) *testEngine {
	t.Helper()
	o := engineOptions{batchLimit: DefaultBatchLimit}
	for _, opt := range opts {
		opt(&o)
	}
	if dir == "" {
		dir = t.TempDir()
	}

	logger := zap.NewNop()
	layout := testLayout()
	m := metrics.NewMetrics("test", prometheus.NewRegistry())

	logs, err := NewCommitLogService(&CommitLogConfig{}, layout, dir, logger)
	require.NoError(t, err)
	t.Cleanup(func() { logs.Close() })

	tables := NewTableService(layout, logger)
	cache := NewCacheService(&CacheConfig{Enabled: o.cache, Path: dir + "/ddb.cache"}, tables, logs, m, logger)

	te := &testEngine{
		dir:        dir,
		layout:     layout,
		transport:  newFakeTransport(),
		notifier:   &fakeNotifier{},
		terminator: &fakeTerminator{},
		effects:    &fakeEffects{},
		logs:       logs,
		cache:      cache,
		metrics:    m,
	}
	te.ReplicationService = NewReplicationService(
		&ReplicationConfig{ServerName: "hub.test", OriginMask: "hub.test", BatchLimit: o.batchLimit},
		tables,
		logs,
		cache,
		validation.NewValidator(layout),
		Collaborators{
			Transport:  te.transport,
			Effects:    te.effects,
			Notifier:   te.notifier,
			Terminator: te.terminator,
			Clock:      fixedClock{now: time.Unix(1700000000, 0)},
		},
		m,
		logger,
	)
	return te
}

func (te *testEngine) state(t *testing.T, id model.TableID) *TableState {
	t.Helper()
	state, err := te.Tables().Table(id)
	require.NoError(t, err)
	return state
}

// liveView returns key -> value for a resident table
func (te *testEngine) liveView(t *testing.T, id model.TableID) map[string]string {
	t.Helper()
	it, err := te.Tables().Iterator(id)
	require.NoError(t, err)
	view := make(map[string]string)
	for it.Next() {
		view[it.Record().Key] = it.Record().Value
	}
	return view
}
