package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memoryBackend is an in-memory Backend with injectable failures.
type memoryBackend struct {
	name string

	mu        sync.Mutex
	objects   map[string]*EncryptedBackup
	writeErr  error
	readErr   error
	deleteErr error
	usageErr  error
	usage     *Usage
	writes    int
	deletes   int
}

func newMemoryBackend(name string) *memoryBackend {
	return &memoryBackend{name: name, objects: make(map[string]*EncryptedBackup)}
}

func (m *memoryBackend) Name() string { return m.name }

func (m *memoryBackend) Write(ctx context.Context, key string, artifact *EncryptedBackup, opts WriteOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.writeErr != nil {
		return "", m.writeErr
	}
	if existing, ok := m.objects[key]; ok && !opts.Overwrite && existing.Checksum != artifact.Checksum {
		return "", NewConflictError("object exists with different content", nil)
	}
	m.objects[key] = artifact
	return key, nil
}

func (m *memoryBackend) Read(ctx context.Context, ref string) (*EncryptedBackup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	eb, ok := m.objects[ref]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("object %s not found", ref), nil)
	}
	return eb, nil
}

func (m *memoryBackend) Delete(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.objects, ref)
	return nil
}

func (m *memoryBackend) Usage(ctx context.Context) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usageErr != nil {
		return Usage{}, m.usageErr
	}
	if m.usage != nil {
		return *m.usage, nil
	}
	return Usage{Objects: int64(len(m.objects))}, nil
}

func (m *memoryBackend) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *memoryBackend) fail(write, read, del error) {
	m.mu.Lock()
	m.writeErr, m.readErr, m.deleteErr = write, read, del
	m.mu.Unlock()
}

// fakeMirror records uploads and deletes.
type fakeMirror struct {
	mu        sync.Mutex
	uploads   map[string][]byte
	deleted   []string
	uploadErr error
	deleteErr error
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{uploads: make(map[string][]byte)}
}

func (f *fakeMirror) Enabled() bool { return true }

func (f *fakeMirror) AuthURL(state string) (string, error) {
	return "https://consent.example/?state=" + state, nil
}

func (f *fakeMirror) Connect(ctx context.Context, ownerID, code string) error { return nil }

func (f *fakeMirror) Upload(ctx context.Context, ownerID, filename string, artifact []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	ref := "drive-" + filename
	f.uploads[ref] = artifact
	return ref, nil
}

func (f *fakeMirror) Delete(ctx context.Context, ownerID, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, ref)
	delete(f.uploads, ref)
	return nil
}

// recordingNotifier captures alerts.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (n *recordingNotifier) SendNotification(ctx context.Context, alert Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) sent() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Alert(nil), n.alerts...)
}

// recordingEnqueuer captures sync queue actions.
type recordingEnqueuer struct {
	mu      sync.Mutex
	actions []string
	err     error
}

func (q *recordingEnqueuer) EnqueueAction(ctx context.Context, action string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.actions = append(q.actions, action)
	return nil
}

func (q *recordingEnqueuer) queued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.actions...)
}

var testBackupTypes = map[string][]string{
	"full":     {"clients", "invoices", "settings"},
	"settings": {"settings"},
}

func staticProvider() DomainDataProvider {
	return DomainDataProviderFunc(func(ctx context.Context, ownerID, section string, opts ScopeOptions) ([]Record, error) {
		switch section {
		case "clients":
			return []Record{
				{"id": "c2", "owner_id": ownerID, "name": "Grace"},
				{"id": "c1", "owner_id": ownerID, "name": "Ada"},
			}, nil
		case "invoices":
			return []Record{{"id": "i1", "owner_id": ownerID, "amount": 125.5}}, nil
		}
		return nil, nil
	})
}

// harness wires a runner and service against a SQLite registry, an in-memory
// primary store and a real local store.
type harness struct {
	registry *SQLRegistry
	primary  *memoryBackend
	local    *LocalStore
	mirror   *fakeMirror
	queue    *recordingEnqueuer
	notifier *recordingNotifier
	keys     *KeyRing
	codec    *Codec
	runner   *JobRunner
	service  *Service
	now      time.Time
}

type harnessOptions struct {
	provider   DomainDataProvider
	noLocal    bool
	withMirror bool
	localCfg   LocalStoreConfig
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{
		registry: newTestRegistry(t),
		primary:  newMemoryBackend(PrimaryBackendName),
		queue:    &recordingEnqueuer{},
		notifier: &recordingNotifier{},
		keys:     NewKeyRing(testKey(t, 1)),
		codec:    newTestCodec(CompressionTypeZstd),
		now:      time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	if opts.provider == nil {
		opts.provider = staticProvider()
	}

	var mirror Mirror
	if opts.withMirror {
		h.mirror = newFakeMirror()
		mirror = h.mirror
	}

	if !opts.noLocal {
		cfg := opts.localCfg
		cfg.Enabled = true
		cfg.BasePath = filepath.Join(t.TempDir(), "local")
		local, err := NewLocalStore(cfg, h.registry, h.queue, nil)
		require.NoError(t, err)
		h.local = local
	}

	timeouts := TimeoutConfig{}
	retention := RetentionConfig{DefaultDays: 30}
	runner, err := NewJobRunner(
		RunnerConfig{Workers: 2, QueueSize: 4, ExportAttempts: 2, ExportRetryDelay: time.Millisecond},
		timeouts, retention,
		RunnerDependencies{
			Exporter: NewExporter(opts.provider, testBackupTypes, 2, 0, nil),
			Codec:    h.codec,
			Keys:     h.keys,
			Primary:  h.primary,
			Local:    h.local,
			Mirror:   mirror,
			Registry: h.registry,
			Notifier: h.notifier,
		})
	require.NoError(t, err)
	runner.now = func() time.Time { return h.now }
	h.runner = runner

	service, err := NewService(SchedulerConfig{}, timeouts, retention, ServiceDependencies{
		Registry: h.registry,
		Runner:   runner,
		Primary:  h.primary,
		Local:    h.local,
		Mirror:   mirror,
		Codec:    h.codec,
		Keys:     h.keys,
		Queue:    h.queue,
	})
	require.NoError(t, err)
	service.now = func() time.Time { return h.now }
	service.reaper.now = func() time.Time { return h.now }
	h.service = service
	return h
}
