package account

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
	"github.com/plaenen/bankengine/pkg/observability"
	"github.com/plaenen/bankengine/pkg/runtime"
)

// memJournal is an in-memory event store. Versions are taken from the
// appended records, so tests can seed a stream at an arbitrary point.
type memJournal struct {
	mu      sync.Mutex
	streams map[string][]*eventsourcing.Event
	deleted map[string]int64
	global  []*eventsourcing.Event
}

func newMemJournal() *memJournal {
	return &memJournal{
		streams: make(map[string][]*eventsourcing.Event),
		deleted: make(map[string]int64),
	}
}

func (j *memJournal) version(aggregateID string) int64 {
	stream := j.streams[aggregateID]
	if len(stream) == 0 {
		return 0
	}
	return stream[len(stream)-1].Version
}

func (j *memJournal) AppendEvents(aggregateID string, expectedVersion int64, events []*eventsourcing.Event) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if cur := j.version(aggregateID); cur != expectedVersion {
		return 0, eventsourcing.ErrConcurrencyConflict
	}
	j.streams[aggregateID] = append(j.streams[aggregateID], events...)
	j.global = append(j.global, events...)
	return j.version(aggregateID), nil
}

func (j *memJournal) LoadEvents(aggregateID string, afterVersion int64) ([]*eventsourcing.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	floor := afterVersion
	if d := j.deleted[aggregateID]; d > floor {
		floor = d
	}
	var out []*eventsourcing.Event
	for _, evt := range j.streams[aggregateID] {
		if evt.Version > floor {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (j *memJournal) LoadEventRange(aggregateID string, fromVersion, toVersion int64) ([]*eventsourcing.Event, error) {
	events, err := j.LoadEvents(aggregateID, fromVersion)
	if err != nil {
		return nil, err
	}
	var out []*eventsourcing.Event
	for _, evt := range events {
		if evt.Version <= toVersion {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (j *memJournal) LoadAllEvents(fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if fromPosition >= int64(len(j.global)) {
		return nil, nil
	}
	out := j.global[fromPosition:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]*eventsourcing.Event(nil), out...), nil
}

func (j *memJournal) LoadEventsByTag(tag string, fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	all, err := j.LoadAllEvents(fromPosition, 0)
	if err != nil {
		return nil, err
	}
	var out []*eventsourcing.Event
	for _, evt := range all {
		if slices.Contains(evt.Tags, tag) {
			out = append(out, evt)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (j *memJournal) GetAggregateVersion(aggregateID string) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.version(aggregateID), nil
}

func (j *memJournal) DeleteEventsUpTo(aggregateID string, toVersion int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if toVersion > j.deleted[aggregateID] {
		j.deleted[aggregateID] = toVersion
	}
	return nil
}

func (j *memJournal) Close() error { return nil }

func (j *memJournal) eventTypes(aggregateID string) []string {
	events, _ := j.LoadEvents(aggregateID, 0)
	out := make([]string, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.EventType)
	}
	return out
}

// failingJournal fails the next append once, then delegates.
type failingJournal struct {
	*memJournal
	failMu   sync.Mutex
	failNext error
}

func (j *failingJournal) fail(err error) {
	j.failMu.Lock()
	j.failNext = err
	j.failMu.Unlock()
}

func (j *failingJournal) AppendEvents(aggregateID string, expectedVersion int64, events []*eventsourcing.Event) (int64, error) {
	j.failMu.Lock()
	err := j.failNext
	j.failNext = nil
	j.failMu.Unlock()
	if err != nil {
		return 0, err
	}
	return j.memJournal.AppendEvents(aggregateID, expectedVersion, events)
}

type memSnapshots struct {
	mu    sync.Mutex
	byAgg map[string][]*eventsourcing.Snapshot
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{byAgg: make(map[string][]*eventsourcing.Snapshot)}
}

func (s *memSnapshots) SaveSnapshot(snapshot *eventsourcing.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAgg[snapshot.AggregateID] = append(s.byAgg[snapshot.AggregateID], snapshot)
	return nil
}

func (s *memSnapshots) GetLatestSnapshot(aggregateID string) (*eventsourcing.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.byAgg[aggregateID]
	if len(snaps) == 0 {
		return nil, eventsourcing.ErrSnapshotNotFound
	}
	latest := snaps[0]
	for _, snap := range snaps[1:] {
		if snap.Version > latest.Version {
			latest = snap
		}
	}
	return latest, nil
}

func (s *memSnapshots) DeleteOldSnapshots(aggregateID string, olderThanVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*eventsourcing.Snapshot
	for _, snap := range s.byAgg[aggregateID] {
		if snap.Version >= olderThanVersion {
			kept = append(kept, snap)
		}
	}
	s.byAgg[aggregateID] = kept
	return nil
}

func (s *memSnapshots) latestVersion(aggregateID string) int64 {
	snap, err := s.GetLatestSnapshot(aggregateID)
	if err != nil {
		return 0
	}
	return snap.Version
}

type memBus struct {
	mu    sync.Mutex
	notes []*eventsourcing.EventNotification
}

func (b *memBus) Publish(notes []*eventsourcing.EventNotification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notes = append(b.notes, notes...)
	return nil
}

func (b *memBus) Subscribe(filter eventsourcing.EventFilter, handler eventsourcing.EventHandler) (eventsourcing.Subscription, error) {
	return noopSubscription{}, nil
}

func (b *memBus) Close() error { return nil }

func (b *memBus) snapshot() []*eventsourcing.EventNotification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*eventsourcing.EventNotification(nil), b.notes...)
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() error { return nil }

// effectsRecorder records every side effect; TellAccount is routed back
// into the region when one is attached, so cross-account flows complete.
type effectsRecorder struct {
	mu              sync.Mutex
	region          *runtime.Region
	approvals       []bank.DebitApproval
	declines        []bank.DebitDecline
	internalReqs    []bank.TransferRequest
	domesticCalls   []bank.DomesticTransferCall
	scheduled       []bank.ScheduledTransfer
	closures        []bank.ClosureRegistration
	statements      []bank.BillingStatement
	emails          []bank.EmailMessage
	rejections      []bank.ErrorBroadcast
	persistFailures []error
}

func (r *effectsRecorder) ApproveDebit(ctx context.Context, approval bank.DebitApproval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals = append(r.approvals, approval)
}

func (r *effectsRecorder) DeclineDebit(ctx context.Context, decline bank.DebitDecline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.declines = append(r.declines, decline)
}

func (r *effectsRecorder) RequestInternalTransfer(ctx context.Context, req bank.TransferRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.internalReqs = append(r.internalReqs, req)
}

func (r *effectsRecorder) RequestDomesticTransfer(ctx context.Context, call bank.DomesticTransferCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domesticCalls = append(r.domesticCalls, call)
}

func (r *effectsRecorder) EnqueueScheduled(ctx context.Context, st bank.ScheduledTransfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, st)
}

func (r *effectsRecorder) RegisterClosure(ctx context.Context, reg bank.ClosureRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closures = append(r.closures, reg)
}

func (r *effectsRecorder) AppendStatement(ctx context.Context, stmt bank.BillingStatement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statements = append(r.statements, stmt)
}

func (r *effectsRecorder) SendEmail(ctx context.Context, msg bank.EmailMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emails = append(r.emails, msg)
}

func (r *effectsRecorder) TellAccount(accountID string, change StateChange) {
	if r.region != nil {
		r.region.Tell(accountID, change)
	}
}

func (r *effectsRecorder) BroadcastRejection(ctx context.Context, rejection bank.ErrorBroadcast) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejections = append(r.rejections, rejection)
}

func (r *effectsRecorder) BroadcastPersistFailure(ctx context.Context, accountID, orgID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistFailures = append(r.persistFailures, err)
}

func (r *effectsRecorder) emailCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.emails)
}

func (r *effectsRecorder) snapshotEmails() []bank.EmailMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bank.EmailMessage(nil), r.emails...)
}

func (r *effectsRecorder) snapshotInternalReqs() []bank.TransferRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bank.TransferRequest(nil), r.internalReqs...)
}

func (r *effectsRecorder) snapshotDeclines() []bank.DebitDecline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bank.DebitDecline(nil), r.declines...)
}

func (r *effectsRecorder) snapshotRejections() []bank.ErrorBroadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bank.ErrorBroadcast(nil), r.rejections...)
}

func (r *effectsRecorder) snapshotClosures() []bank.ClosureRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bank.ClosureRegistration(nil), r.closures...)
}

func (r *effectsRecorder) snapshotStatements() []bank.BillingStatement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bank.BillingStatement(nil), r.statements...)
}

func (r *effectsRecorder) persistFailureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.persistFailures)
}

type actorEnv struct {
	t       *testing.T
	journal *memJournal
	snaps   *memSnapshots
	bus     *memBus
	effects *effectsRecorder
	region  *runtime.Region
}

func newActorEnv(t *testing.T, tweak func(*ActorDeps)) *actorEnv {
	t.Helper()
	env := &actorEnv{
		t:       t,
		journal: newMemJournal(),
		snaps:   newMemSnapshots(),
		bus:     &memBus{},
		effects: &effectsRecorder{},
	}
	deps := ActorDeps{
		Journal:   env.journal,
		Snapshots: env.snaps,
		Strategy:  eventsourcing.NewIntervalSnapshotStrategy(100),
		Bus:       env.bus,
		Effects:   env.effects,
	}
	if tweak != nil {
		tweak(&deps)
	}
	env.region = runtime.NewRegion("account", NewHandlerFactory(deps))
	env.effects.region = env.region
	require.NoError(t, env.region.Start(context.Background()))
	t.Cleanup(func() { env.region.Stop(context.Background()) })
	return env
}

// send delivers one command and waits for its outcome and confirmation.
func (e *actorEnv) send(accountID string, cmd Command, at time.Time) (CommandOutcome, error) {
	e.t.Helper()
	outcomes := make(chan CommandOutcome, 1)
	confirms := make(chan error, 1)
	meta := eventsourcing.CommandMetadata{
		CommandID:     eventsourcing.GenerateID(),
		EntityID:      accountID,
		OrgID:         "org-1",
		InitiatedByID: "user-1",
		Timestamp:     at,
	}
	e.region.TellConfirmable(accountID, StateChange{Meta: meta, Cmd: cmd, Outcome: outcomes}, func(err error) {
		confirms <- err
	})

	var out CommandOutcome
	select {
	case out = <-outcomes:
	case <-time.After(5 * time.Second):
		e.t.Fatalf("no outcome for %s", cmd.CommandType())
	}
	select {
	case err := <-confirms:
		return out, err
	case <-time.After(5 * time.Second):
		e.t.Fatalf("no confirmation for %s", cmd.CommandType())
		return out, nil
	}
}

func (e *actorEnv) mustRun(accountID string, cmd Command, at time.Time) CommandOutcome {
	e.t.Helper()
	out, err := e.send(accountID, cmd, at)
	require.NoError(e.t, err)
	require.NoError(e.t, out.Err, "command %s", cmd.CommandType())
	return out
}

func (e *actorEnv) open(accountID, initial string, at time.Time) {
	e.t.Helper()
	e.mustRun(accountID, &CreateAccount{
		Owner:          bank.AccountOwner{FirstName: "Ada", LastName: "Byron", Email: "ada@example.com"},
		Currency:       "USD",
		InitialDeposit: dec(initial),
		FeeSchedule:    testSchedule(),
	}, at)
}

func (e *actorEnv) getState(accountID string) StateResult {
	e.t.Helper()
	reply := make(chan StateResult, 1)
	e.region.Tell(accountID, GetState{Reply: reply})
	select {
	case res := <-reply:
		return res
	case <-time.After(5 * time.Second):
		e.t.Fatal("no state reply")
		return StateResult{}
	}
}

func seedJournal(t *testing.T, j *memJournal, accountID string, payloads ...Event) {
	t.Helper()
	records := make([]*eventsourcing.Event, 0, len(payloads))
	for i, payload := range payloads {
		data, err := EncodeEvent(payload)
		require.NoError(t, err)
		records = append(records, &eventsourcing.Event{
			ID:            eventsourcing.GenerateDeterministicEventID("seed", accountID, i+1),
			AggregateID:   accountID,
			AggregateType: AggregateType,
			EventType:     payload.EventType(),
			Version:       int64(i + 1),
			Timestamp:     testOpened,
			Data:          data,
		})
	}
	_, err := j.AppendEvents(accountID, 0, records)
	require.NoError(t, err)
}

func TestActorPersistsAndConfirms(t *testing.T) {
	env := newActorEnv(t, nil)

	env.open("acc-1", "500", testOpened)

	require.Equal(t, []string{EventTypeCreated}, env.journal.eventTypes("acc-1"))

	notes := env.bus.snapshot()
	require.Len(t, notes, 1)
	assert.Equal(t, EventTypeCreated, notes[0].Event.EventType)
	assert.Contains(t, notes[0].Event.Tags, "org:org-1")
	published, err := UnmarshalState(notes[0].State)
	require.NoError(t, err)
	assert.True(t, published.Balance.Equal(dec("500")))

	require.Eventually(t, func() bool { return env.effects.emailCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "account-opened", env.effects.snapshotEmails()[0].Template)
}

func TestActorRecordsJournalMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := observability.NewMetrics(provider.Meter("bankengine-test"))
	require.NoError(t, err)

	env := newActorEnv(t, func(d *ActorDeps) { d.Metrics = metrics })
	env.open("acc-1", "500", testOpened)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	found := map[string]bool{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			found[m.Name] = true
		}
	}
	assert.True(t, found["bankengine.events.appended"], "got %v", found)
	assert.True(t, found["bankengine.journal.latency"], "got %v", found)
	assert.True(t, found["bankengine.events.published"], "got %v", found)
}

func TestActorRecoversFromJournal(t *testing.T) {
	env := newActorEnv(t, nil)
	seedJournal(t, env.journal, "acc-7",
		&Created{
			AccountID:      "acc-7",
			OrgID:          "org-1",
			Owner:          bank.AccountOwner{FirstName: "Ada", Email: "ada@example.com"},
			Currency:       "USD",
			InitialDeposit: dec("300"),
			FeeSchedule:    testSchedule(),
			OpenedAt:       testOpened,
		},
		&Deposited{Amount: dec("50"), OccurredAt: testOpened.Add(time.Hour)},
	)

	res := env.getState("acc-7")
	assert.Equal(t, int64(2), res.Version)
	assert.Equal(t, bank.AccountActive, res.State.Status)
	assert.True(t, res.State.Balance.Equal(dec("350")))

	// Appends continue from the recovered version.
	out := env.mustRun("acc-7", &DepositCash{Amount: dec("25")}, testOpened.Add(2*time.Hour))
	assert.Equal(t, int64(3), out.Version)
}

func TestActorRecoversFromSnapshot(t *testing.T) {
	env := newActorEnv(t, nil)

	base := openAccount(t, "1000")
	data, err := MarshalState(base)
	require.NoError(t, err)
	require.NoError(t, env.snaps.SaveSnapshot(&eventsourcing.Snapshot{
		AggregateID:   "acc-1",
		AggregateType: AggregateType,
		Version:       4,
		Data:          data,
		CreatedAt:     testOpened,
	}))
	// One event after the snapshot.
	payload, err := EncodeEvent(&Deposited{Amount: dec("25"), OccurredAt: testOpened.Add(time.Hour)})
	require.NoError(t, err)
	_, err = env.journal.AppendEvents("acc-1", 0, []*eventsourcing.Event{{
		ID:            eventsourcing.GenerateDeterministicEventID("seed", "acc-1", 5),
		AggregateID:   "acc-1",
		AggregateType: AggregateType,
		EventType:     EventTypeDeposited,
		Version:       5,
		Timestamp:     testOpened.Add(time.Hour),
		Data:          payload,
	}})
	require.NoError(t, err)

	res := env.getState("acc-1")
	assert.Equal(t, int64(5), res.Version)
	assert.True(t, res.State.Balance.Equal(dec("1025")))
}

func TestActorRejectionDeclinesAndBroadcasts(t *testing.T) {
	env := newActorEnv(t, nil)
	env.open("acc-1", "100", testOpened)

	out, confirmErr := env.send("acc-1", &Debit{
		PurchaseID: "p-1",
		Amount:     dec("250"),
		Merchant:   "ACME",
		EmployeeID: "emp-1",
		CardID:     "card-1",
	}, testOpened.Add(time.Hour))

	// Rejections consume the delivery; only infrastructure failures nack.
	require.NoError(t, confirmErr)
	verr, ok := bank.AsValidation(out.Err)
	require.True(t, ok)
	assert.Equal(t, bank.CodeInsufficientBalance, verr.Code)

	declines := env.effects.snapshotDeclines()
	require.Len(t, declines, 1)
	assert.Equal(t, "p-1", declines[0].PurchaseID)
	assert.Equal(t, "emp-1", declines[0].EmployeeID)
	assert.Equal(t, bank.CodeInsufficientBalance, declines[0].Reason.Code)

	rejections := env.effects.snapshotRejections()
	require.Len(t, rejections, 1)
	assert.Equal(t, CommandTypeDebit, rejections[0].CommandType)
	assert.Equal(t, "acc-1", rejections[0].EntityID)

	assert.Equal(t, []string{EventTypeCreated}, env.journal.eventTypes("acc-1"))
}

func TestActorNoOpRejectionStaysQuiet(t *testing.T) {
	env := newActorEnv(t, nil)
	env.open("acc-1", "100", testOpened)

	out, confirmErr := env.send("acc-1", &CreateAccount{
		Owner:    bank.AccountOwner{FirstName: "Ada", Email: "ada@example.com"},
		Currency: "USD",
	}, testOpened)

	require.NoError(t, confirmErr)
	verr, ok := bank.AsValidation(out.Err)
	require.True(t, ok)
	assert.True(t, verr.NoOp())
	assert.Empty(t, env.effects.snapshotRejections())
}

func TestActorPersistFailureFailsDelivery(t *testing.T) {
	failing := &failingJournal{memJournal: newMemJournal()}
	env := newActorEnv(t, func(d *ActorDeps) { d.Journal = failing })
	env.journal = failing.memJournal

	failing.fail(errors.New("disk full"))
	out, confirmErr := env.send("acc-1", &CreateAccount{
		Owner:          bank.AccountOwner{FirstName: "Ada", Email: "ada@example.com"},
		Currency:       "USD",
		InitialDeposit: dec("10"),
		FeeSchedule:    testSchedule(),
	}, testOpened)

	require.EqualError(t, confirmErr, "disk full")
	require.EqualError(t, out.Err, "disk full")
	assert.Empty(t, env.journal.eventTypes("acc-1"))
	require.Eventually(t, func() bool { return env.effects.persistFailureCount() == 1 }, time.Second, 10*time.Millisecond)

	// The redelivered command succeeds once the store recovers.
	env.open("acc-1", "10", testOpened)
	assert.Equal(t, []string{EventTypeCreated}, env.journal.eventTypes("acc-1"))
}

func TestActorSnapshotsOnIntervalAndPassivation(t *testing.T) {
	env := newActorEnv(t, func(d *ActorDeps) {
		d.Strategy = eventsourcing.NewIntervalSnapshotStrategy(2)
	})

	env.open("acc-1", "100", testOpened)
	env.mustRun("acc-1", &DepositCash{Amount: dec("10")}, testOpened.Add(time.Hour))
	env.mustRun("acc-1", &DepositCash{Amount: dec("10")}, testOpened.Add(2*time.Hour))

	assert.Equal(t, int64(2), env.snaps.latestVersion("acc-1"))

	// Stopping the region passivates the entity, which snapshots the tail.
	require.NoError(t, env.region.Stop(context.Background()))
	assert.Equal(t, int64(3), env.snaps.latestVersion("acc-1"))
}

func TestActorHandsOffPendingTransfer(t *testing.T) {
	env := newActorEnv(t, nil)
	env.open("acc-1", "500", testOpened)
	env.mustRun("acc-1", &RegisterInternalRecipient{AccountID: "acc-2", Name: "Ops"}, testOpened.Add(time.Hour))
	env.mustRun("acc-1", &InternalTransfer{TransferID: "tr-1", RecipientID: "acc-2", Amount: dec("120")}, testOpened.Add(2*time.Hour))

	require.Eventually(t, func() bool { return len(env.effects.snapshotInternalReqs()) == 1 }, time.Second, 10*time.Millisecond)
	req := env.effects.snapshotInternalReqs()[0]
	assert.Equal(t, "tr-1", req.TransferID)
	assert.Equal(t, bank.TransferInternalWithinOrg, req.Kind)
	assert.Equal(t, "acc-1", req.Sender.AccountID)
	assert.Equal(t, "acc-2", req.Recipient.AccountID)
	assert.True(t, req.Amount.Equal(dec("120")))

	res := env.getState("acc-1")
	assert.True(t, res.State.Balance.Equal(dec("380")))
	require.Contains(t, res.State.InFlight, "tr-1")
	assert.Equal(t, bank.TransferPending, res.State.InFlight["tr-1"].Status)
}

func TestActorBillingCycleAssessesFee(t *testing.T) {
	env := newActorEnv(t, nil)
	// Neither waiver criterion is met: the deposit is below the threshold
	// and so is the running balance.
	env.open("acc-1", "100", testOpened)

	env.mustRun("acc-1", &StartBillingCycle{Month: 4, Year: 2025}, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))

	require.Eventually(t, func() bool {
		return slices.Contains(env.journal.eventTypes("acc-1"), EventTypeMaintenanceFeeDebited)
	}, time.Second, 10*time.Millisecond)

	res := env.getState("acc-1")
	assert.True(t, res.State.Balance.Equal(dec("95")), "balance %s", res.State.Balance)
	assert.Equal(t, bank.BillingPeriod{Month: 3, Year: 2025}, res.State.LastFeePeriod)

	require.Eventually(t, func() bool { return len(env.effects.snapshotStatements()) == 1 }, time.Second, 10*time.Millisecond)
	stmt := env.effects.snapshotStatements()[0]
	assert.Equal(t, bank.BillingPeriod{Month: 3, Year: 2025}, stmt.Period)
	assert.True(t, stmt.OpeningBalance.Equal(dec("100")))
	assert.True(t, stmt.ClosingBalance.Equal(dec("100")))
	require.True(t, stmt.FeeApplied.Valid)
	assert.True(t, stmt.FeeApplied.Decimal.Equal(dec("5")))

	emails := env.effects.snapshotEmails()
	require.NotEmpty(t, emails)
	assert.Equal(t, "billing-statement", emails[len(emails)-1].Template)
	assert.Equal(t, "2025-03", emails[len(emails)-1].Data["period"])
}

func TestActorBillingCycleWaivesFee(t *testing.T) {
	env := newActorEnv(t, nil)
	env.open("acc-1", "100", testOpened)
	// A qualifying deposit during the cycle waives the fee.
	env.mustRun("acc-1", &DepositCash{Amount: dec("300")}, testOpened.Add(time.Hour))

	env.mustRun("acc-1", &StartBillingCycle{Month: 4, Year: 2025}, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))

	require.Eventually(t, func() bool {
		return slices.Contains(env.journal.eventTypes("acc-1"), EventTypeMaintenanceFeeSkipped)
	}, time.Second, 10*time.Millisecond)

	res := env.getState("acc-1")
	assert.True(t, res.State.Balance.Equal(dec("400")))
	assert.NotContains(t, env.journal.eventTypes("acc-1"), EventTypeMaintenanceFeeDebited)

	require.Eventually(t, func() bool { return len(env.effects.snapshotStatements()) == 1 }, time.Second, 10*time.Millisecond)
	stmt := env.effects.snapshotStatements()[0]
	assert.True(t, stmt.OpeningBalance.Equal(dec("100")))
	assert.True(t, stmt.ClosingBalance.Equal(dec("400")))
	assert.False(t, stmt.FeeApplied.Valid)
	assert.Equal(t, string(FeeSkipQualifyingDeposit), stmt.FeeSkipReason)
}

func TestActorAutoTransferSweep(t *testing.T) {
	env := newActorEnv(t, nil)
	env.open("acc-1", "250", testOpened)

	env.mustRun("acc-1", &ConfigureAutoTransferRule{Rule: bank.AutoTransferRule{
		ID:        "sweep",
		Kind:      bank.RuleZeroBalance,
		Frequency: bank.FrequencyPerTransaction,
		Target:    bank.Party{AccountID: "acc-2", OrgID: "org-1", Name: "Reserve"},
	}}, testOpened.Add(time.Hour))

	// Configuring the rule drains the current balance without waiting for
	// the next movement.
	require.Eventually(t, func() bool {
		return slices.Contains(env.journal.eventTypes("acc-1"), EventTypeInternalAutoTransferPending)
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(env.effects.snapshotInternalReqs()) == 1 }, time.Second, 10*time.Millisecond)
	req := env.effects.snapshotInternalReqs()[0]
	assert.Equal(t, "sweep", req.RuleID)
	assert.Equal(t, bank.TransferInternalAutomated, req.Kind)
	assert.True(t, req.Amount.Equal(dec("250")))

	res := env.getState("acc-1")
	assert.True(t, res.State.Balance.IsZero(), "balance %s", res.State.Balance)
	assert.Equal(t, 1, res.State.ActiveInFlight())
}

func TestActorDistributionPersistsEveryLeg(t *testing.T) {
	env := newActorEnv(t, nil)
	env.open("acc-1", "100", testOpened)

	env.mustRun("acc-1", &ConfigureAutoTransferRule{Rule: bank.AutoTransferRule{
		ID:        "split",
		Kind:      bank.RulePercentDistribution,
		Frequency: bank.FrequencyDaily,
		Allocations: []bank.PercentAllocation{
			{Recipient: bank.Party{AccountID: "acc-2", OrgID: "org-1", Name: "Payroll"}, Percent: dec("50")},
			{Recipient: bank.Party{AccountID: "acc-3", OrgID: "org-1", Name: "Tax"}, Percent: dec("50")},
		},
	}}, testOpened.Add(time.Hour))

	env.region.Tell("acc-1", EvaluateAutoTransfers{Frequency: bank.FrequencyDaily})

	require.Eventually(t, func() bool { return len(env.effects.snapshotInternalReqs()) == 2 }, time.Second, 10*time.Millisecond)

	types := env.journal.eventTypes("acc-1")
	assert.Equal(t, 2, countType(types, EventTypeInternalAutoTransferPending))

	res := env.getState("acc-1")
	assert.True(t, res.State.Balance.IsZero(), "balance %s", res.State.Balance)
	assert.Equal(t, 2, res.State.ActiveInFlight())
}

func TestActorDistributionIsAllOrNothing(t *testing.T) {
	env := newActorEnv(t, nil)
	env.open("acc-1", "100", testOpened)

	env.mustRun("acc-1", &ConfigureAutoTransferRule{Rule: bank.AutoTransferRule{
		ID:        "split",
		Kind:      bank.RulePercentDistribution,
		Frequency: bank.FrequencyDaily,
		Allocations: []bank.PercentAllocation{
			{Recipient: bank.Party{AccountID: "acc-2", OrgID: "org-1", Name: "Payroll"}, Percent: dec("50")},
			{Recipient: bank.Party{AccountID: "acc-3", OrgID: "org-1", Name: "Tax"}, Percent: dec("50")},
		},
	}}, testOpened.Add(time.Hour))

	// Hold the entity on an unbuffered reply so the tick and a debit stack
	// up in the mailbox: the allocations are computed against 100, but the
	// debit takes the balance to 70 before they reach the journal.
	hold := make(chan StateResult)
	env.region.Tell("acc-1", GetState{Reply: hold})
	env.region.Tell("acc-1", EvaluateAutoTransfers{Frequency: bank.FrequencyDaily})
	outcomes := make(chan CommandOutcome, 1)
	env.region.Tell("acc-1", StateChange{
		Meta: eventsourcing.CommandMetadata{
			CommandID:     eventsourcing.GenerateID(),
			EntityID:      "acc-1",
			OrgID:         "org-1",
			InitiatedByID: "user-1",
			Timestamp:     testOpened.Add(2 * time.Hour),
		},
		Cmd:     &Debit{PurchaseID: "p-1", Amount: dec("30"), Merchant: "ACME", EmployeeID: "emp-1", CardID: "card-1"},
		Outcome: outcomes,
	})
	<-hold

	select {
	case out := <-outcomes:
		require.NoError(t, out.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("no debit outcome")
	}

	// The second leg no longer fits, which rejects the batch as a whole.
	require.Eventually(t, func() bool {
		for _, r := range env.effects.snapshotRejections() {
			if r.CommandType == CommandTypeInternalAutoTransfer {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	types := env.journal.eventTypes("acc-1")
	assert.Contains(t, types, EventTypeDebited)
	assert.Equal(t, 0, countType(types, EventTypeInternalAutoTransferPending))

	res := env.getState("acc-1")
	assert.True(t, res.State.Balance.Equal(dec("70")), "balance %s", res.State.Balance)
	assert.Equal(t, 0, res.State.ActiveInFlight())
}

func countType(types []string, want string) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}

func TestActorPlatformPaymentAcrossAccounts(t *testing.T) {
	env := newActorEnv(t, nil)
	env.open("acc-1", "500", testOpened)
	env.open("acc-2", "50", testOpened)
	env.mustRun("acc-1", &RegisterInternalRecipient{AccountID: "acc-2", Name: "Vendor"}, testOpened.Add(time.Hour))

	env.mustRun("acc-1", &RequestPlatformPayment{Payment: bank.PlatformPayment{
		PaymentID: "pay-1",
		Payee:     bank.Party{AccountID: "acc-2", OrgID: "org-1", Name: "Vendor"},
		Amount:    dec("75"),
		DueAt:     testOpened.Add(48 * time.Hour),
	}}, testOpened.Add(2*time.Hour))
	env.mustRun("acc-1", &PayPlatformPayment{PaymentID: "pay-1"}, testOpened.Add(3*time.Hour))

	payer := env.getState("acc-1")
	assert.True(t, payer.State.Balance.Equal(dec("425")))

	// The paid amount lands on the payee through the cross-account handoff.
	require.Eventually(t, func() bool {
		return slices.Contains(env.journal.eventTypes("acc-2"), EventTypePlatformPaymentDeposited)
	}, time.Second, 10*time.Millisecond)
	payee := env.getState("acc-2")
	assert.True(t, payee.State.Balance.Equal(dec("125")))
}

func TestActorCloseAndDeleteJournal(t *testing.T) {
	env := newActorEnv(t, nil)
	env.open("acc-1", "40", testOpened)

	// Deletion is refused while the account is not drained.
	early := make(chan error, 1)
	env.region.Tell("acc-1", DeleteJournal{Reply: early})
	select {
	case err := <-early:
		require.ErrorIs(t, err, ErrNotDrained)
	case <-time.After(5 * time.Second):
		t.Fatal("no delete reply")
	}

	env.mustRun("acc-1", &CloseAccount{Reference: "downgrade"}, testOpened.Add(time.Hour))

	require.Eventually(t, func() bool { return len(env.effects.snapshotClosures()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "downgrade", env.effects.snapshotClosures()[0].Reference)

	res := env.getState("acc-1")
	require.Equal(t, bank.AccountReadyForDelete, res.State.Status)

	done := make(chan error, 1)
	env.region.Tell("acc-1", DeleteJournal{Reply: done})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no delete reply")
	}

	events, err := env.journal.LoadEvents("acc-1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	require.Eventually(t, func() bool { return env.region.EntityCount() == 0 }, time.Second, 10*time.Millisecond)

	// A fresh activation replays an empty stream, so the account is gone.
	out, confirmErr := env.send("acc-1", &DepositCash{Amount: dec("5")}, testOpened.Add(2*time.Hour))
	require.NoError(t, confirmErr)
	verr, ok := bank.AsValidation(out.Err)
	require.True(t, ok)
	assert.Equal(t, bank.CodeAccountNotActive, verr.Code)
}
