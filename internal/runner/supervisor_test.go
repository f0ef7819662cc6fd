package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zwy923/mailsift/config"
	contracts "github.com/zwy923/mailsift/contracts/mq"
	"github.com/zwy923/mailsift/internal/model"
	"github.com/zwy923/mailsift/internal/pipeline"
	"github.com/zwy923/mailsift/internal/syncer"
	"github.com/zwy923/mailsift/pkg/crypto"
	"github.com/zwy923/mailsift/pkg/faults"
)

const testKeyHex = "8d969eef6ecad3c29a3a629280e686cf0c3f5d5a86aff3ca12020c923adc6c92"

type fakeAccounts struct {
	acct *model.Account
}

func (f *fakeAccounts) FindByID(context.Context, int64) (*model.Account, error) {
	return f.acct, nil
}

type ledgerEvent struct {
	kind      string
	attempt   int
	fetched   int
	processed int
	msg       string
}

type fakeLedger struct {
	events []ledgerEvent
}

func (f *fakeLedger) MarkRunning(_ context.Context, _ string, attempt int) error {
	f.events = append(f.events, ledgerEvent{kind: "running", attempt: attempt})
	return nil
}

func (f *fakeLedger) MarkRetrying(_ context.Context, _ string, attempt int, msg string) error {
	f.events = append(f.events, ledgerEvent{kind: "retrying", attempt: attempt, msg: msg})
	return nil
}

func (f *fakeLedger) MarkDone(_ context.Context, _ string, fetched, processed int) error {
	f.events = append(f.events, ledgerEvent{kind: "done", fetched: fetched, processed: processed})
	return nil
}

func (f *fakeLedger) MarkError(_ context.Context, _ string, msg string) error {
	f.events = append(f.events, ledgerEvent{kind: "error", msg: msg})
	return nil
}

func (f *fakeLedger) last() ledgerEvent {
	if len(f.events) == 0 {
		return ledgerEvent{}
	}
	return f.events[len(f.events)-1]
}

type fakeSyncer struct {
	summary *syncer.Summary
	err     error
	calls   int
}

func (f *fakeSyncer) SyncAccount(_ context.Context, _ *model.Account, _ *crypto.Box) (*syncer.Summary, error) {
	f.calls++
	return f.summary, f.err
}

type fakeProcessor struct {
	outcome *pipeline.Outcome
	err     error
}

func (f *fakeProcessor) ProcessAccount(context.Context, *model.Account) (*pipeline.Outcome, error) {
	return f.outcome, f.err
}

type delayedEvent struct {
	key     string
	payload contracts.SyncRunPayload
	delay   time.Duration
}

type fakeDelayedPublisher struct {
	events []delayedEvent
	err    error
}

func (f *fakeDelayedPublisher) PublishDelayed(key string, payload any, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, delayedEvent{key: key, payload: payload.(contracts.SyncRunPayload), delay: delay})
	return nil
}

type supervisorFixture struct {
	accounts  *fakeAccounts
	ledger    *fakeLedger
	syncer    *fakeSyncer
	processor *fakeProcessor
	publisher *fakeDelayedPublisher
	boxes     []*crypto.Box
}

func newSupervisorFixture() *supervisorFixture {
	return &supervisorFixture{
		accounts:  &fakeAccounts{acct: &model.Account{ID: 1, UserID: 7, Active: true}},
		ledger:    &fakeLedger{},
		syncer:    &fakeSyncer{summary: &syncer.Summary{Fetched: 5}},
		processor: &fakeProcessor{outcome: &pipeline.Outcome{Processed: 5, Advanced: 5}},
		publisher: &fakeDelayedPublisher{},
	}
}

func (f *supervisorFixture) supervisor() *Supervisor {
	factory := func(box *crypto.Box) AccountProcessor {
		f.boxes = append(f.boxes, box)
		return f.processor
	}
	retry := config.RetryConfig{MaxAttempts: 3, BackoffBaseSec: 10, BackoffMaxSec: 300}
	return NewSupervisor(
		f.accounts, f.ledger, f.syncer, factory, f.publisher,
		testKeyHex, retry, time.Minute, zap.NewNop())
}

func runPayload(attempt int) contracts.SyncRunPayload {
	return contracts.SyncRunPayload{
		RunID:     "run-1",
		AccountID: 1,
		Attempt:   attempt,
		QueuedAt:  time.Now(),
	}
}

func TestHandleRunSuccess(t *testing.T) {
	f := newSupervisorFixture()

	err := f.supervisor().HandleRun(context.Background(), runPayload(1))
	require.NoError(t, err)

	require.Len(t, f.ledger.events, 2)
	assert.Equal(t, "running", f.ledger.events[0].kind)
	assert.Equal(t, "done", f.ledger.events[1].kind)
	assert.Equal(t, 5, f.ledger.events[1].fetched)
	assert.Equal(t, 5, f.ledger.events[1].processed)
	assert.Empty(t, f.publisher.events)
}

func TestHandleRunWipesBoxAfterRun(t *testing.T) {
	f := newSupervisorFixture()

	err := f.supervisor().HandleRun(context.Background(), runPayload(1))
	require.NoError(t, err)

	require.Len(t, f.boxes, 1)
	_, sealErr := f.boxes[0].SealString("anything")
	assert.ErrorIs(t, sealErr, crypto.ErrKeyWiped)
}

func TestHandleRunTransientFailureReEnqueues(t *testing.T) {
	f := newSupervisorFixture()
	f.syncer.err = faults.Transientf("mailstore unreachable")

	err := f.supervisor().HandleRun(context.Background(), runPayload(1))
	require.NoError(t, err)

	assert.Equal(t, "retrying", f.ledger.last().kind)
	assert.Equal(t, 2, f.ledger.last().attempt)

	require.Len(t, f.publisher.events, 1)
	ev := f.publisher.events[0]
	assert.Equal(t, contracts.RoutingSyncRunRequested, ev.key)
	assert.Equal(t, 2, ev.payload.Attempt)
	assert.Equal(t, 10*time.Second, ev.delay)
}

func TestHandleRunBackoffGrowsAndCaps(t *testing.T) {
	f := newSupervisorFixture()
	f.syncer.err = faults.Transientf("still down")
	s := f.supervisor()

	assert.Equal(t, 10*time.Second, s.backoff(1))
	assert.Equal(t, 20*time.Second, s.backoff(2))
	assert.Equal(t, 40*time.Second, s.backoff(3))
	assert.Equal(t, 300*time.Second, s.backoff(10))
}

func TestHandleRunExhaustedAttemptsCloseAsError(t *testing.T) {
	f := newSupervisorFixture()
	f.syncer.err = faults.Transientf("mailstore unreachable")

	err := f.supervisor().HandleRun(context.Background(), runPayload(3))
	require.NoError(t, err)

	assert.Equal(t, "error", f.ledger.last().kind)
	assert.Empty(t, f.publisher.events)
}

func TestHandleRunPermanentFailureClosesImmediately(t *testing.T) {
	f := newSupervisorFixture()
	f.syncer.err = faults.Permanent(errors.New("bad credentials"))

	err := f.supervisor().HandleRun(context.Background(), runPayload(1))
	require.NoError(t, err)

	assert.Equal(t, "error", f.ledger.last().kind)
	assert.Contains(t, f.ledger.last().msg, "bad credentials")
	assert.Empty(t, f.publisher.events)
}

func TestHandleRunPipelineFailureStillCountsFetched(t *testing.T) {
	f := newSupervisorFixture()
	f.processor.err = faults.Permanent(errors.New("schema drift"))

	err := f.supervisor().HandleRun(context.Background(), runPayload(1))
	require.NoError(t, err)

	assert.Equal(t, "error", f.ledger.last().kind)
	assert.Equal(t, 1, f.syncer.calls)
}

func TestHandleRunMissingAccountClosesRun(t *testing.T) {
	f := newSupervisorFixture()
	f.accounts.acct = nil

	err := f.supervisor().HandleRun(context.Background(), runPayload(1))
	require.NoError(t, err)

	assert.Equal(t, "error", f.ledger.last().kind)
	assert.Zero(t, f.syncer.calls)
}

func TestHandleRunDisabledAccountClosesRun(t *testing.T) {
	f := newSupervisorFixture()
	f.accounts.acct.Active = false

	err := f.supervisor().HandleRun(context.Background(), runPayload(1))
	require.NoError(t, err)

	assert.Equal(t, "error", f.ledger.last().kind)
	assert.Zero(t, f.syncer.calls)
}

func TestHandleRunReEnqueueFailureClosesRun(t *testing.T) {
	f := newSupervisorFixture()
	f.syncer.err = faults.Transientf("mailstore unreachable")
	f.publisher.err = errors.New("broker down")

	err := f.supervisor().HandleRun(context.Background(), runPayload(1))
	require.NoError(t, err)

	assert.Equal(t, "error", f.ledger.last().kind)
}
