package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/memory"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var defaultSettings = models.DisplaySettings{
	Name:         "Klinik Sehat",
	TicketTitle:  "Nomor Antrian",
	TicketFooter: "Terima kasih",
	ShowLogo:     true,
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

func (p *recordingPublisher) last() models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

type fixture struct {
	svc   *Service
	store *memory.Store
	clock *clock.Fake
	pub   *recordingPublisher
}

func newFixture(t *testing.T, autoProvision bool) fixture {
	t.Helper()
	st := memory.NewStore()
	fake := clock.NewFake(time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))
	pub := &recordingPublisher{}
	svc := NewService(st, pub, Options{
		AutoProvision:   autoProvision,
		DefaultSettings: defaultSettings,
		Location:        time.UTC,
		Clock:           fake,
		Logger:          zaptest.NewLogger(t),
	})
	return fixture{svc: svc, store: st, clock: fake, pub: pub}
}

func TestServiceScenarioFreshTenant(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	first, err := f.svc.IssueTicket(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 1, first.Number)
	require.Equal(t, 0, first.QueuesAhead)
	require.Equal(t, defaultSettings, first.Settings)

	second, err := f.svc.IssueTicket(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 2, second.Number)
	require.Equal(t, 1, second.QueuesAhead)

	called, err := f.svc.CallNext(ctx, "A1")
	require.NoError(t, err)
	require.True(t, called.Called)
	require.Equal(t, 1, called.Number)
	require.Equal(t, 1, called.WaitingCount)

	status, err := f.svc.CheckStatus(ctx, "A1", 2)
	require.NoError(t, err)
	require.Equal(t, models.StatusWaiting, status.Status)
	require.Equal(t, 0, status.Position)
	require.Equal(t, 1, status.CurrentNumber)
}

func TestIssueTicketSequentialNumbers(t *testing.T) {
	f := newFixture(t, true)
	for i := 1; i <= 20; i++ {
		res, err := f.svc.IssueTicket(context.Background(), "T1")
		require.NoError(t, err)
		require.Equal(t, i, res.Number)
		require.Equal(t, i-1, res.QueuesAhead)
	}
}

func TestIssueTicketConcurrentUnique(t *testing.T) {
	f := newFixture(t, true)
	const n = 50

	var wg sync.WaitGroup
	numbers := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.IssueTicket(context.Background(), "A1")
			if err != nil {
				t.Errorf("issue: %v", err)
				return
			}
			numbers <- res.Number
		}()
	}
	wg.Wait()
	close(numbers)

	var got []int
	for number := range numbers {
		got = append(got, number)
	}
	sort.Ints(got)
	require.Len(t, got, n)
	for i, number := range got {
		require.Equal(t, i+1, number)
	}
}

func TestCallNextConcurrentDistinct(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := f.svc.IssueTicket(ctx, "A1")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	called := make(chan int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.CallNext(ctx, "A1")
			if err != nil {
				t.Errorf("call next: %v", err)
				return
			}
			if res.Called {
				called <- res.Number
			}
		}()
	}
	wg.Wait()
	close(called)

	seen := map[int]bool{}
	for number := range called {
		require.False(t, seen[number], "ticket %d called twice", number)
		seen[number] = true
	}
	require.Len(t, seen, 10)

	snap, err := f.svc.Snapshot(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 0, snap.WaitingCount)
	require.Equal(t, 10, snap.CurrentNumber)
}

func TestCallNextPicksSmallestWaiting(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.IssueTicket(ctx, "A1")
		require.NoError(t, err)
	}
	for want := 1; want <= 3; want++ {
		res, err := f.svc.CallNext(ctx, "A1")
		require.NoError(t, err)
		require.Equal(t, want, res.Number)
		require.Equal(t, 3-want, res.WaitingCount)
	}
}

func TestWaitingListsAscending(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	empty, err := f.svc.Waiting(ctx, "A1")
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)

	for i := 0; i < 4; i++ {
		_, err := f.svc.IssueTicket(ctx, "A1")
		require.NoError(t, err)
	}
	_, err = f.svc.CallNext(ctx, "A1")
	require.NoError(t, err)

	waiting, err := f.svc.Waiting(ctx, "A1")
	require.NoError(t, err)
	numbers := make([]int, 0, len(waiting))
	for _, ticket := range waiting {
		require.Equal(t, "A1", ticket.TenantCode)
		require.Equal(t, models.StatusWaiting, ticket.Status)
		numbers = append(numbers, ticket.Number)
	}
	require.Equal(t, []int{2, 3, 4}, numbers)
}

func TestSequenceFollowsCommitOrder(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.IssueTicket(ctx, "A1")
	require.NoError(t, err)
	snap, err := f.svc.Snapshot(ctx, "A1")
	require.NoError(t, err)
	_, err = f.svc.CallNext(ctx, "A1")
	require.NoError(t, err)

	var issued, called []uint64
	for _, event := range f.pub.events {
		require.NotZero(t, event.Sequence)
		if event.Sequence < snap.Sequence {
			issued = append(issued, event.Sequence)
		} else {
			called = append(called, event.Sequence)
		}
	}
	require.Len(t, issued, 2)
	require.Equal(t, issued[0], issued[1], "events of one operation share a sequence")
	require.Len(t, called, 2)
	require.Greater(t, called[0], snap.Sequence)
}

func TestEmptyQueueIsNoop(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.Snapshot(ctx, "A1")
	require.NoError(t, err)
	f.pub.reset()

	call, err := f.svc.CallNext(ctx, "A1")
	require.NoError(t, err)
	require.False(t, call.Called)
	require.Equal(t, 0, call.Number)

	repeat, err := f.svc.RepeatCall(ctx, "A1")
	require.NoError(t, err)
	require.False(t, repeat.Repeated)
	require.Empty(t, f.pub.types())
}

func TestRepeatCallDoesNotMutate(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.IssueTicket(ctx, "A1")
		require.NoError(t, err)
	}
	_, err := f.svc.CallNext(ctx, "A1")
	require.NoError(t, err)
	before, err := f.svc.Snapshot(ctx, "A1")
	require.NoError(t, err)
	f.pub.reset()

	res, err := f.svc.RepeatCall(ctx, "A1")
	require.NoError(t, err)
	require.True(t, res.Repeated)
	require.Equal(t, 1, res.Number)

	after, err := f.svc.Snapshot(ctx, "A1")
	require.NoError(t, err)
	require.Greater(t, after.Sequence, before.Sequence)
	before.Sequence, after.Sequence = 0, 0
	require.Equal(t, before, after)

	require.Equal(t, []string{models.EventDisplayUpdated}, f.pub.types())
	var payload models.DisplayPayload
	require.NoError(t, json.Unmarshal(f.pub.last().Payload, &payload))
	require.Equal(t, models.DisplayPayload{Number: 1, Announce: true}, payload)
}

func TestResetQueue(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := f.svc.IssueTicket(ctx, "A1")
		require.NoError(t, err)
	}
	_, err := f.svc.CallNext(ctx, "A1")
	require.NoError(t, err)
	f.pub.reset()

	require.NoError(t, f.svc.ResetQueue(ctx, "A1"))
	require.Equal(t, []string{models.EventDisplayUpdated, models.EventWaitingCountChanged}, f.pub.types())

	snap, err := f.svc.Snapshot(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 0, snap.WaitingCount)
	require.Equal(t, 0, snap.CurrentNumber)
	require.Equal(t, 0, snap.LastIssuedNumber)

	res, err := f.svc.IssueTicket(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Number)
}

func TestDayRolloverIsolatedPerTenant(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for _, code := range []string{"T", "U"} {
		for i := 0; i < 3; i++ {
			_, err := f.svc.IssueTicket(ctx, code)
			require.NoError(t, err)
		}
		_, err := f.svc.CallNext(ctx, code)
		require.NoError(t, err)
	}

	f.clock.Advance(24 * time.Hour)
	f.pub.reset()

	res, err := f.svc.IssueTicket(ctx, "T")
	require.NoError(t, err)
	require.Equal(t, 1, res.Number)
	require.Equal(t, 0, res.QueuesAhead)
	require.Equal(t, []string{
		models.EventDisplayUpdated,
		models.EventWaitingCountChanged,
		models.EventTicketIssued,
		models.EventWaitingCountChanged,
	}, f.pub.types())

	// U has not been touched since midnight; its stored state is still
	// yesterday's until its own next operation.
	var stored models.Tenant
	var waiting int
	err = f.store.WithTenant(ctx, "U", func(tx store.TenantTx) error {
		var err error
		stored, _, err = tx.LoadTenant(ctx)
		if err != nil {
			return err
		}
		waiting, err = tx.CountWaiting(ctx)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 3, stored.Counters.LastIssuedNumber)
	require.Equal(t, 1, stored.Counters.CurrentCalledNumber)
	require.Equal(t, 2, waiting)
	require.Equal(t, "2025-03-10", stored.LastResetDate)
}

func TestStatusCheckAppliesRollover(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.svc.IssueTicket(ctx, "A1")
	require.NoError(t, err)
	_, err = f.svc.CallNext(ctx, "A1")
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	status, err := f.svc.CheckStatus(ctx, "A1", 1)
	require.NoError(t, err)
	require.Equal(t, models.StatusWaiting, status.Status)
	require.Equal(t, 0, status.CurrentNumber)
}

func TestMalformedResetDateRollsOver(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := f.svc.IssueTicket(ctx, "A1")
		require.NoError(t, err)
	}
	err := f.store.WithTenant(ctx, "A1", func(tx store.TenantTx) error {
		tenant, _, err := tx.LoadTenant(ctx)
		if err != nil {
			return err
		}
		tenant.LastResetDate = "not-a-date"
		return tx.SaveTenant(ctx, tenant)
	})
	require.NoError(t, err)

	res, err := f.svc.IssueTicket(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Number)
}

func TestInactiveTenantRejected(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.svc.IssueTicket(ctx, "A1")
	require.NoError(t, err)
	_, err = f.svc.Directory().SetActive(ctx, "A1", false)
	require.NoError(t, err)
	f.pub.reset()

	_, err = f.svc.IssueTicket(ctx, "A1")
	require.ErrorIs(t, err, ErrInactiveTenant)
	_, err = f.svc.CallNext(ctx, "A1")
	require.ErrorIs(t, err, ErrInactiveTenant)
	_, err = f.svc.CheckStatus(ctx, "A1", 1)
	require.ErrorIs(t, err, ErrInactiveTenant)
	require.Empty(t, f.pub.types())

	settings, err := f.svc.Settings(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, defaultSettings, settings)

	tenant, err := f.svc.Directory().Resolve(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 1, tenant.Counters.LastIssuedNumber)
	require.Equal(t, 0, tenant.Counters.CurrentCalledNumber)
}

func TestUnknownTenantWithoutAutoProvision(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.svc.IssueTicket(ctx, "ZZ")
	require.ErrorIs(t, err, ErrUnknownTenant)
	_, err = f.svc.Settings(ctx, "ZZ")
	require.ErrorIs(t, err, ErrUnknownTenant)

	tenants, err := f.svc.Directory().List(ctx)
	require.NoError(t, err)
	require.Empty(t, tenants)

	_, err = f.svc.Directory().Create(ctx, "ZZ", "Klinik ZZ")
	require.NoError(t, err)
	res, err := f.svc.IssueTicket(ctx, "ZZ")
	require.NoError(t, err)
	require.Equal(t, 1, res.Number)
	require.Equal(t, "Klinik ZZ", res.Settings.Name)
}

func TestInvalidTenantCode(t *testing.T) {
	f := newFixture(t, true)
	for _, code := range []string{"", "   ", "a/b", "kode dengan spasi", "abcdefghijklmnopqrstuvwxyz0123456789"} {
		_, err := f.svc.IssueTicket(context.Background(), code)
		require.ErrorIs(t, err, ErrInvalidTenantCode, code)
	}
	res, err := f.svc.IssueTicket(context.Background(), "  A1 ")
	require.NoError(t, err)
	require.Equal(t, 1, res.Number)
}

func TestCheckStatusClassification(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := f.svc.IssueTicket(ctx, "A1")
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := f.svc.CallNext(ctx, "A1")
		require.NoError(t, err)
	}

	cases := []struct {
		number   int
		status   string
		position int
	}{
		{1, StatusPassed, 0},
		{2, StatusPassed, 0},
		{3, models.StatusCalled, 0},
		{4, models.StatusWaiting, 0},
		{5, models.StatusWaiting, 1},
		{6, models.StatusWaiting, 2},
		{40, models.StatusWaiting, 3},
	}
	for _, tc := range cases {
		got, err := f.svc.CheckStatus(ctx, "A1", tc.number)
		require.NoError(t, err)
		require.Equal(t, tc.status, got.Status, "number %d", tc.number)
		require.Equal(t, tc.position, got.Position, "number %d", tc.number)
		require.Equal(t, 3, got.CurrentNumber)
	}
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.UpdateSettings(ctx, "A1", models.DisplaySettings{TicketTitle: "x"})
	require.ErrorIs(t, err, ErrInvalidSettings)
	tenants, err := f.svc.Directory().List(ctx)
	require.NoError(t, err)
	require.Empty(t, tenants, "invalid payload must not provision")

	next := models.DisplaySettings{Name: "Klinik Baru", TicketTitle: "Antrian", TicketFooter: "Semoga lekas sembuh", ShowLogo: false}
	saved, err := f.svc.UpdateSettings(ctx, "A1", next)
	require.NoError(t, err)
	require.Equal(t, next, saved)

	got, err := f.svc.Settings(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, next, got)

	require.Equal(t, models.EventSettingsUpdated, f.pub.last().Type)
	var payload models.DisplaySettings
	require.NoError(t, json.Unmarshal(f.pub.last().Payload, &payload))
	require.Equal(t, next, payload)
}

func TestIssueEventsCarryTenant(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.svc.IssueTicket(ctx, "A1")
	require.NoError(t, err)

	// A fresh tenant is provisioned with today's date, so no rollover.
	require.Equal(t, []string{models.EventTicketIssued, models.EventWaitingCountChanged}, f.pub.types())
	for _, event := range f.pub.events {
		require.Equal(t, "A1", event.TenantCode)
		require.Equal(t, f.clock.Now(), event.CreatedAt)
	}
	var issued models.TicketIssuedPayload
	require.NoError(t, json.Unmarshal(f.pub.events[0].Payload, &issued))
	require.Equal(t, 1, issued.Number)
	require.Equal(t, defaultSettings, issued.Settings)
}

type failingStore struct {
	*memory.Store
}

func (s failingStore) WithTenant(ctx context.Context, code string, fn func(tx store.TenantTx) error) error {
	return s.Store.WithTenant(ctx, code, func(tx store.TenantTx) error {
		return fn(failingTx{TenantTx: tx})
	})
}

type failingTx struct {
	store.TenantTx
}

func (failingTx) AppendTicket(ctx context.Context, number int, issuedAt time.Time) (models.Ticket, error) {
	return models.Ticket{}, errors.New("disk full")
}

func TestStorageFailureDoesNotPartiallyApply(t *testing.T) {
	mem := memory.NewStore()
	fake := clock.NewFake(time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))
	opts := Options{AutoProvision: true, DefaultSettings: defaultSettings, Location: time.UTC, Clock: fake}

	good := NewService(mem, nil, opts)
	_, err := good.IssueTicket(context.Background(), "A1")
	require.NoError(t, err)

	pub := &recordingPublisher{}
	bad := NewService(failingStore{Store: mem}, pub, opts)
	_, err = bad.IssueTicket(context.Background(), "A1")
	require.ErrorIs(t, err, ErrStorageUnavailable)
	require.Empty(t, pub.types())

	snap, err := good.Snapshot(context.Background(), "A1")
	require.NoError(t, err)
	require.Equal(t, 1, snap.LastIssuedNumber)
	require.Equal(t, 1, snap.WaitingCount)
}
