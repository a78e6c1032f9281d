package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const StatusPassed = "passed"

// Publisher receives committed events. Implementations must not block.
type Publisher interface {
	Publish(ctx context.Context, event models.Event)
}

type Options struct {
	AutoProvision   bool
	DefaultSettings models.DisplaySettings
	Location        *time.Location
	Clock           clock.Clock
	Logger          *zap.Logger
}

type IssueResult struct {
	Number      int                    `json:"number"`
	QueuesAhead int                    `json:"queues_ahead"`
	Settings    models.DisplaySettings `json:"settings"`
}

type CallResult struct {
	Called       bool `json:"called"`
	Number       int  `json:"number"`
	WaitingCount int  `json:"waiting_count"`
}

type RepeatResult struct {
	Repeated bool `json:"repeated"`
	Number   int  `json:"number"`
}

type StatusResult struct {
	Number        int    `json:"number"`
	Status        string `json:"status"`
	Position      int    `json:"position"`
	CurrentNumber int    `json:"current_number"`
}

type Snapshot struct {
	TenantCode       string                 `json:"tenant_code"`
	Settings         models.DisplaySettings `json:"settings"`
	CurrentNumber    int                    `json:"current_number"`
	LastIssuedNumber int                    `json:"last_issued_number"`
	WaitingCount     int                    `json:"waiting_count"`
	Sequence         uint64                 `json:"sequence"`
}

// Service is the queue state machine. Every operation runs inside a
// tenant transaction: gate, rollover, mutate, commit, then publish.
type Service struct {
	store     store.Store
	directory *Directory
	days      DayBoundary
	clock     clock.Clock
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	sequence  atomic.Uint64
}

func NewService(st store.Store, publisher Publisher, options Options) *Service {
	c := options.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	days := NewDayBoundary(c, options.Location)
	return &Service{
		store:     st,
		directory: NewDirectory(st, days, options.AutoProvision, options.DefaultSettings),
		days:      days,
		clock:     c,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("qms/clinic-queue/queue"),
	}
}

func (s *Service) Directory() *Directory {
	return s.directory
}

type opState struct {
	tx     store.TenantTx
	tenant models.Tenant
	rolled bool
	seq    uint64
	now    time.Time
	events []models.Event
	err    error
}

func (op *opState) emit(eventType string, payload interface{}) {
	if op.err != nil {
		return
	}
	event, err := models.NewEvent(eventType, op.tenant.Code, payload, op.now)
	if err != nil {
		op.err = err
		return
	}
	event.Sequence = op.seq
	op.events = append(op.events, event)
}

func (s *Service) run(ctx context.Context, name, code string, allowInactive bool, fn func(ctx context.Context, op *opState) error) error {
	ctx, span := s.tracer.Start(ctx, "queue."+name, trace.WithAttributes(attribute.String("tenant.code", code)))
	defer span.End()

	code, err := NormalizeCode(code)
	if err != nil {
		return err
	}

	op := &opState{now: s.clock.Now()}
	err = s.store.WithTenant(ctx, code, func(tx store.TenantTx) error {
		op.tx = tx
		op.seq = s.sequence.Add(1)
		tenant, err := s.directory.gate(ctx, tx, code, allowInactive)
		if err != nil {
			return err
		}
		op.tenant, op.rolled, err = s.days.Apply(ctx, tx, tenant)
		if err != nil {
			return err
		}
		if op.rolled {
			s.logger.Info("queue rolled over", zap.String("tenant", code), zap.String("date", op.tenant.LastResetDate))
			op.emit(models.EventDisplayUpdated, models.DisplayPayload{})
			op.emit(models.EventWaitingCountChanged, models.WaitingCountPayload{})
		}
		if err := fn(ctx, op); err != nil {
			return err
		}
		return op.err
	})
	if err != nil {
		err = storageError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrStorageUnavailable) {
			s.logger.Error("queue storage failure", zap.String("op", name), zap.String("tenant", code), zap.Error(err))
		} else {
			s.logger.Debug("queue operation rejected", zap.String("op", name), zap.String("tenant", code), zap.Error(err))
		}
		return err
	}

	if len(op.events) > 0 {
		s.logger.Debug("queue state changed", zap.String("op", name), zap.String("tenant", code), zap.Int("events", len(op.events)))
	}
	if s.publisher != nil {
		for _, event := range op.events {
			s.publisher.Publish(ctx, event)
		}
	}
	return nil
}

// IssueTicket appends the next ticket number for the tenant's current day.
func (s *Service) IssueTicket(ctx context.Context, code string) (IssueResult, error) {
	var result IssueResult
	err := s.run(ctx, "issue_ticket", code, false, func(ctx context.Context, op *opState) error {
		number := op.tenant.Counters.LastIssuedNumber + 1
		op.tenant.Counters.LastIssuedNumber = number
		if err := op.tx.SaveTenant(ctx, op.tenant); err != nil {
			return err
		}
		if _, err := op.tx.AppendTicket(ctx, number, op.now); err != nil {
			return err
		}
		waiting, err := op.tx.CountWaiting(ctx)
		if err != nil {
			return err
		}
		ahead := waiting - 1
		if ahead < 0 {
			ahead = 0
		}
		result = IssueResult{Number: number, QueuesAhead: ahead, Settings: op.tenant.Settings}
		op.emit(models.EventTicketIssued, models.TicketIssuedPayload{
			Number:      number,
			QueuesAhead: ahead,
			Settings:    op.tenant.Settings,
		})
		op.emit(models.EventWaitingCountChanged, models.WaitingCountPayload{Count: waiting})
		return nil
	})
	return result, err
}

// CallNext calls the lowest-numbered waiting ticket. An empty queue is not
// an error; the result reports Called=false.
func (s *Service) CallNext(ctx context.Context, code string) (CallResult, error) {
	var result CallResult
	err := s.run(ctx, "call_next", code, false, func(ctx context.Context, op *opState) error {
		waiting, err := op.tx.ListWaiting(ctx)
		if err != nil {
			return err
		}
		if len(waiting) == 0 {
			result = CallResult{Number: op.tenant.Counters.CurrentCalledNumber}
			return nil
		}
		ticket, err := op.tx.MarkCalled(ctx, waiting[0].Number, op.now)
		if err != nil {
			return err
		}
		op.tenant.Counters.CurrentCalledNumber = ticket.Number
		if err := op.tx.SaveTenant(ctx, op.tenant); err != nil {
			return err
		}
		count, err := op.tx.CountWaiting(ctx)
		if err != nil {
			return err
		}
		result = CallResult{Called: true, Number: ticket.Number, WaitingCount: count}
		op.emit(models.EventDisplayUpdated, models.DisplayPayload{Number: ticket.Number, Announce: true})
		op.emit(models.EventWaitingCountChanged, models.WaitingCountPayload{Count: count})
		return nil
	})
	return result, err
}

// RepeatCall re-announces the current number without touching state.
func (s *Service) RepeatCall(ctx context.Context, code string) (RepeatResult, error) {
	var result RepeatResult
	err := s.run(ctx, "repeat_call", code, false, func(ctx context.Context, op *opState) error {
		current := op.tenant.Counters.CurrentCalledNumber
		if current == 0 {
			return nil
		}
		result = RepeatResult{Repeated: true, Number: current}
		op.emit(models.EventDisplayUpdated, models.DisplayPayload{Number: current, Announce: true})
		return nil
	})
	return result, err
}

// ResetQueue clears the ledger and both counters regardless of the date.
func (s *Service) ResetQueue(ctx context.Context, code string) error {
	return s.run(ctx, "reset_queue", code, false, func(ctx context.Context, op *opState) error {
		if err := op.tx.ClearTickets(ctx); err != nil {
			return err
		}
		op.tenant.Counters = models.QueueCounters{}
		if err := op.tx.SaveTenant(ctx, op.tenant); err != nil {
			return err
		}
		if !op.rolled {
			op.emit(models.EventDisplayUpdated, models.DisplayPayload{})
			op.emit(models.EventWaitingCountChanged, models.WaitingCountPayload{})
		}
		return nil
	})
}

// UpdateSettings replaces the tenant's display settings wholesale.
func (s *Service) UpdateSettings(ctx context.Context, code string, settings models.DisplaySettings) (models.DisplaySettings, error) {
	if err := ValidateSettings(settings); err != nil {
		return models.DisplaySettings{}, err
	}
	err := s.run(ctx, "update_settings", code, false, func(ctx context.Context, op *opState) error {
		op.tenant.Settings = settings
		if err := op.tx.SaveTenant(ctx, op.tenant); err != nil {
			return err
		}
		op.emit(models.EventSettingsUpdated, settings)
		return nil
	})
	if err != nil {
		return models.DisplaySettings{}, err
	}
	return settings, nil
}

// Settings is readable even while the tenant is inactive.
func (s *Service) Settings(ctx context.Context, code string) (models.DisplaySettings, error) {
	var settings models.DisplaySettings
	err := s.run(ctx, "settings", code, true, func(ctx context.Context, op *opState) error {
		settings = op.tenant.Settings
		return nil
	})
	return settings, err
}

// CheckStatus classifies a ticket number against the current call. It is
// derived from counters and the ledger, so unknown numbers are answered too.
func (s *Service) CheckStatus(ctx context.Context, code string, number int) (StatusResult, error) {
	var result StatusResult
	err := s.run(ctx, "check_status", code, false, func(ctx context.Context, op *opState) error {
		current := op.tenant.Counters.CurrentCalledNumber
		result = StatusResult{Number: number, CurrentNumber: current}
		switch {
		case number == current:
			result.Status = models.StatusCalled
		case number < current:
			result.Status = StatusPassed
		default:
			waiting, err := op.tx.ListWaiting(ctx)
			if err != nil {
				return err
			}
			result.Status = models.StatusWaiting
			for _, ticket := range waiting {
				if ticket.Number >= number {
					break
				}
				result.Position++
			}
		}
		return nil
	})
	return result, err
}

// Snapshot is the state a new subscriber needs to render immediately.
func (s *Service) Snapshot(ctx context.Context, code string) (Snapshot, error) {
	var snap Snapshot
	err := s.run(ctx, "snapshot", code, false, func(ctx context.Context, op *opState) error {
		count, err := op.tx.CountWaiting(ctx)
		if err != nil {
			return err
		}
		snap = Snapshot{
			TenantCode:       op.tenant.Code,
			Settings:         op.tenant.Settings,
			CurrentNumber:    op.tenant.Counters.CurrentCalledNumber,
			LastIssuedNumber: op.tenant.Counters.LastIssuedNumber,
			WaitingCount:     count,
			Sequence:         op.seq,
		}
		return nil
	})
	return snap, err
}

// Waiting lists the tenant's waiting tickets in call order.
func (s *Service) Waiting(ctx context.Context, code string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := s.run(ctx, "waiting", code, false, func(ctx context.Context, op *opState) error {
		var err error
		tickets, err = op.tx.ListWaiting(ctx)
		return err
	})
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	return tickets, err
}
