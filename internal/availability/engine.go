// Package availability генерирует конкретные слоты из правил повторяющейся
// доступности и отфильтровывает конфликты с бронированиями и внешним календарём.
package availability

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/booking-system/internal/model"
	"github.com/mmeshcher/booking-system/internal/repository"
)

// Store описывает контракт доступа к данным, используемый движком доступности.
type Store interface {
	GetTenant(ctx context.Context, id int64) (*model.Tenant, error)
	GetOffering(ctx context.Context, tenantID, offeringID int64) (*model.Offering, error)
	GetEffectiveRules(ctx context.Context, tenantID, offeringID int64, from, to time.Time) ([]model.AvailabilityRule, error)
	FindOverlapping(ctx context.Context, tenantID int64, from, to time.Time) ([]model.Booking, error)
}

// BusyBlockSource описывает внешний календарь занятости.
// Отсутствие календаря — допустимая конфигурация.
type BusyBlockSource interface {
	GetBusyBlocks(ctx context.Context, tenantID int64, from, to time.Time) ([]model.BusyBlock, error)
}

// Engine вычисляет доступные слоты. Состояние полностью выводится из запроса.
type Engine struct {
	store    Store
	calendar BusyBlockSource
	logger   *zap.Logger
}

// NewEngine создаёт движок доступности. calendar может быть nil —
// тогда фильтрация по внешнему календарю не выполняется.
func NewEngine(store Store, calendar BusyBlockSource, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		calendar: calendar,
		logger:   logger,
	}
}

// GetAvailableSlots возвращает слоты предложения на календарную дату.
// Отсутствующее или неактивное предложение даёт пустой результат без ошибки.
func (e *Engine) GetAvailableSlots(ctx context.Context, tenantID, offeringID int64, date time.Time) ([]model.TimeSlot, error) {
	offering, err := e.store.GetOffering(ctx, tenantID, offeringID)
	if err != nil {
		if errors.Is(err, repository.ErrOfferingNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !offering.Active {
		return nil, nil
	}

	tenant, err := e.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	rules, err := e.store.GetEffectiveRules(ctx, tenantID, offeringID, date, date)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}

	loc := e.location(tenant)
	slots := e.generateSlots(rules, loc, date, offering)
	if len(slots) == 0 {
		return nil, nil
	}

	from := slots[0].Start
	to := slots[len(slots)-1].End

	bookings, err := e.store.FindOverlapping(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	markBookingConflicts(slots, bookings)

	// Сбой внешнего календаря не роняет запрос: слоты возвращаются
	// по внутренним данным.
	e.applyBusyBlocks(ctx, tenantID, from, to, slots)

	return slots, nil
}

// GetNextAvailableSlot ищет первый свободный слот начиная с указанной даты.
// Бронирования и правила на всё окно поиска загружаются двумя запросами,
// дальнейший перебор дней выполняется в памяти.
func (e *Engine) GetNextAvailableSlot(ctx context.Context, tenantID, offeringID int64, from time.Time, maxDaysAhead int) (*model.TimeSlot, error) {
	offering, err := e.store.GetOffering(ctx, tenantID, offeringID)
	if err != nil {
		if errors.Is(err, repository.ErrOfferingNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !offering.Active {
		return nil, nil
	}

	tenant, err := e.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	windowEnd := from.AddDate(0, 0, maxDaysAhead)

	rules, err := e.store.GetEffectiveRules(ctx, tenantID, offeringID, from, windowEnd)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}

	byWeekday := make(map[time.Weekday][]model.AvailabilityRule)
	for _, r := range rules {
		byWeekday[r.Weekday] = append(byWeekday[r.Weekday], r)
	}

	loc := e.location(tenant)

	rangeStart := localToUTC(loc, from.Year(), from.Month(), from.Day(), 0, 0)
	rangeEnd := localToUTC(loc, windowEnd.Year(), windowEnd.Month(), windowEnd.Day(), 0, 0)

	bookings, err := e.store.FindOverlapping(ctx, tenantID, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}

	busy := e.fetchBusyBlocks(ctx, tenantID, rangeStart, rangeEnd)

	// Окно поиска полуоткрытое: просматривается ровно maxDaysAhead дней.
	for day := from; day.Before(windowEnd); day = day.AddDate(0, 0, 1) {
		dayRules := byWeekday[civilWeekday(day)]
		if len(dayRules) == 0 {
			continue
		}

		slots := e.generateSlots(dayRules, loc, day, offering)
		markBookingConflicts(slots, bookings)
		markBusyConflicts(slots, busy)

		for i := range slots {
			if slots[i].Available {
				s := slots[i]
				return &s, nil
			}
		}
	}

	return nil, nil
}

// IsSlotAvailable проверяет единичный интервал предложения на конфликт
// с активными бронированиями. Отсутствующее или неактивное предложение
// считается недоступным без ошибки.
func (e *Engine) IsSlotAvailable(ctx context.Context, tenantID, offeringID int64, start, end time.Time) (bool, error) {
	offering, err := e.store.GetOffering(ctx, tenantID, offeringID)
	if err != nil {
		if errors.Is(err, repository.ErrOfferingNotFound) {
			return false, nil
		}
		return false, err
	}
	if !offering.Active {
		return false, nil
	}

	bookings, err := e.store.FindOverlapping(ctx, tenantID, start, end)
	if err != nil {
		return false, err
	}
	return len(bookings) == 0, nil
}

func (e *Engine) location(tenant *model.Tenant) *time.Location {
	loc, ok := loadLocation(tenant.Timezone)
	if !ok {
		e.logger.Warn("unknown tenant timezone, falling back to UTC",
			zap.Int64("tenantID", tenant.ID),
			zap.String("timezone", tenant.Timezone),
		)
	}
	return loc
}

// generateSlots строит слоты по правилам, действующим в указанный день.
// Окно правила задано настенным временем зоны арендатора и переводится
// в UTC с учётом переводов часов; шаг равен длительности плюс буферу,
// слот попадает в выдачу, только если целиком помещается в окно.
func (e *Engine) generateSlots(rules []model.AvailabilityRule, loc *time.Location, date time.Time, offering *model.Offering) []model.TimeSlot {
	weekday := civilWeekday(date)
	duration := time.Duration(offering.DurationMin) * time.Minute
	step := duration + time.Duration(offering.BufferMin)*time.Minute
	if duration <= 0 {
		return nil
	}

	var slots []model.TimeSlot
	for _, rule := range rules {
		if rule.Weekday != weekday || !ruleEffectiveOn(rule, date) {
			continue
		}

		startH, startM, err := parseClock(rule.StartTime)
		if err != nil {
			e.logger.Warn("skipping rule with bad start time", zap.Int64("ruleID", rule.ID), zap.Error(err))
			continue
		}
		endH, endM, err := parseClock(rule.EndTime)
		if err != nil {
			e.logger.Warn("skipping rule with bad end time", zap.Int64("ruleID", rule.ID), zap.Error(err))
			continue
		}

		windowStart := localToUTC(loc, date.Year(), date.Month(), date.Day(), startH, startM)
		windowEnd := localToUTC(loc, date.Year(), date.Month(), date.Day(), endH, endM)

		for t := windowStart; !t.Add(duration).After(windowEnd); t = t.Add(step) {
			slots = append(slots, model.TimeSlot{
				Start:     t,
				End:       t.Add(duration),
				Available: true,
			})
		}
	}

	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Start.Before(slots[j].Start)
	})

	return slots
}

func (e *Engine) applyBusyBlocks(ctx context.Context, tenantID int64, from, to time.Time, slots []model.TimeSlot) {
	busy := e.fetchBusyBlocks(ctx, tenantID, from, to)
	markBusyConflicts(slots, busy)
}

func (e *Engine) fetchBusyBlocks(ctx context.Context, tenantID int64, from, to time.Time) []model.BusyBlock {
	if e.calendar == nil {
		return nil
	}

	busy, err := e.calendar.GetBusyBlocks(ctx, tenantID, from, to)
	if err != nil {
		e.logger.Warn("external calendar unavailable, using internal data only",
			zap.Int64("tenantID", tenantID),
			zap.Error(err),
		)
		return nil
	}

	return busy
}

func markBookingConflicts(slots []model.TimeSlot, bookings []model.Booking) {
	for i := range slots {
		if !slots[i].Available {
			continue
		}
		for _, b := range bookings {
			if b.SlotStart == nil || b.SlotEnd == nil {
				continue
			}
			if model.Overlaps(slots[i].Start, slots[i].End, *b.SlotStart, *b.SlotEnd) {
				slots[i].Available = false
				break
			}
		}
	}
}

func markBusyConflicts(slots []model.TimeSlot, busy []model.BusyBlock) {
	for i := range slots {
		if !slots[i].Available {
			continue
		}
		for _, blk := range busy {
			if model.Overlaps(slots[i].Start, slots[i].End, blk.Start, blk.End) {
				slots[i].Available = false
				break
			}
		}
	}
}

// ruleEffectiveOn проверяет попадание календарной даты в период действия правила.
func ruleEffectiveOn(rule model.AvailabilityRule, date time.Time) bool {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	if rule.EffectiveFrom != nil && day.Before(startOfDay(*rule.EffectiveFrom)) {
		return false
	}
	if rule.EffectiveTo != nil && day.After(startOfDay(*rule.EffectiveTo)) {
		return false
	}
	return true
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// civilWeekday возвращает день недели календарной даты независимо от зоны значения.
func civilWeekday(date time.Time) time.Weekday {
	return time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC).Weekday()
}
