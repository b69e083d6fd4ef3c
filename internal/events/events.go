// Package events carries engine notifications between components.
package events

import (
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/talkincode/chippool/internal/domain"
	"go.uber.org/zap"
)

const (
	TopicTrustChanged  = "chip:trust_changed"
	TopicStatusChanged = "chip:status_changed"
	TopicAlertOpened   = "alert:opened"
	TopicAlertResolved = "alert:resolved"
)

var Topics = []string{TopicTrustChanged, TopicStatusChanged, TopicAlertOpened, TopicAlertResolved}

// TrustChanged is published after a committed score change.
type TrustChanged struct {
	ChipID      string    `json:"chip_id"`
	ScoreBefore int       `json:"score_before"`
	ScoreAfter  int       `json:"score_after"`
	Description string    `json:"description"`
	FactKey     string    `json:"fact_key"`
	// WindowDrop is the peak score within the alert window minus ScoreAfter.
	WindowDrop int `json:"window_drop"`
	// CriticalCrossing is set when this change pushed WindowDrop to or past
	// trustDropCritical.
	CriticalCrossing bool      `json:"critical_crossing"`
	At               time.Time `json:"at"`
}

// StatusChanged is published after a committed lifecycle transition.
type StatusChanged struct {
	ChipID    string             `json:"chip_id"`
	Action    string             `json:"action"`
	From      domain.ChipStatus  `json:"from"`
	To        domain.ChipStatus  `json:"to"`
	FromPhase domain.WarmupPhase `json:"from_phase"`
	ToPhase   domain.WarmupPhase `json:"to_phase"`
	At        time.Time          `json:"at"`
}

type AlertOpened struct {
	Alert domain.Alert `json:"alert"`
}

type AlertResolved struct {
	Alert domain.Alert `json:"alert"`
}

// Bus wraps an EventBus with typed publish and subscribe. All subscribers
// run asynchronously so handlers may publish in turn.
type Bus struct {
	bus EventBus.Bus
}

func NewBus() *Bus {
	return &Bus{bus: EventBus.New()}
}

func (b *Bus) PublishTrustChanged(ev TrustChanged) {
	b.bus.Publish(TopicTrustChanged, ev)
}

func (b *Bus) PublishStatusChanged(ev StatusChanged) {
	b.bus.Publish(TopicStatusChanged, ev)
}

func (b *Bus) PublishAlertOpened(ev AlertOpened) {
	b.bus.Publish(TopicAlertOpened, ev)
}

func (b *Bus) PublishAlertResolved(ev AlertResolved) {
	b.bus.Publish(TopicAlertResolved, ev)
}

func (b *Bus) OnTrustChanged(fn func(TrustChanged)) error {
	return b.bus.SubscribeAsync(TopicTrustChanged, guard(TopicTrustChanged, fn), false)
}

func (b *Bus) OnStatusChanged(fn func(StatusChanged)) error {
	return b.bus.SubscribeAsync(TopicStatusChanged, guard(TopicStatusChanged, fn), false)
}

func (b *Bus) OnAlertOpened(fn func(AlertOpened)) error {
	return b.bus.SubscribeAsync(TopicAlertOpened, guard(TopicAlertOpened, fn), false)
}

func (b *Bus) OnAlertResolved(fn func(AlertResolved)) error {
	return b.bus.SubscribeAsync(TopicAlertResolved, guard(TopicAlertResolved, fn), false)
}

// subscribeOrdered registers fn for topic with invocations serialized in
// publish order.
func (b *Bus) subscribeOrdered(topic string, fn func(topic string, payload interface{})) error {
	return b.bus.SubscribeAsync(topic, func(payload interface{}) {
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("event handler panic", zap.String("namespace", "events"), zap.String("topic", topic), zap.Any("panic", r))
			}
		}()
		fn(topic, payload)
	}, true)
}

// Wait blocks until every in-flight handler has returned.
func (b *Bus) Wait() {
	b.bus.WaitAsync()
}

func guard[T any](topic string, fn func(T)) func(T) {
	return func(ev T) {
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("event handler panic", zap.String("namespace", "events"), zap.String("topic", topic), zap.Any("panic", r))
			}
		}()
		fn(ev)
	}
}
