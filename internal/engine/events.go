package engine

import (
	"context"
	"log"

	"gym-reserve-backend/internal/notifier"
)

type pushMsg struct {
	userID int64
	title  string
	body   string
}

type lockCmd struct {
	equipmentID int64
	locked      bool
}

// pendingEvents collects the side effects of a transaction: change-notifier
// broadcasts, push notifications and hardware lock signals. They are emitted
// only after the enclosing transaction commits, so subscribers never observe
// a state change that is later rolled back.
type pendingEvents struct {
	changed []int64
	seen    map[int64]struct{}
	pushes  []pushMsg
	locks   []lockCmd
}

func (p *pendingEvents) change(equipmentID int64) {
	if p.seen == nil {
		p.seen = make(map[int64]struct{})
	}
	if _, ok := p.seen[equipmentID]; ok {
		return
	}
	p.seen[equipmentID] = struct{}{}
	p.changed = append(p.changed, equipmentID)
}

func (p *pendingEvents) push(userID int64, title, body string) {
	p.pushes = append(p.pushes, pushMsg{userID: userID, title: title, body: body})
}

func (p *pendingEvents) lock(equipmentID int64, locked bool) {
	p.locks = append(p.locks, lockCmd{equipmentID: equipmentID, locked: locked})
}

// emit flushes collected events after a successful commit. Failures here are
// logged only: the state change has already happened and the sinks are all
// fire-and-forget.
func (e *Engine) emit(ctx context.Context, ev *pendingEvents) {
	for _, id := range ev.changed {
		e.publishEquipment(ctx, id)
	}
	for _, p := range ev.pushes {
		e.push.Notify(p.userID, p.title, p.body)
	}
	for _, l := range ev.locks {
		e.hw.SetLockState(ctx, l.equipmentID, l.locked)
	}
}

// publishEquipment broadcasts a fresh snapshot of one equipment unit.
func (e *Engine) publishEquipment(ctx context.Context, equipmentID int64) {
	eq, err := e.store.EquipmentByID(ctx, equipmentID)
	if err != nil {
		log.Printf("change notifier: load equipment %d: %v", equipmentID, err)
		return
	}
	waiting, err := e.store.WaitingCount(e.store.DB().WithContext(ctx), equipmentID)
	if err != nil {
		log.Printf("change notifier: waiting count for equipment %d: %v", equipmentID, err)
	}
	e.bus.Publish(notifier.EquipmentPayload{
		ID:                     eq.ID,
		Name:                   eq.Name,
		Category:               eq.Category,
		Status:                 eq.Status,
		ImageURL:               eq.ImageURL,
		BaseSessionTimeMinutes: eq.BaseSessionTimeMinutes,
		WaitingCount:           waiting,
	})
}
