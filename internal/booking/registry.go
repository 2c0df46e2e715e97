package booking

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SlotRegistry derives a slot's occupancy status from its appointments.
// It never creates or cancels slots; a cancelled slot is terminal and its
// status is never recomputed.
type SlotRegistry struct {
	store SlotStore
}

func NewSlotRegistry(store SlotStore) *SlotRegistry {
	return &SlotRegistry{store: store}
}

func (r *SlotRegistry) ActiveCount(ctx context.Context, slotID uuid.UUID, excludeAppointment *uuid.UUID) (int, error) {
	return r.store.ActiveCount(ctx, slotID, excludeAppointment)
}

// Recompute sets the slot to full when occupancy reaches capacity, otherwise
// available, writing only on change. It reports whether a seat was freed,
// i.e. the slot transitioned full to available.
func (r *SlotRegistry) Recompute(ctx context.Context, slotID uuid.UUID) (freed bool, err error) {
	slot, err := r.store.GetSlot(ctx, slotID)
	if err != nil {
		return false, fmt.Errorf("load slot: %w", err)
	}
	if slot.Status == SlotCancelled {
		return false, nil
	}

	count, err := r.store.ActiveCount(ctx, slotID, nil)
	if err != nil {
		return false, fmt.Errorf("count active appointments: %w", err)
	}

	next := SlotAvailable
	if count >= slot.Capacity {
		next = SlotFull
	}

	if next == slot.Status {
		return false, nil
	}
	if err := r.store.SetSlotStatus(ctx, slotID, next); err != nil {
		return false, fmt.Errorf("set slot status: %w", err)
	}

	return slot.Status == SlotFull && next == SlotAvailable, nil
}
