// Package identity implements the device identity registry (spec.md §4.1,
// C1): it maps physical USB controllers, identified by serial number, onto
// logical slots 0..N-1, and handles attach/detach and late identification.
//
// Not safe for concurrent use. Per spec.md §5 the engine loop is the single
// consumer of all USB attach/detach/identify events, so the registry itself
// needs no locking — serialization is the engine's job, grounded on the
// teacher's map+mutex ConfigStore (internal/server/store.go) but with the
// mutex removed in favor of the engine's single-consumer queue.
package identity

import (
	"fmt"

	"github.com/boardhead/cute-cryo/internal/model"
	"github.com/boardhead/cute-cryo/internal/usbdevice"
)

// Registry is the slot table.
type Registry struct {
	expected map[int]string // role slot index -> expected serial
	slots    map[int]*model.ControllerSlot
	nextHold int // next holding-slot index to allocate (monotonic, never reused while busy)
}

// NewRegistry constructs a registry with the given expected role-slot
// serial numbers (spec.md §3: "expected serial, current serial if known").
func NewRegistry(expected map[int]string) *Registry {
	r := &Registry{
		expected: expected,
		slots:    make(map[int]*model.ControllerSlot),
		nextHold: len(expected), // role slots occupy 0..len(expected)-1
	}
	for idx, serial := range expected {
		r.slots[idx] = &model.ControllerSlot{Index: idx, ExpectedSerial: serial}
	}
	return r
}

// Slot returns the slot at index, or nil if none exists.
func (r *Registry) Slot(index int) *model.ControllerSlot {
	return r.slots[index]
}

// Slots returns every known slot, in index order.
func (r *Registry) Slots() []*model.ControllerSlot {
	out := make([]*model.ControllerSlot, 0, len(r.slots))
	for i := 0; i < r.nextHold; i++ {
		if s, ok := r.slots[i]; ok {
			out = append(out, s)
		}
	}
	return out
}

// FoundCount is the number of occupied role slots (spec.md §4.1:
// "foundCount equals the number of occupied role slots").
func (r *Registry) FoundCount() int {
	n := 0
	for idx := range r.expected {
		if s, ok := r.slots[idx]; ok && s.Occupied() {
			n++
		}
	}
	return n
}

// SlotByHandle finds the slot currently holding handle, if any.
func (r *Registry) SlotByHandle(handle *usbdevice.Handle) *model.ControllerSlot {
	for _, s := range r.slots {
		if s.Handle == handle {
			return s
		}
	}
	return nil
}

// Attach allocates a holding slot (index >= len(expected)) for a newly
// seen USB device and marks it awaiting identification.
func (r *Registry) Attach(handle *usbdevice.Handle) *model.ControllerSlot {
	idx := r.nextHold
	r.nextHold++
	s := &model.ControllerSlot{
		Index:    idx,
		Handle:   handle,
		Liveness: model.LivenessUnknownSerial,
	}
	r.slots[idx] = s
	return s
}

// IdentifyResult describes what the engine should do after Identify runs.
type IdentifyResult struct {
	// Identified is true if the device matched an expected role slot and
	// was re-homed there.
	Identified bool
	// RoleSlot is the slot the device was re-homed to, if Identified.
	RoleSlot *model.ControllerSlot
	// DisplacedHandle is non-nil if a different device previously occupied
	// RoleSlot and was evicted (spec.md §4.1: "logged as an error").
	DisplacedHandle *usbdevice.Handle
	// Foreign is true if the serial matched no expected role, meaning the
	// caller must send "z.wdt 0" to the device and await its "z" ack
	// before releasing the holding slot (ReleaseForeign).
	Foreign bool
}

// Identify processes an "a.OK <serial>" response observed on the device
// occupying holdSlotIndex.
func (r *Registry) Identify(holdSlotIndex int, serial string) (IdentifyResult, error) {
	hold, ok := r.slots[holdSlotIndex]
	if !ok {
		return IdentifyResult{}, fmt.Errorf("identity: identify: unknown holding slot %d", holdSlotIndex)
	}

	for roleIdx, expectedSerial := range r.expected {
		if expectedSerial != serial {
			continue
		}
		role := r.slots[roleIdx]
		if role == nil {
			role = &model.ControllerSlot{Index: roleIdx, ExpectedSerial: expectedSerial}
			r.slots[roleIdx] = role
		}

		var displaced *usbdevice.Handle
		if role.Occupied() && role.Handle != hold.Handle {
			if h, ok := role.Handle.(*usbdevice.Handle); ok {
				displaced = h
			}
		}

		role.Handle = hold.Handle
		role.CurrentSerial = serial
		role.Liveness = model.LivenessOK
		role.Acked = false

		delete(r.slots, holdSlotIndex)

		return IdentifyResult{
			Identified:      true,
			RoleSlot:        role,
			DisplacedHandle: displaced,
		}, nil
	}

	// No match: the device is foreign. Mark it, but do not release the
	// holding slot until the "z.wdt 0" disable completes (ReleaseForeign).
	hold.CurrentSerial = serial
	return IdentifyResult{Foreign: true}, nil
}

// ReleaseForeign frees a holding slot once the foreign device's "z.OK"
// watchdog-disable acknowledgement has been observed (spec.md §4.1).
func (r *Registry) ReleaseForeign(holdSlotIndex int) {
	delete(r.slots, holdSlotIndex)
}

// Detach frees whichever slot holds handle. Detach of an unknown handle is
// a caller-visible no-op (the caller logs it per spec.md §4.1).
func (r *Registry) Detach(handle *usbdevice.Handle) (slot *model.ControllerSlot, ok bool) {
	for idx, s := range r.slots {
		if s.Handle == handle {
			if idx < len(r.expected) {
				// Role slot: keep the slot record (with its expected
				// serial) but clear occupancy.
				s.Handle = nil
				s.CurrentSerial = ""
				s.Liveness = model.LivenessAbsent
				return s, true
			}
			delete(r.slots, idx)
			return s, true
		}
	}
	return nil, false
}
