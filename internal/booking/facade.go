package booking

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleReception Role = "reception"
	RoleProvider  Role = "provider"
	RoleAdmin     Role = "admin"
)

// Caller identifies who is acting. ProviderID is set for provider users and
// names the provider they manage.
type Caller struct {
	UserID     uuid.UUID
	Role       Role
	ProviderID uuid.UUID
}

type Action string

const (
	ActionCreateReservation Action = "reservation:create"
	ActionModifyReservation Action = "reservation:modify"
	ActionCancelReservation Action = "reservation:cancel"
	ActionReadReservation   Action = "reservation:read"
	ActionListSlots         Action = "slots:list"
	ActionLookupPatient     Action = "patient:lookup"
	ActionManageSlots       Action = "slots:manage"
	ActionReadAgenda        Action = "agenda:read"
	ActionReadNotifications Action = "notifications:read"
)

// Policy decides whether a caller may perform an action. It returns an error
// wrapping ErrForbidden to deny.
type Policy interface {
	Authorize(ctx context.Context, caller Caller, action Action) error
}

var rolePermissions = map[Role]map[Action]bool{
	RoleReception: {
		ActionCreateReservation: true,
		ActionModifyReservation: true,
		ActionCancelReservation: true,
		ActionReadReservation:   true,
		ActionListSlots:         true,
		ActionLookupPatient:     true,
	},
	RoleProvider: {
		ActionListSlots:         true,
		ActionManageSlots:       true,
		ActionReadAgenda:        true,
		ActionReadNotifications: true,
	},
}

// RolePolicy grants actions by role. Admins may do everything.
type RolePolicy struct{}

func (RolePolicy) Authorize(_ context.Context, caller Caller, action Action) error {
	if caller.UserID == uuid.Nil {
		return fmt.Errorf("%w: anonymous caller", ErrForbidden)
	}
	if caller.Role == RoleAdmin {
		return nil
	}
	if rolePermissions[caller.Role][action] {
		return nil
	}
	return fmt.Errorf("%w: role %q cannot %s", ErrForbidden, caller.Role, action)
}

// ReceptionDesk is the front desk view: booking on behalf of patients.
type ReceptionDesk struct {
	manager   *Manager
	directory Directory
	policy    Policy
}

func NewReceptionDesk(manager *Manager, directory Directory, policy Policy) *ReceptionDesk {
	if policy == nil {
		policy = RolePolicy{}
	}
	return &ReceptionDesk{manager: manager, directory: directory, policy: policy}
}

func (d *ReceptionDesk) CreateReservation(ctx context.Context, caller Caller, req CreateRequest) (*Reservation, error) {
	if err := d.policy.Authorize(ctx, caller, ActionCreateReservation); err != nil {
		return nil, err
	}
	return d.manager.CreateReservation(ctx, req)
}

func (d *ReceptionDesk) ModifyReservation(ctx context.Context, caller Caller, id uuid.UUID, req ModifyRequest) (*Reservation, error) {
	if err := d.policy.Authorize(ctx, caller, ActionModifyReservation); err != nil {
		return nil, err
	}
	return d.manager.ModifyReservation(ctx, id, req)
}

func (d *ReceptionDesk) CancelReservation(ctx context.Context, caller Caller, id uuid.UUID) (*Reservation, error) {
	if err := d.policy.Authorize(ctx, caller, ActionCancelReservation); err != nil {
		return nil, err
	}
	return d.manager.CancelReservation(ctx, id)
}

func (d *ReceptionDesk) GetReservation(ctx context.Context, caller Caller, id uuid.UUID) (*Reservation, error) {
	if err := d.policy.Authorize(ctx, caller, ActionReadReservation); err != nil {
		return nil, err
	}
	return d.manager.GetReservation(ctx, id)
}

func (d *ReceptionDesk) ListFreeSlots(ctx context.Context, caller Caller, providerID uuid.UUID, from time.Time) (iter.Seq2[Slot, error], error) {
	if err := d.policy.Authorize(ctx, caller, ActionListSlots); err != nil {
		return nil, err
	}
	return d.manager.ListFree(ctx, providerID, from), nil
}

func (d *ReceptionDesk) UpcomingReservations(ctx context.Context, caller Caller, limit int) ([]ReservationDetail, error) {
	if err := d.policy.Authorize(ctx, caller, ActionReadReservation); err != nil {
		return nil, err
	}
	return d.manager.UpcomingReservations(ctx, limit)
}

func (d *ReceptionDesk) LookupPatient(ctx context.Context, caller Caller, externalID string) (*Patient, error) {
	if err := d.policy.Authorize(ctx, caller, ActionLookupPatient); err != nil {
		return nil, err
	}
	return d.directory.LookupPatient(ctx, externalID)
}

// ProviderDesk is the provider's own view: agenda, availability and inbox.
// Provider callers only ever act on their own provider record.
type ProviderDesk struct {
	manager *Manager
	inbox   NotificationInbox
	policy  Policy
}

func NewProviderDesk(manager *Manager, inbox NotificationInbox, policy Policy) *ProviderDesk {
	if policy == nil {
		policy = RolePolicy{}
	}
	return &ProviderDesk{manager: manager, inbox: inbox, policy: policy}
}

// authorizeFor checks the action and, for provider callers, that providerID
// is their own.
func (d *ProviderDesk) authorizeFor(ctx context.Context, caller Caller, action Action, providerID uuid.UUID) error {
	if err := d.policy.Authorize(ctx, caller, action); err != nil {
		return err
	}
	if caller.Role == RoleProvider && caller.ProviderID != providerID {
		return fmt.Errorf("%w: provider %s is not yours", ErrForbidden, providerID)
	}
	return nil
}

// resolveProvider picks the caller's own provider when none is given.
func resolveProvider(caller Caller, providerID uuid.UUID) uuid.UUID {
	if providerID == uuid.Nil {
		return caller.ProviderID
	}
	return providerID
}

func (d *ProviderDesk) TodayAgenda(ctx context.Context, caller Caller, providerID uuid.UUID) ([]ReservationDetail, error) {
	providerID = resolveProvider(caller, providerID)
	if err := d.authorizeFor(ctx, caller, ActionReadAgenda, providerID); err != nil {
		return nil, err
	}
	if err := requireID("provider_id", providerID); err != nil {
		return nil, err
	}
	return d.manager.TodayAgenda(ctx, providerID)
}

func (d *ProviderDesk) ListFreeSlots(ctx context.Context, caller Caller, providerID uuid.UUID, from time.Time) (iter.Seq2[Slot, error], error) {
	providerID = resolveProvider(caller, providerID)
	if err := d.authorizeFor(ctx, caller, ActionListSlots, providerID); err != nil {
		return nil, err
	}
	return d.manager.ListFree(ctx, providerID, from), nil
}

func (d *ProviderDesk) AddSlot(ctx context.Context, caller Caller, providerID uuid.UUID, startsAt time.Time) (*Slot, error) {
	providerID = resolveProvider(caller, providerID)
	if err := d.authorizeFor(ctx, caller, ActionManageSlots, providerID); err != nil {
		return nil, err
	}
	return d.manager.AddSlot(ctx, providerID, startsAt)
}

// ownedSlot loads a slot and checks the caller may manage it.
func (d *ProviderDesk) ownedSlot(ctx context.Context, caller Caller, slotID uuid.UUID) error {
	if err := d.policy.Authorize(ctx, caller, ActionManageSlots); err != nil {
		return err
	}
	slot, err := d.manager.GetSlot(ctx, slotID)
	if err != nil {
		return err
	}
	return d.authorizeFor(ctx, caller, ActionManageSlots, slot.ProviderID)
}

func (d *ProviderDesk) WithdrawSlot(ctx context.Context, caller Caller, slotID uuid.UUID, expectedVersion int64) (*Slot, error) {
	if err := d.ownedSlot(ctx, caller, slotID); err != nil {
		return nil, err
	}
	return d.manager.WithdrawSlot(ctx, slotID, expectedVersion)
}

func (d *ProviderDesk) RescheduleSlot(ctx context.Context, caller Caller, slotID uuid.UUID, expectedVersion int64, startsAt time.Time) (*Slot, error) {
	if err := d.ownedSlot(ctx, caller, slotID); err != nil {
		return nil, err
	}
	return d.manager.RescheduleSlot(ctx, slotID, expectedVersion, startsAt)
}

func (d *ProviderDesk) UnreadNotifications(ctx context.Context, caller Caller) ([]Notification, error) {
	if err := d.policy.Authorize(ctx, caller, ActionReadNotifications); err != nil {
		return nil, err
	}
	return d.inbox.ListUnread(ctx, caller.UserID)
}

func (d *ProviderDesk) MarkNotificationRead(ctx context.Context, caller Caller, id uuid.UUID) error {
	if err := d.policy.Authorize(ctx, caller, ActionReadNotifications); err != nil {
		return err
	}
	return d.inbox.MarkRead(ctx, id, caller.UserID)
}
