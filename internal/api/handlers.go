package api

import (
	"encoding/json"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-reservations/internal/booking"
)

const (
	defaultSlotLimit = 100
	maxSlotLimit     = 500
)

type handlers struct {
	reception *booking.ReceptionDesk
	providers *booking.ProviderDesk
	log       *zap.Logger
}

func parseUUID(raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	return id, err == nil && id != uuid.Nil
}

// pathID parses the {id} URL param and writes a 400 when it is malformed.
func pathID(w http.ResponseWriter, r *http.Request, field string) (uuid.UUID, bool) {
	id, ok := parseUUID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_"+field, field+" must be a valid UUID")
	}
	return id, ok
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil && n >= 0
}

// optionalUUID parses an optional id; empty means uuid.Nil.
func optionalUUID(raw string) (uuid.UUID, bool) {
	if raw == "" {
		return uuid.Nil, true
	}
	id, err := uuid.Parse(raw)
	return id, err == nil
}

func (h *handlers) createReservation(w http.ResponseWriter, r *http.Request) {
	var req CreateReservationRequest
	if !decode(w, r, &req) {
		return
	}

	create := booking.CreateRequest{Reason: req.Reason}
	fields := []struct {
		name string
		raw  string
		dst  *uuid.UUID
	}{
		{"patient_id", req.PatientID, &create.PatientID},
		{"slot_id", req.SlotID, &create.SlotID},
		{"provider_id", req.ProviderID, &create.ProviderID},
		{"specialty_id", req.SpecialtyID, &create.SpecialtyID},
	}
	for _, f := range fields {
		id, ok := parseUUID(f.raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_"+f.name, f.name+" must be a valid UUID")
			return
		}
		*f.dst = id
	}

	res, err := h.reception.CreateReservation(r.Context(), GetCaller(r.Context()), create)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, toReservation(res))
}

func (h *handlers) modifyReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "reservation_id")
	if !ok {
		return
	}

	var req ModifyReservationRequest
	if !decode(w, r, &req) {
		return
	}
	slotID, ok := parseUUID(req.SlotID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
		return
	}

	res, err := h.reception.ModifyReservation(r.Context(), GetCaller(r.Context()), id, booking.ModifyRequest{
		SlotID: slotID,
		Reason: req.Reason,
	})
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toReservation(res))
}

func (h *handlers) cancelReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "reservation_id")
	if !ok {
		return
	}

	res, err := h.reception.CancelReservation(r.Context(), GetCaller(r.Context()), id)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toReservation(res))
}

func (h *handlers) getReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "reservation_id")
	if !ok {
		return
	}

	res, err := h.reception.GetReservation(r.Context(), GetCaller(r.Context()), id)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toReservation(res))
}

func (h *handlers) listUpcoming(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("upcoming"); v != "" && v != "true" {
		writeError(w, http.StatusBadRequest, "invalid_upcoming", "only upcoming=true listings are supported")
		return
	}
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
		return
	}

	details, err := h.reception.UpcomingReservations(r.Context(), GetCaller(r.Context()), limit)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toDetails(details))
}

func (h *handlers) lookupPatient(w http.ResponseWriter, r *http.Request) {
	externalID := r.URL.Query().Get("external_id")

	patient, err := h.reception.LookupPatient(r.Context(), GetCaller(r.Context()), externalID)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toPatient(patient))
}

// listFreeSlots serves both desks: provider callers go through their own
// desk so the ownership check applies.
func (h *handlers) listFreeSlots(w http.ResponseWriter, r *http.Request) {
	providerID, ok := pathID(w, r, "provider_id")
	if !ok {
		return
	}

	var from time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be an RFC3339 timestamp")
			return
		}
		from = t
	}
	limit, ok := queryInt(r, "limit", defaultSlotLimit)
	if !ok || limit == 0 {
		limit = defaultSlotLimit
	}
	limit = min(limit, maxSlotLimit)

	caller := GetCaller(r.Context())
	var (
		seq iter.Seq2[booking.Slot, error]
		err error
	)
	if caller.Role == booking.RoleProvider {
		seq, err = h.providers.ListFreeSlots(r.Context(), caller, providerID, from)
	} else {
		seq, err = h.reception.ListFreeSlots(r.Context(), caller, providerID, from)
	}
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	slots := make([]SlotResponse, 0)
	for slot, err := range seq {
		if err != nil {
			writeDomainError(w, r, h.log, err)
			return
		}
		slots = append(slots, toSlot(&slot))
		if len(slots) == limit {
			break
		}
	}

	writeJSON(w, http.StatusOK, slots)
}

func (h *handlers) todayAgenda(w http.ResponseWriter, r *http.Request) {
	providerID, ok := optionalUUID(r.URL.Query().Get("provider_id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
		return
	}

	details, err := h.providers.TodayAgenda(r.Context(), GetCaller(r.Context()), providerID)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toDetails(details))
}

func (h *handlers) addSlot(w http.ResponseWriter, r *http.Request) {
	var req AddSlotRequest
	if !decode(w, r, &req) {
		return
	}
	providerID, ok := optionalUUID(req.ProviderID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
		return
	}

	slot, err := h.providers.AddSlot(r.Context(), GetCaller(r.Context()), providerID, req.StartsAt)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSlot(slot))
}

func (h *handlers) rescheduleSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "slot_id")
	if !ok {
		return
	}

	var req RescheduleSlotRequest
	if !decode(w, r, &req) {
		return
	}

	slot, err := h.providers.RescheduleSlot(r.Context(), GetCaller(r.Context()), id, req.Version, req.StartsAt)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toSlot(slot))
}

func (h *handlers) withdrawSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "slot_id")
	if !ok {
		return
	}

	version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil || version <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_version", "version query parameter is required")
		return
	}

	slot, err := h.providers.WithdrawSlot(r.Context(), GetCaller(r.Context()), id, version)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toSlot(slot))
}

func (h *handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	items, err := h.providers.UnreadNotifications(r.Context(), GetCaller(r.Context()))
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	out := make([]NotificationResponse, 0, len(items))
	for _, n := range items {
		out = append(out, NotificationResponse{ID: n.ID, Message: n.Message, CreatedAt: n.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "notification_id")
	if !ok {
		return
	}

	if err := h.providers.MarkNotificationRead(r.Context(), GetCaller(r.Context()), id); err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
