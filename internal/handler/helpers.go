package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/kitchen-dispatch/internal/kitchen"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type ValidationErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details"`
}

// TransitionErrorResponse tells kitchen staff what state the item is
// actually in.
type TransitionErrorResponse struct {
	Error        string             `json:"error"`
	ItemID       string             `json:"item_id"`
	CurrentState kitchen.ItemStatus `json:"current_state"`
	Requested    kitchen.ItemStatus `json:"requested_state"`
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to marshal JSON response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// ErrRouting is checked before ErrNotFound: a routing error also wraps the
// station lookup failure.
func mapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, kitchen.ErrRouting):
		return http.StatusUnprocessableEntity
	case errors.Is(err, kitchen.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, kitchen.ErrInvalidTicket),
		errors.Is(err, kitchen.ErrInvalidOrder),
		errors.Is(err, kitchen.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, kitchen.ErrAlreadyDispatched),
		errors.Is(err, kitchen.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, kitchen.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func clientMessage(err error, fallback string) string {
	switch {
	case errors.Is(err, kitchen.ErrRouting):
		var re *kitchen.RoutingError
		if errors.As(err, &re) {
			return fmt.Sprintf("Item %s cannot be routed to an active station", re.ItemID)
		}
		return "Item cannot be routed to an active station"
	case errors.Is(err, kitchen.ErrStationNotFound):
		return "Station not found"
	case errors.Is(err, kitchen.ErrItemNotFound):
		return "Ticket item not found"
	case errors.Is(err, kitchen.ErrTicketNotFound):
		return "Ticket not found"
	case errors.Is(err, kitchen.ErrOrderNotFound):
		return "Order not found"
	case errors.Is(err, kitchen.ErrInvalidTicket):
		return "Order has no items"
	case errors.Is(err, kitchen.ErrInvalidOrder):
		return err.Error()
	case errors.Is(err, kitchen.ErrInvalidStatus):
		return "Unknown status"
	case errors.Is(err, kitchen.ErrAlreadyDispatched):
		return "Order already dispatched"
	case errors.Is(err, kitchen.ErrStoreUnavailable):
		return "queue unavailable"
	default:
		return fallback
	}
}

// respondWithServiceError writes the status and body matching a service
// error. Transition errors carry the item's current state.
func respondWithServiceError(w http.ResponseWriter, err error, fallback string) {
	code := mapErrorToStatusCode(err)

	var te *kitchen.TransitionError
	if errors.As(err, &te) {
		respondWithJSON(w, code, TransitionErrorResponse{
			Error:        "Invalid item status transition",
			ItemID:       te.ItemID.String(),
			CurrentState: te.From,
			Requested:    te.To,
		})
		return
	}
	respondWithError(w, code, clientMessage(err, fallback))
}

func formatValidationErrors(errs validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(errs))
	for _, fe := range errs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required":
			details[field] = "is required"
		case "uuid", "uuid4":
			details[field] = "must be a valid UUID"
		case "gt", "gte", "min":
			details[field] = fmt.Sprintf("must be at least %s", fe.Param())
		case "dive":
			details[field] = "is invalid"
		default:
			details[field] = fmt.Sprintf("failed on %s validation", fe.Tag())
		}
	}
	return details
}
