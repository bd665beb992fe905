package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/kitchen-dispatch/internal/config"
	"github.com/vasiliy-maslov/kitchen-dispatch/internal/kitchen"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

type OrderItemRequest struct {
	ID        string `json:"id" validate:"omitempty,uuid"`
	ProductID string `json:"product_id" validate:"required,uuid"`
	// Empty or unknown stations are reported by the dispatcher as routing errors.
	StationID string `json:"station_id" validate:"omitempty,uuid"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
	Notes     string `json:"notes" validate:"max=500"`
}

type DispatchOrderRequest struct {
	ID      string             `json:"id" validate:"required,uuid"`
	Number  string             `json:"number" validate:"required,max=32"`
	TableID string             `json:"table_id" validate:"max=32"`
	Total   decimal.Decimal    `json:"total"`
	Items   []OrderItemRequest `json:"items" validate:"dive"`
}

type AddItemsRequest struct {
	Items []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
}

type TransitionItemRequest struct {
	Status string `json:"status" validate:"required,oneof=pending preparing ready delivered cancelled"`
}

type TicketsResponse struct {
	Tickets []kitchen.Ticket `json:"tickets"`
}

type QueueResponse struct {
	StationID string               `json:"station_id"`
	Entries   []kitchen.QueueEntry `json:"entries"`
}

type StationsResponse struct {
	Stations []kitchen.Station `json:"stations"`
}

type KitchenHandler struct {
	service  kitchen.Service
	validate *validator.Validate
	retry    retrier
}

func NewKitchenHandler(service kitchen.Service, retryCfg config.RetryConfig) *KitchenHandler {
	return &KitchenHandler{
		service:  service,
		validate: validator.New(),
		retry:    retrier{cfg: retryCfg},
	}
}

func (h *KitchenHandler) RegisterRoutes(router chi.Router) {
	router.Get("/stations", h.handleListStations)
	router.Get("/stations/{id}/tickets", h.handleListStationTickets)
	router.Get("/stations/{id}/queue", h.handleStationQueue)

	router.Post("/orders", h.handleDispatchOrder)
	router.Post("/orders/{id}/items", h.handleAddItems)
	router.Get("/orders/{id}", h.handleGetOrder)

	router.Get("/tickets/{id}", h.handleGetTicket)
	router.With(actorFromHeaders).Patch("/tickets/{id}/items/{itemID}", h.handleTransitionItem)
}

// actorFromHeaders puts the caller identity from the actor headers into
// the request context.
func actorFromHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := kitchen.Actor{
			ID:   strings.TrimSpace(r.Header.Get(HeaderActorID)),
			Role: strings.TrimSpace(r.Header.Get(HeaderActorRole)),
		}
		if actor.ID != "" {
			r = r.WithContext(kitchen.WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

func (h *KitchenHandler) handleListStations(w http.ResponseWriter, r *http.Request) {
	stations, err := retry(r.Context(), h.retry, "list_stations", func() ([]kitchen.Station, error) {
		return h.service.ListStations(r.Context())
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to list stations via service")
		respondWithServiceError(w, err, "Failed to list stations")
		return
	}
	if stations == nil {
		stations = []kitchen.Station{}
	}
	respondWithJSON(w, http.StatusOK, StationsResponse{Stations: stations})
}

func (h *KitchenHandler) handleListStationTickets(w http.ResponseWriter, r *http.Request) {
	stationID, ok := parseIDParam(w, r, "id", "station_id")
	if !ok {
		return
	}

	var statuses []kitchen.TicketStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				statuses = append(statuses, kitchen.TicketStatus(s))
			}
		}
	}

	tickets, err := retry(r.Context(), h.retry, "list_station_tickets", func() ([]kitchen.Ticket, error) {
		return h.service.ListByStation(r.Context(), stationID, statuses...)
	})
	if err != nil {
		log.Error().Err(err).Stringer("station_id", stationID).Msg("Failed to list station tickets via service")
		respondWithServiceError(w, err, "Failed to list station tickets")
		return
	}
	if tickets == nil {
		tickets = []kitchen.Ticket{}
	}
	respondWithJSON(w, http.StatusOK, TicketsResponse{Tickets: tickets})
}

func (h *KitchenHandler) handleStationQueue(w http.ResponseWriter, r *http.Request) {
	stationID, ok := parseIDParam(w, r, "id", "station_id")
	if !ok {
		return
	}

	queue := h.service.ForStation(r.Context(), stationID)
	entries, err := retry(r.Context(), h.retry, "station_queue", func() ([]kitchen.QueueEntry, error) {
		entries := []kitchen.QueueEntry{}
		for e, err := range queue {
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
		return entries, nil
	})
	if err != nil {
		log.Error().Err(err).Stringer("station_id", stationID).Msg("Failed to read station queue via service")
		respondWithServiceError(w, err, "Failed to read station queue")
		return
	}
	respondWithJSON(w, http.StatusOK, QueueResponse{StationID: stationID.String(), Entries: entries})
}

func (h *KitchenHandler) handleDispatchOrder(w http.ResponseWriter, r *http.Request) {
	var requestPayload DispatchOrderRequest
	if !h.decodeAndValidate(w, r, &requestPayload) {
		return
	}

	items := toOrderItems(requestPayload.Items)
	order := kitchen.Order{
		ID:      uuid.FromStringOrNil(requestPayload.ID),
		Number:  requestPayload.Number,
		TableID: requestPayload.TableID,
		Total:   requestPayload.Total,
		Items:   items,
	}

	tickets, err := retry(r.Context(), h.retry, "dispatch", func() ([]kitchen.Ticket, error) {
		o := order.Clone()
		return h.service.Dispatch(r.Context(), &o)
	})
	if err != nil {
		log.Error().Err(err).Stringer("order_id", order.ID).Msg("Failed to dispatch order via service")
		respondWithServiceError(w, err, "Failed to dispatch order")
		return
	}
	respondWithJSON(w, http.StatusCreated, TicketsResponse{Tickets: tickets})
}

func (h *KitchenHandler) handleAddItems(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseIDParam(w, r, "id", "order_id")
	if !ok {
		return
	}

	var requestPayload AddItemsRequest
	if !h.decodeAndValidate(w, r, &requestPayload) {
		return
	}

	items := toOrderItems(requestPayload.Items)

	tickets, err := retry(r.Context(), h.retry, "add_items", func() ([]kitchen.Ticket, error) {
		return h.service.AddItems(r.Context(), orderID, append([]kitchen.OrderItem(nil), items...))
	})
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Msg("Failed to add order items via service")
		respondWithServiceError(w, err, "Failed to add order items")
		return
	}
	respondWithJSON(w, http.StatusOK, TicketsResponse{Tickets: tickets})
}

func (h *KitchenHandler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseIDParam(w, r, "id", "order_id")
	if !ok {
		return
	}

	order, err := retry(r.Context(), h.retry, "get_order", func() (*kitchen.Order, error) {
		return h.service.GetOrder(r.Context(), orderID)
	})
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Msg("Failed to get order by id via service")
		respondWithServiceError(w, err, "Failed to get order by id")
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}

func (h *KitchenHandler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := parseIDParam(w, r, "id", "ticket_id")
	if !ok {
		return
	}

	ticket, err := retry(r.Context(), h.retry, "get_ticket", func() (*kitchen.Ticket, error) {
		return h.service.GetTicket(r.Context(), ticketID)
	})
	if err != nil {
		log.Error().Err(err).Stringer("ticket_id", ticketID).Msg("Failed to get ticket by id via service")
		respondWithServiceError(w, err, "Failed to get ticket by id")
		return
	}
	respondWithJSON(w, http.StatusOK, ticket)
}

func (h *KitchenHandler) handleTransitionItem(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := parseIDParam(w, r, "id", "ticket_id")
	if !ok {
		return
	}
	itemID, ok := parseIDParam(w, r, "itemID", "item_id")
	if !ok {
		return
	}

	var requestPayload TransitionItemRequest
	if !h.decodeAndValidate(w, r, &requestPayload) {
		return
	}
	actor, _ := kitchen.ActorFromContext(r.Context())

	ticket, err := retry(r.Context(), h.retry, "transition_item", func() (*kitchen.Ticket, error) {
		return h.service.TransitionItem(r.Context(), ticketID, itemID, kitchen.ItemStatus(requestPayload.Status), actor)
	})
	if err != nil {
		log.Error().Err(err).Stringer("ticket_id", ticketID).Stringer("item_id", itemID).Msg("Failed to transition ticket item via service")
		respondWithServiceError(w, err, "Failed to update ticket item")
		return
	}
	respondWithJSON(w, http.StatusOK, ticket)
}

func (h *KitchenHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request body")
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request payload: %v", err))
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{
				Error:   "Validation failed",
				Details: formatValidationErrors(validationErrors),
			})
		} else {
			log.Error().Err(err).Type("validation_error_type", err).Msg("Unexpected error type during validation")
			respondWithError(w, http.StatusInternalServerError, "Internal validation error")
		}
		return false
	}
	return true
}

func parseIDParam(w http.ResponseWriter, r *http.Request, param, field string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.FromString(raw)
	if err != nil {
		log.Warn().Err(err).Str(field, raw).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s parameter", field))
		return uuid.Nil, false
	}
	return id, true
}

// toOrderItems assigns an id to every item that arrives without one. It runs
// once per request, so every retried attempt carries the same item ids.
func toOrderItems(reqs []OrderItemRequest) []kitchen.OrderItem {
	items := make([]kitchen.OrderItem, 0, len(reqs))
	for _, req := range reqs {
		id := uuid.FromStringOrNil(req.ID)
		if id == uuid.Nil {
			id = uuid.Must(uuid.NewV4())
		}
		items = append(items, kitchen.OrderItem{
			ID:        id,
			ProductID: uuid.FromStringOrNil(req.ProductID),
			StationID: uuid.FromStringOrNil(req.StationID),
			Quantity:  req.Quantity,
			Notes:     req.Notes,
		})
	}
	return items
}
