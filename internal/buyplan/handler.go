package buyplan

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/buyplans/internal/platform/httpx"
	"github.com/odyssey-erp/buyplans/internal/shared"
)

// Handler wires HTTP routes for buy plans.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	vendors   VendorSet
	validator *validator.Validate
	publicRPM int
}

// NewHandler builds a Handler. vendors is the configured stock-sale vendor set.
func NewHandler(logger *slog.Logger, service *Service, vendors VendorSet) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		vendors:   vendors,
		validator: validator.New(),
		publicRPM: 30,
	}
}

// MountRoutes registers session-authenticated routes. The caller must install
// middleware that attaches a shared.Principal.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.submit)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.show)
		r.Get("/activity", h.activity)
		r.Post("/approve", h.approve)
		r.Post("/reject", h.reject)
		r.Post("/po", h.enterPO)
		r.Post("/po/bulk", h.bulkEnterPO)
		r.Post("/complete", h.complete)
		r.Post("/cancel", h.cancel)
		r.Post("/resubmit", h.resubmit)
		r.Post("/verify-po", h.verifyPO)
	})
}

// MountPublicRoutes registers the approval-token routes.
func (h *Handler) MountPublicRoutes(r chi.Router) {
	r.Use(httprate.LimitByIP(h.publicRPM, time.Minute))
	r.Get("/{token}", h.publicShow)
	r.Post("/{token}/approve", h.publicApprove)
	r.Post("/{token}/reject", h.publicReject)
}

type submitRequest struct {
	RequisitionID    int64           `json:"requisition_id" validate:"required,gt=0"`
	QuoteID          *int64          `json:"quote_id" validate:"omitempty,gt=0"`
	OfferIDs         []int64         `json:"offer_ids" validate:"required,min=1,dive,gt=0"`
	PlanQtys         map[int64]int64 `json:"plan_qtys" validate:"omitempty,dive,gt=0"`
	SalespersonNotes string          `json:"salesperson_notes" validate:"max=4000"`
}

type approveRequest struct {
	SalesOrderNumber string `json:"sales_order_number" validate:"required,max=64"`
	ManagerNotes     string `json:"manager_notes" validate:"max=4000"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

type poRequest struct {
	LineIndex *int   `json:"line_index" validate:"required,gte=0"`
	PONumber  string `json:"po_number" validate:"max=64"`
}

type bulkPORequest struct {
	Entries []poRequest `json:"entries" validate:"required,min=1,dive"`
}

type resubmitRequest struct {
	SalespersonNotes string `json:"salesperson_notes" validate:"max=4000"`
}

type listResponse struct {
	Items []BuyPlan `json:"items"`
	Count int       `json:"count"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	filter := ListFilter{Status: Status(r.URL.Query().Get("status"))}
	var err error
	if filter.Limit, err = intQuery(r, "limit", 50); err != nil {
		h.writeError(w, err)
		return
	}
	if filter.Offset, err = intQuery(r, "offset", 0); err != nil {
		h.writeError(w, err)
		return
	}
	plans, err := h.service.List(r.Context(), filter, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if plans == nil {
		plans = []BuyPlan{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Items: plans, Count: len(plans)})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Submit(r.Context(), h.vendors, SubmitInput{
		RequisitionID:    req.RequisitionID,
		QuoteID:          req.QuoteID,
		OfferIDs:         req.OfferIDs,
		PlanQtys:         req.PlanQtys,
		SalespersonNotes: req.SalespersonNotes,
	}, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	plan, err := h.service.Get(r.Context(), id, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, plan)
}

func (h *Handler) activity(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	logs, err := h.service.Activities(r.Context(), id, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if logs == nil {
		logs = []ActivityLog{}
	}
	httpx.JSON(w, http.StatusOK, logs)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respondTransition(w)(h.service.Approve(r.Context(), id, req.SalesOrderNumber, req.ManagerNotes, actor))
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respondTransition(w)(h.service.Reject(r.Context(), id, req.Reason, actor))
}

func (h *Handler) enterPO(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var req poRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respondTransition(w)(h.service.EnterPO(r.Context(), id, *req.LineIndex, req.PONumber, actor))
}

func (h *Handler) bulkEnterPO(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var req bulkPORequest
	if !h.decode(w, r, &req) {
		return
	}
	entries := make([]POEntry, 0, len(req.Entries))
	for _, entry := range req.Entries {
		entries = append(entries, POEntry{LineIndex: *entry.LineIndex, PONumber: entry.PONumber})
	}
	h.respondTransition(w)(h.service.BulkEnterPO(r.Context(), id, entries, actor))
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	h.respondTransition(w)(h.service.Complete(r.Context(), id, actor))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respondTransition(w)(h.service.Cancel(r.Context(), id, req.Reason, actor))
}

func (h *Handler) resubmit(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var req resubmitRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Resubmit(r.Context(), h.vendors, id, req.SalespersonNotes, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) verifyPO(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	result, err := h.service.RecheckPOs(r.Context(), id, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) publicShow(w http.ResponseWriter, r *http.Request) {
	plan, err := h.service.GetByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, plan)
}

func (h *Handler) publicApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respondTransition(w)(h.service.ApproveByToken(r.Context(), chi.URLParam(r, "token"), req.SalesOrderNumber, req.ManagerNotes))
}

func (h *Handler) publicReject(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respondTransition(w)(h.service.RejectByToken(r.Context(), chi.URLParam(r, "token"), req.Reason))
}

func (h *Handler) respondTransition(w http.ResponseWriter) func(TransitionResult, error) {
	return func(result TransitionResult, err error) {
		if err != nil {
			h.writeError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, result)
	}
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok || principal.UserID == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
		return Actor{}, false
	}
	return Actor{ID: principal.UserID, Role: principal.Role}, true
}

func (h *Handler) actorAndID(w http.ResponseWriter, r *http.Request) (Actor, uuid.UUID, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return Actor{}, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown buy plan")
		return Actor{}, uuid.Nil, false
	}
	return actor, id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		fields := make(map[string]string)
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				fields[fieldErr.Namespace()] = fieldErr.Tag()
			}
		}
		httpx.FieldProblem(w, fields)
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrPrecondition):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("buy plan request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func intQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.Join(ErrValidation, errors.New(key+" must be a non-negative integer"))
	}
	return v, nil
}
