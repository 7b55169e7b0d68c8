// internal/circulation/handler.go
package circulation

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/clock"
)

// Identity headers set by the authenticating proxy in front of the service.
const (
	HeaderMemberID = "X-Member-ID"
	HeaderStaff    = "X-Member-Staff"
)

type Handler struct {
	service  Service
	validate *validator.Validate
	logger   *slog.Logger
	clock    clock.Clock
}

func NewHandler(service Service, logger *slog.Logger, c clock.Clock) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = clock.Real()
	}
	return &Handler{service: service, validate: validator.New(), logger: logger, clock: c}
}

type createBorrowingReq struct {
	BookID             string `json:"book_id" validate:"required,uuid"`
	ExpectedReturnDate string `json:"expected_return_date" validate:"required,datetime=2006-01-02"`
}

type updateBorrowingReq struct {
	ExpectedReturnDate string `json:"expected_return_date" validate:"required,datetime=2006-01-02"`
}

// Routes mounts the borrowing and payment endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/borrowings", func(r chi.Router) {
		r.Get("/", h.ListBorrowings)
		r.Post("/", h.CreateBorrowing)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetBorrowing)
			r.Patch("/", h.UpdateBorrowing)
			r.Delete("/", h.DeleteBorrowing)
			r.Post("/return", h.ReturnBorrowing)
			r.Get("/payment", h.ResumePayment)
			r.Get("/history", h.History)
		})
	})
	r.Route("/payments", func(r chi.Router) {
		r.Get("/", h.ListPayments)
		r.Get("/success/{borrowingID}", h.PaymentSucceeded)
		r.Get("/cancel/{borrowingID}", h.PaymentCancelled)
		r.Get("/{id}", h.GetPayment)
		r.Post("/{id}/confirm", h.ConfirmPayment)
	})
}

// POST /borrowings
func (h *Handler) CreateBorrowing(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createBorrowingReq
	if !h.decode(w, r, &req) {
		return
	}
	expected, err := clock.ParseDay(req.ExpectedReturnDate)
	if err != nil {
		h.fail(w, apperr.Validation("invalid expected_return_date"))
		return
	}

	out, err := h.service.CreateBorrowing(r.Context(), actor, uuid.MustParse(req.BookID), expected)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkoutResponse(out))
}

// GET /borrowings?is_active=&user_id=&page=&page_size=
func (h *Handler) ListBorrowings(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := BorrowingFilter{}
	if v := q.Get("is_active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			h.fail(w, apperr.Validation("is_active must be true or false"))
			return
		}
		f.Active = &active
	}
	if v := q.Get("user_id"); v != "" && actor.Staff {
		id, err := uuid.Parse(v)
		if err != nil {
			h.fail(w, apperr.Validation("user_id must be a uuid"))
			return
		}
		f.BorrowerID = &id
	}
	var err error
	if f.Page, f.PageSize, err = paging(q.Get("page"), q.Get("page_size")); err != nil {
		h.fail(w, err)
		return
	}

	rows, total, err := h.service.ListBorrowings(r.Context(), actor, f)
	if err != nil {
		h.fail(w, err)
		return
	}
	results := make([]any, 0, len(rows))
	for _, d := range rows {
		results = append(results, ListView(actor, d))
	}
	page, size := Normalize(f.Page, f.PageSize)
	writeJSON(w, http.StatusOK, map[string]any{"count": total, "page": page, "page_size": size, "results": results})
}

// GET /borrowings/{id}
func (h *Handler) GetBorrowing(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.service.GetBorrowing(r.Context(), actor, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DetailView(actor, *d, clock.Today(h.clock)))
}

// PATCH /borrowings/{id}
func (h *Handler) UpdateBorrowing(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r, "id")
	if !ok {
		return
	}
	var req updateBorrowingReq
	if !h.decode(w, r, &req) {
		return
	}
	date, err := clock.ParseDay(req.ExpectedReturnDate)
	if err != nil {
		h.fail(w, apperr.Validation("invalid expected_return_date"))
		return
	}
	if _, err := h.service.UpdateExpectedReturnDate(r.Context(), actor, id, date); err != nil {
		h.fail(w, err)
		return
	}
	h.GetBorrowing(w, r)
}

// DELETE /borrowings/{id}
func (h *Handler) DeleteBorrowing(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteBorrowing(r.Context(), actor, id); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /borrowings/{id}/return
func (h *Handler) ReturnBorrowing(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r, "id")
	if !ok {
		return
	}
	out, err := h.service.RequestReturn(r.Context(), actor, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	status := http.StatusAccepted
	if out.Payment == nil {
		status = http.StatusOK
	}
	writeJSON(w, status, checkoutResponse(out))
}

// GET /borrowings/{id}/payment
func (h *Handler) ResumePayment(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.service.ResumePayment(r.Context(), actor, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PaymentItem(*p))
}

// GET /borrowings/{id}/history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r, "id")
	if !ok {
		return
	}
	events, err := h.service.History(r.Context(), actor, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": events})
}

// GET /payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var f PaymentFilter
	var err error
	if f.Page, f.PageSize, err = paging(q.Get("page"), q.Get("page_size")); err != nil {
		h.fail(w, err)
		return
	}
	rows, total, err := h.service.ListPayments(r.Context(), actor, f)
	if err != nil {
		h.fail(w, err)
		return
	}
	page, size := Normalize(f.Page, f.PageSize)
	writeJSON(w, http.StatusOK, map[string]any{"count": total, "page": page, "page_size": size, "results": PaymentList(rows)})
}

// GET /payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.service.GetPayment(r.Context(), actor, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PaymentView(actor, *p))
}

// POST /payments/{id}/confirm settles a return payment by hand (staff only).
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r, "id")
	if !ok {
		return
	}
	if !actor.Staff {
		h.fail(w, apperr.Forbidden("only staff can confirm payments"))
		return
	}
	p, err := h.service.ConfirmReturnPayment(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PaymentDetail(*p))
}

// GET /payments/success/{borrowingID}?session_id=
func (h *Handler) PaymentSucceeded(w http.ResponseWriter, r *http.Request) {
	borrowingID, sessionID, ok := h.callbackSession(w, r)
	if !ok {
		return
	}
	p, err := h.service.OnSessionSucceeded(r.Context(), borrowingID, sessionID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if p == nil {
		writeJSON(w, http.StatusOK, map[string]any{"message": "unknown checkout session, nothing to do"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "payment received, thank you",
		"payment": PaymentItem(*p),
	})
}

// GET /payments/cancel/{borrowingID}?session_id=
func (h *Handler) PaymentCancelled(w http.ResponseWriter, r *http.Request) {
	borrowingID, sessionID, ok := h.callbackSession(w, r)
	if !ok {
		return
	}
	p, err := h.service.OnSessionCancelled(r.Context(), borrowingID, sessionID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if p == nil {
		writeJSON(w, http.StatusOK, map[string]any{"message": "unknown checkout session, nothing to do"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "payment was not completed, you can pay later with the same link",
		"session_url": p.SessionURL,
	})
}

func (h *Handler) callbackSession(w http.ResponseWriter, r *http.Request) (uuid.UUID, string, bool) {
	borrowingID, err := uuid.Parse(chi.URLParam(r, "borrowingID"))
	if err != nil {
		h.fail(w, apperr.Validation("invalid borrowing id"))
		return uuid.Nil, "", false
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		h.fail(w, apperr.Validation("session_id is required"))
		return uuid.Nil, "", false
	}
	return borrowingID, sessionID, true
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	id, err := uuid.Parse(r.Header.Get(HeaderMemberID))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "missing or invalid " + HeaderMemberID})
		return Actor{}, false
	}
	staff, _ := strconv.ParseBool(r.Header.Get(HeaderStaff))
	return Actor{MemberID: id, Staff: staff}, true
}

func (h *Handler) actorAndID(w http.ResponseWriter, r *http.Request, param string) (Actor, uuid.UUID, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return Actor{}, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.fail(w, apperr.Validation("invalid id"))
		return Actor{}, uuid.Nil, false
	}
	return actor, id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid JSON"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"message": "validation error",
			"errors":  err.Error(),
		})
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		h.logger.Error("request failed", "err", err)
		writeJSON(w, status, map[string]any{"message": "internal error"})
		return
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "kind", ae.Kind, "err", err)
	}
	body := map[string]any{"error": ae.Kind, "message": ae.Message}
	if ae.SessionURL != "" {
		body["session_url"] = ae.SessionURL
	}
	writeJSON(w, status, body)
}

func checkoutResponse(out *Checkout) map[string]any {
	body := map[string]any{"borrowing": out.Borrowing}
	if out.Payment != nil {
		body["payment"] = PaymentItem(*out.Payment)
	}
	return body
}

func paging(page, size string) (int, int, error) {
	var p, s int
	var err error
	if page != "" {
		if p, err = strconv.Atoi(page); err != nil {
			return 0, 0, apperr.Validation("page must be a number")
		}
	}
	if size != "" {
		if s, err = strconv.Atoi(size); err != nil {
			return 0, 0, apperr.Validation("page_size must be a number")
		}
	}
	p, s = Normalize(p, s)
	return p, s, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
