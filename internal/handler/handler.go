// Package handler содержит HTTP-обработчики входящих вебхуков.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/enrollhub-system/internal/metrics"
	"github.com/mmeshcher/enrollhub-system/internal/repository"
	"github.com/mmeshcher/enrollhub-system/internal/service"
	"github.com/mmeshcher/enrollhub-system/internal/signature"
	"github.com/mmeshcher/enrollhub-system/internal/survey"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	EnrollFromKit(ctx context.Context, kitTag, email, fullName string) (*service.EnrollOutcome, error)
	EnrollFromForm(ctx context.Context, slug, email, firstName, lastName string) (*service.EnrollOutcome, error)
	EnrollFromStripe(ctx context.Context, co service.StripeCheckout) (*service.EnrollOutcome, error)
	ProcessOnboardingSurvey(ctx context.Context, slug string, fr survey.FormResponse) (*service.EnrollOutcome, error)
	ProcessCompletionSurvey(ctx context.Context, slug string, fr survey.FormResponse) (*service.CompletionOutcome, error)
	SubmitScholarshipApplication(ctx context.Context, fr survey.FormResponse) (*service.ApplicationOutcome, error)
	DecideScholarship(ctx context.Context, id int64, d service.ScholarshipDecision) error
	MarkScholarshipDelivered(ctx context.Context, id int64) error
}

// Secrets содержит секреты проверки подписи по провайдерам.
// Пустой секрет отключает проверку соответствующего провайдера.
type Secrets struct {
	Kit      string
	Stripe   string
	Typeform string
}

// Handler реализует HTTP-обработчики входящих вебхуков.
type Handler struct {
	service Service
	logger  *zap.Logger
	secrets Secrets
	metrics *metrics.Metrics
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, secrets Secrets, m *metrics.Metrics) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
		secrets: secrets,
		metrics: m,
	}
}

type enrollResponse struct {
	Status                string   `json:"status"`
	EnrollmentID          string   `json:"enrollment_id"`
	PersonID              int64    `json:"person_id,omitempty"`
	OfferingID            int64    `json:"offering_id,omitempty"`
	KitRSVPTagQueued      *bool    `json:"kit_rsvp_tag_queued,omitempty"`
	KitOnboardedTagQueued *bool    `json:"kit_onboarded_tag_queued,omitempty"`
	EnrichedFields        []string `json:"enriched_fields,omitempty"`
}

type ignoredResponse struct {
	Status    string `json:"status"`
	EventType string `json:"event_type"`
}

func enrollResponseFrom(o *service.EnrollOutcome) enrollResponse {
	return enrollResponse{
		Status:                o.Status,
		EnrollmentID:          o.EnrollmentKey,
		PersonID:              o.PersonID,
		OfferingID:            o.OfferingID,
		KitRSVPTagQueued:      o.RSVPTagQueued,
		KitOnboardedTagQueued: o.OnboardTagQueued,
		EnrichedFields:        o.EnrichedFields,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, provider string, err error) {
	switch {
	case errors.Is(err, repository.ErrOfferingNotFound),
		errors.Is(err, repository.ErrPersonNotFound),
		errors.Is(err, repository.ErrEnrollmentNotFound),
		errors.Is(err, repository.ErrApplicationNotFound):
		h.metrics.ObserveWebhook(provider, "not_found")
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrNoEmail),
		errors.Is(err, service.ErrFormIDMismatch),
		errors.Is(err, service.ErrInvalidDecision):
		h.metrics.ObserveWebhook(provider, "bad_request")
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	default:
		h.metrics.ObserveWebhook(provider, "error")
		h.logger.Error("webhook processing error", zap.String("provider", provider), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) unauthorized(w http.ResponseWriter, provider string) {
	h.metrics.ObserveWebhook(provider, "unauthorized")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

type kitWebhookPayload struct {
	Subscriber struct {
		ID           int64  `json:"id"`
		FirstName    string `json:"first_name"`
		EmailAddress string `json:"email_address"`
	} `json:"subscriber"`
}

// KitWebhook обрабатывает событие Kit о добавлении подписчика к тегу.
// Продукт выбирается по имени тега из пути запроса.
func (h *Handler) KitWebhook(w http.ResponseWriter, r *http.Request) {
	if !signature.VerifyKit(h.secrets.Kit, r.Header.Get("X-Kit-Webhook-Secret")) {
		h.unauthorized(w, "kit")
		return
	}

	var payload kitWebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if payload.Subscriber.EmailAddress == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	kitTag := chi.URLParam(r, "kitTag")

	outcome, err := h.service.EnrollFromKit(r.Context(), kitTag,
		payload.Subscriber.EmailAddress, payload.Subscriber.FirstName)
	if err != nil {
		h.writeError(w, "kit", err)
		return
	}

	h.metrics.ObserveWebhook("kit", outcome.Status)
	h.writeJSON(w, enrollResponseFrom(outcome))
}

type stripeEvent struct {
	Type string `json:"type"`
	Data struct {
		Object stripeSession `json:"object"`
	} `json:"data"`
}

type stripeSession struct {
	ID              string `json:"id"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
	Metadata      map[string]string `json:"metadata"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	PaymentIntent json.RawMessage   `json:"payment_intent"`
	LineItems     struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"line_items"`
}

// StripeWebhook обрабатывает событие checkout.session.completed.
// Подпись проверяется над сырыми байтами тела до разбора JSON.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !signature.VerifyStripe(h.secrets.Stripe, body, r.Header.Get("Stripe-Signature")) {
		h.unauthorized(w, "stripe")
		return
	}

	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if event.Type != "checkout.session.completed" {
		h.metrics.ObserveWebhook("stripe", "ignored")
		h.writeJSON(w, ignoredResponse{Status: "ignored", EventType: event.Type})
		return
	}

	session := event.Data.Object

	email := session.CustomerEmail
	if email == "" {
		email = session.CustomerDetails.Email
	}

	// payment_intent приходит строкой либо развёрнутым объектом
	var paymentIntentID string
	_ = json.Unmarshal(session.PaymentIntent, &paymentIntentID)

	var lineItemPriceID string
	if len(session.LineItems.Data) > 0 {
		lineItemPriceID = session.LineItems.Data[0].Price.ID
	}

	outcome, err := h.service.EnrollFromStripe(r.Context(), service.StripeCheckout{
		SessionID:       session.ID,
		Email:           email,
		Name:            session.CustomerDetails.Name,
		MetaSlug:        session.Metadata["product_id"],
		MetaPriceID:     session.Metadata["price_id"],
		LineItemPriceID: lineItemPriceID,
		PaymentIntentID: paymentIntentID,
		AmountCents:     session.AmountTotal,
		Currency:        session.Currency,
	})
	if err != nil {
		h.writeError(w, "stripe", err)
		return
	}

	h.metrics.ObserveWebhook("stripe", outcome.Status)
	h.writeJSON(w, enrollResponseFrom(outcome))
}

type formWebhookPayload struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Name      string `json:"name"`
}

// FormWebhook обрабатывает отправку обобщённой формы. Лишние поля тела
// игнорируются; продукт выбирается по слагу из пути запроса.
func (h *Handler) FormWebhook(w http.ResponseWriter, r *http.Request) {
	if !signature.VerifyKit(h.secrets.Kit, r.Header.Get("X-Webhook-Secret")) {
		h.unauthorized(w, "form")
		return
	}

	var payload formWebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if payload.Email == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	first := payload.FirstName
	last := payload.LastName
	if first == "" && payload.Name != "" {
		first, last = survey.SplitName(payload.Name)
	}

	outcome, err := h.service.EnrollFromForm(r.Context(), chi.URLParam(r, "slug"),
		payload.Email, first, last)
	if err != nil {
		h.writeError(w, "form", err)
		return
	}

	h.metrics.ObserveWebhook("form", outcome.Status)
	h.writeJSON(w, enrollResponseFrom(outcome))
}

// readTypeformEnvelope читает тело, проверяет подпись Typeform и разбирает
// конверт события. Возвращает false, если ответ уже записан.
func (h *Handler) readTypeformEnvelope(w http.ResponseWriter, r *http.Request, provider string) (*survey.Envelope, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return nil, false
	}
	defer r.Body.Close()

	if !signature.VerifyTypeform(h.secrets.Typeform, body, r.Header.Get("Typeform-Signature")) {
		h.unauthorized(w, provider)
		return nil, false
	}

	var env survey.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return nil, false
	}

	if env.EventType != survey.EventFormResponse {
		h.metrics.ObserveWebhook(provider, "ignored")
		h.writeJSON(w, ignoredResponse{Status: "ignored", EventType: env.EventType})
		return nil, false
	}

	return &env, true
}

// TypeformWebhook обрабатывает анкету Typeform: обогащение профиля
// участника плюс создание зачисления как подстраховка.
func (h *Handler) TypeformWebhook(w http.ResponseWriter, r *http.Request) {
	env, ok := h.readTypeformEnvelope(w, r, "typeform")
	if !ok {
		return
	}

	outcome, err := h.service.ProcessOnboardingSurvey(r.Context(), chi.URLParam(r, "slug"), env.FormResponse)
	if err != nil {
		h.writeError(w, "typeform", err)
		return
	}

	h.metrics.ObserveWebhook("typeform", outcome.Status)
	h.writeJSON(w, enrollResponseFrom(outcome))
}

type completionResponse struct {
	Status        string   `json:"status"`
	EnrollmentID  string   `json:"enrollment_id"`
	UpdatedFields []string `json:"updated_fields"`
}

// TypeformCompletion обрабатывает завершающий опрос: только обновляет
// существующее зачисление, никогда его не создаёт.
func (h *Handler) TypeformCompletion(w http.ResponseWriter, r *http.Request) {
	env, ok := h.readTypeformEnvelope(w, r, "typeform_completion")
	if !ok {
		return
	}

	outcome, err := h.service.ProcessCompletionSurvey(r.Context(), chi.URLParam(r, "slug"), env.FormResponse)
	if err != nil {
		h.writeError(w, "typeform_completion", err)
		return
	}

	h.metrics.ObserveWebhook("typeform_completion", outcome.Status)
	h.writeJSON(w, completionResponse{
		Status:        outcome.Status,
		EnrollmentID:  outcome.EnrollmentKey,
		UpdatedFields: outcome.UpdatedFields,
	})
}

type applicationResponse struct {
	Status   string  `json:"status"`
	ID       int64   `json:"id"`
	Email    string  `json:"email"`
	Offering *string `json:"offering"`
}

// TypeformScholarship обрабатывает общую стипендиальную форму.
func (h *Handler) TypeformScholarship(w http.ResponseWriter, r *http.Request) {
	env, ok := h.readTypeformEnvelope(w, r, "scholarship")
	if !ok {
		return
	}

	outcome, err := h.service.SubmitScholarshipApplication(r.Context(), env.FormResponse)
	if err != nil {
		h.writeError(w, "scholarship", err)
		return
	}

	h.metrics.ObserveWebhook("scholarship", outcome.Status)
	h.writeJSON(w, applicationResponse{
		Status:   outcome.Status,
		ID:       outcome.ID,
		Email:    outcome.Email,
		Offering: outcome.OfferingName,
	})
}

type decisionRequest struct {
	Status        string  `json:"status"`
	DecisionTier  *int64  `json:"decision_tier"`
	DiscountCode  *string `json:"discount_code"`
	DecisionNotes *string `json:"decision_notes"`
}

type okResponse struct {
	Status string `json:"status"`
	ID     int64  `json:"id"`
}

func scholarshipID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// DecideScholarship принимает или отклоняет заявку на стипендию.
func (h *Handler) DecideScholarship(w http.ResponseWriter, r *http.Request) {
	id, err := scholarshipID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err = h.service.DecideScholarship(r.Context(), id, service.ScholarshipDecision{
		Status:       req.Status,
		Tier:         req.DecisionTier,
		DiscountCode: req.DiscountCode,
		Notes:        req.DecisionNotes,
	})
	if err != nil {
		h.writeError(w, "scholarship_decision", err)
		return
	}

	h.writeJSON(w, okResponse{Status: "ok", ID: id})
}

// MarkScholarshipDelivered отмечает заявку как доставленную.
func (h *Handler) MarkScholarshipDelivered(w http.ResponseWriter, r *http.Request) {
	id, err := scholarshipID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.MarkScholarshipDelivered(r.Context(), id); err != nil {
		h.writeError(w, "scholarship_delivered", err)
		return
	}

	h.writeJSON(w, okResponse{Status: "ok", ID: id})
}
