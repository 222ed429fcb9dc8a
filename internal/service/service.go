// Package service реализует бизнес-логику сверки событий зачисления.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/enrollhub-system/internal/model"
	"github.com/mmeshcher/enrollhub-system/internal/repository"
	"github.com/mmeshcher/enrollhub-system/internal/survey"
	"github.com/mmeshcher/enrollhub-system/internal/validation"
)

// ErrNoEmail возвращается, когда в событии нет пригодного email.
var (
	ErrNoEmail = errors.New("no usable email in event")
	// ErrFormIDMismatch возвращается при несовпадении идентификатора формы с настройкой продукта.
	ErrFormIDMismatch = errors.New("form id mismatch")
	// ErrInvalidDecision возвращается при неизвестном статусе решения по стипендии.
	ErrInvalidDecision = errors.New("invalid scholarship decision status")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetOfferingBySlug(ctx context.Context, slug string) (*model.Offering, error)
	GetOfferingByKitTag(ctx context.Context, tag string) (*model.Offering, error)
	GetOfferingByStripePriceID(ctx context.Context, priceID string) (*model.Offering, error)
	FindOfferingByName(ctx context.Context, name string) (*model.Offering, error)
	GetPersonByEmail(ctx context.Context, email string) (*model.Person, error)
	CreatePerson(ctx context.Context, email, firstName, lastName string) (*model.Person, error)
	UpdatePersonAttrs(ctx context.Context, personID int64, attrs model.PersonAttrs) error
	CreateEnrollment(ctx context.Context, e model.Enrollment) (*model.Enrollment, bool, error)
	GetEnrollmentByKey(ctx context.Context, key string) (*model.Enrollment, error)
	UpdateEnrollmentSurvey(ctx context.Context, enrollmentID int64, s model.EnrollmentSurvey) error
	CreateSale(ctx context.Context, s model.Sale) (*model.Sale, bool, error)
	CreateScholarshipApplication(ctx context.Context, a model.ScholarshipApplication) (*model.ScholarshipApplication, bool, error)
	DecideScholarship(ctx context.Context, id int64, status string, tier *int64, discountCode, notes *string) error
	MarkScholarshipDelivered(ctx context.Context, id int64) error
}

// Tagger описывает постановку исходящего тегирования в очередь.
// Постановка не блокирует и не возвращает ошибок: побочный эффект
// не должен провалить обработку входящего события.
type Tagger interface {
	Enqueue(email, tag string) bool
}

// Service содержит бизнес-логику сверки событий зачисления.
type Service struct {
	repo   Repository
	tagger Tagger
	logger *zap.Logger
}

// NewService создаёт новый сервис. tagger может быть nil, если исходящее
// тегирование отключено.
func NewService(repo Repository, tagger Tagger, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		tagger: tagger,
		logger: logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// EnrollOutcome — результат обработки события зачисления.
type EnrollOutcome struct {
	Status           string
	EnrollmentKey    string
	PersonID         int64
	OfferingID       int64
	RSVPTagQueued    *bool
	OnboardTagQueued *bool
	EnrichedFields   []string
}

// Статусы результата в ответах вебхуков.
const (
	OutcomeEnrolled        = "enrolled"
	OutcomeAlreadyEnrolled = "already_enrolled"
	OutcomeSurveySaved     = "survey_saved"
	OutcomeApplication     = "application_received"
)

// resolvePerson находит участника по нормализованному email или создаёт
// нового. Имя существующего участника никогда не перезаписывается.
func (s *Service) resolvePerson(ctx context.Context, email, firstName, lastName string) (*model.Person, error) {
	clean := validation.NormalizeEmail(email)
	if !validation.IsValidEmail(clean) {
		return nil, ErrNoEmail
	}

	person, err := s.repo.GetPersonByEmail(ctx, clean)
	if err == nil {
		return person, nil
	}
	if !errors.Is(err, repository.ErrPersonNotFound) {
		return nil, err
	}

	if firstName == "" {
		firstName = "Unknown"
	}
	person, err = s.repo.CreatePerson(ctx, clean, firstName, lastName)
	if err != nil {
		return nil, err
	}

	s.logger.Info("created person",
		zap.Int64("number", person.PersonNumber), zap.String("email", clean))
	return person, nil
}

// EnrollmentKey строит естественный ключ зачисления.
func EnrollmentKey(email, slug string) string {
	return validation.NormalizeEmail(email) + "_" + slug
}

// ensureEnrollment создаёт зачисление или возвращает существующее.
// После создания новой записи ставится в очередь RSVP-тег продукта.
func (s *Service) ensureEnrollment(ctx context.Context, person *model.Person, offering *model.Offering, source string, saleID *int64) (*EnrollOutcome, error) {
	key := EnrollmentKey(person.Email, offering.Slug)

	enr, isNew, err := s.repo.CreateEnrollment(ctx, model.Enrollment{
		EnrollmentKey: key,
		Status:        model.StatusEnrolled,
		Source:        source,
		PersonID:      person.ID,
		OfferingID:    offering.ID,
		SaleID:        saleID,
	})
	if err != nil {
		return nil, err
	}

	outcome := &EnrollOutcome{
		Status:        OutcomeAlreadyEnrolled,
		EnrollmentKey: enr.EnrollmentKey,
		PersonID:      person.ID,
		OfferingID:    offering.ID,
	}

	if isNew {
		outcome.Status = OutcomeEnrolled
		s.logger.Info("created enrollment",
			zap.String("enrollment", key), zap.String("source", source))

		if offering.KitRSVPTag != "" {
			queued := s.enqueueTag(person.Email, offering.KitRSVPTag)
			outcome.RSVPTagQueued = &queued
		}
	}

	return outcome, nil
}

func (s *Service) enqueueTag(email, tag string) bool {
	if s.tagger == nil {
		return false
	}
	return s.tagger.Enqueue(email, tag)
}

// EnrollFromKit обрабатывает событие Kit о добавлении подписчика к тегу.
func (s *Service) EnrollFromKit(ctx context.Context, kitTag, email, fullName string) (*EnrollOutcome, error) {
	offering, err := s.repo.GetOfferingByKitTag(ctx, kitTag)
	if err != nil {
		return nil, err
	}

	first, last := survey.SplitName(fullName)
	person, err := s.resolvePerson(ctx, email, first, last)
	if err != nil {
		return nil, err
	}

	return s.ensureEnrollment(ctx, person, offering, "kit", nil)
}

// EnrollFromForm обрабатывает отправку обобщённой формы.
func (s *Service) EnrollFromForm(ctx context.Context, slug, email, firstName, lastName string) (*EnrollOutcome, error) {
	offering, err := s.repo.GetOfferingBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	person, err := s.resolvePerson(ctx, email, firstName, lastName)
	if err != nil {
		return nil, err
	}

	return s.ensureEnrollment(ctx, person, offering, "form", nil)
}

// StripeCheckout — разобранные данные завершённой checkout-сессии Stripe.
type StripeCheckout struct {
	SessionID       string
	Email           string
	Name            string
	MetaSlug        string
	MetaPriceID     string
	LineItemPriceID string
	PaymentIntentID string
	AmountCents     int64
	Currency        string
}

// EnrollFromStripe обрабатывает завершённую checkout-сессию: записывает
// продажу (идемпотентно по идентификатору транзакции), автосопоставляет
// принятую стипендию и создаёт зачисление со ссылкой на продажу.
// Порядок разрешения продукта: слаг из метаданных → цена из метаданных →
// цена из позиции заказа.
func (s *Service) EnrollFromStripe(ctx context.Context, co StripeCheckout) (*EnrollOutcome, error) {
	if !validation.IsValidEmail(co.Email) {
		return nil, ErrNoEmail
	}

	var offering *model.Offering
	if co.MetaSlug != "" {
		o, err := s.repo.GetOfferingBySlug(ctx, co.MetaSlug)
		if err != nil && !errors.Is(err, repository.ErrOfferingNotFound) {
			return nil, err
		}
		offering = o
	}

	if offering == nil {
		priceID := co.MetaPriceID
		if priceID == "" {
			priceID = co.LineItemPriceID
		}
		if priceID == "" {
			return nil, repository.ErrOfferingNotFound
		}
		o, err := s.repo.GetOfferingByStripePriceID(ctx, priceID)
		if err != nil {
			return nil, err
		}
		offering = o
	}

	first, last := survey.SplitName(co.Name)
	person, err := s.resolvePerson(ctx, co.Email, first, last)
	if err != nil {
		return nil, err
	}

	currency := strings.ToUpper(co.Currency)
	if currency == "" {
		currency = "USD"
	}

	sale, saleIsNew, err := s.repo.CreateSale(ctx, model.Sale{
		SaleKey:                 "stripe_" + co.SessionID,
		BuyerEmail:              person.Email,
		BuyerName:               strings.TrimSpace(co.Name),
		OfferingID:              offering.ID,
		AmountCents:             co.AmountCents,
		Currency:                currency,
		Quantity:                1,
		Status:                  "completed",
		Source:                  "stripe",
		StripeCheckoutSessionID: co.SessionID,
		StripePaymentIntentID:   co.PaymentIntentID,
		PurchaseDate:            time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if saleIsNew && sale.Scholarship {
		s.logger.Info("scholarship auto-matched",
			zap.String("sale", sale.SaleKey), zap.String("email", person.Email))
	}

	return s.ensureEnrollment(ctx, person, offering, "stripe", &sale.ID)
}

// ProcessOnboardingSurvey обрабатывает анкету Typeform: обогащает профиль
// участника и создаёт зачисление как подстраховку — событие анкеты может
// прийти раньше создающего события.
func (s *Service) ProcessOnboardingSurvey(ctx context.Context, slug string, fr survey.FormResponse) (*EnrollOutcome, error) {
	offering, err := s.repo.GetOfferingBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	if offering.TypeformFormID != "" && fr.FormID != offering.TypeformFormID {
		return nil, ErrFormIDMismatch
	}

	fieldMap, err := survey.ParseFieldMap(offering.TypeformFieldMap)
	if err != nil {
		s.logger.Warn("invalid typeform field map", zap.String("offering", slug), zap.Error(err))
	}

	upd := survey.BuildPersonUpdate(fr, fieldMap)

	person, err := s.resolvePerson(ctx, upd.Email, upd.FirstName, upd.LastName)
	if err != nil {
		return nil, err
	}

	if len(upd.Applied) > 0 {
		if err := s.repo.UpdatePersonAttrs(ctx, person.ID, upd.Attrs); err != nil {
			return nil, err
		}
		s.logger.Info("enriched person",
			zap.Int64("number", person.PersonNumber), zap.Strings("fields", upd.Applied))
	}

	var onboardQueued *bool
	if offering.KitOnboardedTag != "" {
		queued := s.enqueueTag(person.Email, offering.KitOnboardedTag)
		onboardQueued = &queued
	}

	outcome, err := s.ensureEnrollment(ctx, person, offering, "typeform", nil)
	if err != nil {
		return nil, err
	}
	outcome.EnrichedFields = upd.Applied
	outcome.OnboardTagQueued = onboardQueued

	return outcome, nil
}

// CompletionOutcome — результат сохранения завершающего опроса.
type CompletionOutcome struct {
	Status        string
	EnrollmentKey string
	UpdatedFields []string
}

// ProcessCompletionSurvey сохраняет ответы завершающего опроса в
// существующее зачисление. Опрос никогда не создаёт зачисление:
// отсутствие участника или зачисления — ошибка не-найдено.
func (s *Service) ProcessCompletionSurvey(ctx context.Context, slug string, fr survey.FormResponse) (*CompletionOutcome, error) {
	offering, err := s.repo.GetOfferingBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	if offering.CompletionFormID != "" && fr.FormID != offering.CompletionFormID {
		return nil, ErrFormIDMismatch
	}

	fieldMap, err := survey.ParseFieldMap(offering.CompletionFieldMap)
	if err != nil {
		s.logger.Warn("invalid completion field map", zap.String("offering", slug), zap.Error(err))
	}

	upd := survey.BuildCompletionUpdate(fr, fieldMap)

	clean := validation.NormalizeEmail(upd.Email)
	if !validation.IsValidEmail(clean) {
		return nil, ErrNoEmail
	}

	if _, err := s.repo.GetPersonByEmail(ctx, clean); err != nil {
		return nil, err
	}

	enr, err := s.repo.GetEnrollmentByKey(ctx, EnrollmentKey(clean, offering.Slug))
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateEnrollmentSurvey(ctx, enr.ID, upd.Survey); err != nil {
		return nil, err
	}

	s.logger.Info("completion survey saved",
		zap.String("enrollment", enr.EnrollmentKey), zap.Strings("fields", upd.Applied))

	return &CompletionOutcome{
		Status:        OutcomeSurveySaved,
		EnrollmentKey: enr.EnrollmentKey,
		UpdatedFields: upd.Applied,
	}, nil
}

// ApplicationOutcome — результат приёма заявки на стипендию.
type ApplicationOutcome struct {
	Status       string
	ID           int64
	Email        string
	OfferingName *string
}

// SubmitScholarshipApplication принимает заявку общей стипендиальной формы.
// Курс сопоставляется с продуктом по названию; нераспознанный курс не
// ошибка — заявка сохраняется без продукта.
func (s *Service) SubmitScholarshipApplication(ctx context.Context, fr survey.FormResponse) (*ApplicationOutcome, error) {
	form := survey.ParseScholarshipForm(fr)

	clean := validation.NormalizeEmail(form.Email)
	if !validation.IsValidEmail(clean) {
		return nil, ErrNoEmail
	}

	var offeringID *int64
	var offeringName *string
	if form.CourseName != "" {
		offering, err := s.repo.FindOfferingByName(ctx, form.CourseName)
		switch {
		case err == nil:
			offeringID = &offering.ID
			offeringName = &offering.Name
		case errors.Is(err, repository.ErrOfferingNotFound):
			s.logger.Warn("scholarship course not matched", zap.String("course", form.CourseName))
		default:
			return nil, err
		}
	}

	appliedAt := time.Now().UTC()
	if form.SubmittedAt != nil {
		appliedAt = *form.SubmittedAt
	}

	app, isNew, err := s.repo.CreateScholarshipApplication(ctx, model.ScholarshipApplication{
		Email:              clean,
		FirstName:          form.FirstName,
		LastName:           form.LastName,
		OfferingID:         offeringID,
		IsSubscriber:       form.IsSubscriber,
		AmountWillingToPay: form.AmountWillingToPay,
		Circumstances:      form.Circumstances,
		Hopes:              form.Hopes,
		BestCaseImpact:     form.BestCaseImpact,
		Status:             model.ScholarshipPending,
		AppliedAt:          appliedAt,
	})
	if err != nil {
		return nil, err
	}

	if isNew {
		s.logger.Info("scholarship application received",
			zap.Int64("id", app.ID), zap.String("email", clean))
	}

	return &ApplicationOutcome{
		Status:       OutcomeApplication,
		ID:           app.ID,
		Email:        clean,
		OfferingName: offeringName,
	}, nil
}

// ScholarshipDecision — решение по заявке на стипендию.
type ScholarshipDecision struct {
	Status       string
	Tier         *int64
	DiscountCode *string
	Notes        *string
}

// DecideScholarship записывает решение по заявке. Повторное решение
// перезаписывает предыдущее.
func (s *Service) DecideScholarship(ctx context.Context, id int64, d ScholarshipDecision) error {
	if d.Status != model.ScholarshipAccepted && d.Status != model.ScholarshipRejected {
		return ErrInvalidDecision
	}
	return s.repo.DecideScholarship(ctx, id, d.Status, d.Tier, d.DiscountCode, d.Notes)
}

// MarkScholarshipDelivered отмечает заявку как доставленную.
func (s *Service) MarkScholarshipDelivered(ctx context.Context, id int64) error {
	return s.repo.MarkScholarshipDelivered(ctx, id)
}
