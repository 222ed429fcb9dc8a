package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/mmeshcher/enrollhub-system/internal/model"
	"github.com/mmeshcher/enrollhub-system/internal/repository"
	"github.com/mmeshcher/enrollhub-system/internal/survey"
)

type stubRepo struct {
	offering    *model.Offering
	offeringErr error

	offeringBySlug    *model.Offering
	offeringBySlugErr error

	offeringByPrice    *model.Offering
	offeringByPriceErr error

	offeringByName    *model.Offering
	offeringByNameErr error

	person    *model.Person
	personErr error

	createdPerson *model.Person

	enrollment      *model.Enrollment
	enrollmentIsNew bool
	lastEnrollment  model.Enrollment

	enrollmentByKey    *model.Enrollment
	enrollmentByKeyErr error

	sale      *model.Sale
	saleIsNew bool
	lastSale  model.Sale

	application      *model.ScholarshipApplication
	applicationIsNew bool

	updatedAttrs  *model.PersonAttrs
	updatedSurvey *model.EnrollmentSurvey

	decidedStatus string
	delivered     bool
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) GetOfferingBySlug(ctx context.Context, slug string) (*model.Offering, error) {
	return s.offeringBySlug, s.offeringBySlugErr
}

func (s *stubRepo) GetOfferingByKitTag(ctx context.Context, tag string) (*model.Offering, error) {
	return s.offering, s.offeringErr
}

func (s *stubRepo) GetOfferingByStripePriceID(ctx context.Context, priceID string) (*model.Offering, error) {
	return s.offeringByPrice, s.offeringByPriceErr
}

func (s *stubRepo) FindOfferingByName(ctx context.Context, name string) (*model.Offering, error) {
	return s.offeringByName, s.offeringByNameErr
}

func (s *stubRepo) GetPersonByEmail(ctx context.Context, email string) (*model.Person, error) {
	return s.person, s.personErr
}

func (s *stubRepo) CreatePerson(ctx context.Context, email, firstName, lastName string) (*model.Person, error) {
	s.createdPerson = &model.Person{ID: 100, PersonNumber: 1, Email: email, FirstName: firstName, LastName: lastName}
	return s.createdPerson, nil
}

func (s *stubRepo) UpdatePersonAttrs(ctx context.Context, personID int64, attrs model.PersonAttrs) error {
	s.updatedAttrs = &attrs
	return nil
}

func (s *stubRepo) CreateEnrollment(ctx context.Context, e model.Enrollment) (*model.Enrollment, bool, error) {
	s.lastEnrollment = e
	if s.enrollment != nil {
		return s.enrollment, s.enrollmentIsNew, nil
	}
	out := e
	out.ID = 1
	return &out, s.enrollmentIsNew, nil
}

func (s *stubRepo) GetEnrollmentByKey(ctx context.Context, key string) (*model.Enrollment, error) {
	return s.enrollmentByKey, s.enrollmentByKeyErr
}

func (s *stubRepo) UpdateEnrollmentSurvey(ctx context.Context, enrollmentID int64, sv model.EnrollmentSurvey) error {
	s.updatedSurvey = &sv
	return nil
}

func (s *stubRepo) CreateSale(ctx context.Context, sale model.Sale) (*model.Sale, bool, error) {
	s.lastSale = sale
	if s.sale != nil {
		return s.sale, s.saleIsNew, nil
	}
	out := sale
	out.ID = 10
	return &out, s.saleIsNew, nil
}

func (s *stubRepo) CreateScholarshipApplication(ctx context.Context, a model.ScholarshipApplication) (*model.ScholarshipApplication, bool, error) {
	if s.application != nil {
		return s.application, s.applicationIsNew, nil
	}
	out := a
	out.ID = 7
	return &out, s.applicationIsNew, nil
}

func (s *stubRepo) DecideScholarship(ctx context.Context, id int64, status string, tier *int64, discountCode, notes *string) error {
	s.decidedStatus = status
	return nil
}

func (s *stubRepo) MarkScholarshipDelivered(ctx context.Context, id int64) error {
	s.delivered = true
	return nil
}

type stubTagger struct {
	queued bool
	tags   []string
}

func (s *stubTagger) Enqueue(email, tag string) bool {
	s.tags = append(s.tags, tag)
	return s.queued
}

func newTestService(repo Repository, tagger Tagger) *Service {
	return NewService(repo, tagger, zap.NewNop())
}

func TestEnrollFromKit_NewEnrollmentQueuesRSVPTag(t *testing.T) {
	repo := &stubRepo{
		offering:        &model.Offering{ID: 5, Slug: "ccfb", KitRSVPTag: "ccfb-rsvp"},
		personErr:       repository.ErrPersonNotFound,
		enrollmentIsNew: true,
	}
	tagger := &stubTagger{queued: true}
	svc := newTestService(repo, tagger)

	outcome, err := svc.EnrollFromKit(context.Background(), "ccfb-tag", "A@X.com", "Ada Lovelace")
	if err != nil {
		t.Fatalf("EnrollFromKit error: %v", err)
	}
	if outcome.Status != OutcomeEnrolled {
		t.Fatalf("status = %q, want %q", outcome.Status, OutcomeEnrolled)
	}
	if outcome.EnrollmentKey != "a@x.com_ccfb" {
		t.Fatalf("enrollment key = %q", outcome.EnrollmentKey)
	}
	if repo.createdPerson == nil || repo.createdPerson.FirstName != "Ada" || repo.createdPerson.LastName != "Lovelace" {
		t.Fatalf("person not created from full name: %+v", repo.createdPerson)
	}
	if outcome.RSVPTagQueued == nil || !*outcome.RSVPTagQueued {
		t.Fatalf("RSVP tag must be reported queued")
	}
	if len(tagger.tags) != 1 || tagger.tags[0] != "ccfb-rsvp" {
		t.Fatalf("unexpected tags: %v", tagger.tags)
	}
}

func TestEnrollFromKit_ReplayIsAlreadyEnrolled(t *testing.T) {
	repo := &stubRepo{
		offering:        &model.Offering{ID: 5, Slug: "ccfb", KitRSVPTag: "ccfb-rsvp"},
		person:          &model.Person{ID: 1, Email: "a@x.com"},
		enrollmentIsNew: false,
	}
	tagger := &stubTagger{queued: true}
	svc := newTestService(repo, tagger)

	outcome, err := svc.EnrollFromKit(context.Background(), "ccfb-tag", "a@x.com", "Ada")
	if err != nil {
		t.Fatalf("EnrollFromKit error: %v", err)
	}
	if outcome.Status != OutcomeAlreadyEnrolled {
		t.Fatalf("status = %q, want %q", outcome.Status, OutcomeAlreadyEnrolled)
	}
	if len(tagger.tags) != 0 {
		t.Fatalf("replay must not queue tags, got %v", tagger.tags)
	}
	if outcome.RSVPTagQueued != nil {
		t.Fatalf("replay must not report tag flag")
	}
}

func TestEnrollFromKit_NoEmail(t *testing.T) {
	repo := &stubRepo{offering: &model.Offering{ID: 5, Slug: "ccfb"}}
	svc := newTestService(repo, nil)

	_, err := svc.EnrollFromKit(context.Background(), "ccfb-tag", "   ", "Ada")
	if !errors.Is(err, ErrNoEmail) {
		t.Fatalf("expected ErrNoEmail, got %v", err)
	}
}

func TestEnrollFromStripe_PriceFallbackWhenSlugUnknown(t *testing.T) {
	repo := &stubRepo{
		offeringBySlugErr: repository.ErrOfferingNotFound,
		offeringByPrice:   &model.Offering{ID: 5, Slug: "ccfb"},
		person:            &model.Person{ID: 1, Email: "a@x.com"},
		enrollmentIsNew:   true,
	}
	svc := newTestService(repo, nil)

	outcome, err := svc.EnrollFromStripe(context.Background(), StripeCheckout{
		SessionID:       "cs_123",
		Email:           "a@x.com",
		MetaSlug:        "gone",
		LineItemPriceID: "price_1",
		AmountCents:     5000,
		Currency:        "eur",
	})
	if err != nil {
		t.Fatalf("EnrollFromStripe error: %v", err)
	}
	if outcome.Status != OutcomeEnrolled {
		t.Fatalf("status = %q", outcome.Status)
	}
	if repo.lastSale.SaleKey != "stripe_cs_123" {
		t.Fatalf("sale key = %q", repo.lastSale.SaleKey)
	}
	if repo.lastSale.Currency != "EUR" {
		t.Fatalf("currency = %q, want EUR", repo.lastSale.Currency)
	}
	if repo.lastEnrollment.SaleID == nil {
		t.Fatalf("enrollment must reference the sale")
	}
}

func TestEnrollFromStripe_NoOfferingReference(t *testing.T) {
	svc := newTestService(&stubRepo{}, nil)

	_, err := svc.EnrollFromStripe(context.Background(), StripeCheckout{
		SessionID: "cs_1",
		Email:     "a@x.com",
	})
	if !errors.Is(err, repository.ErrOfferingNotFound) {
		t.Fatalf("expected ErrOfferingNotFound, got %v", err)
	}
}

func TestEnrollFromStripe_ReplayBackfillsSale(t *testing.T) {
	saleID := int64(10)
	repo := &stubRepo{
		offeringBySlug:  &model.Offering{ID: 5, Slug: "ccfb"},
		person:          &model.Person{ID: 1, Email: "a@x.com"},
		sale:            &model.Sale{ID: saleID, SaleKey: "stripe_cs_1"},
		saleIsNew:       false,
		enrollmentIsNew: false,
		enrollment:      &model.Enrollment{ID: 2, EnrollmentKey: "a@x.com_ccfb", SaleID: &saleID},
	}
	svc := newTestService(repo, nil)

	outcome, err := svc.EnrollFromStripe(context.Background(), StripeCheckout{
		SessionID: "cs_1",
		Email:     "a@x.com",
		MetaSlug:  "ccfb",
	})
	if err != nil {
		t.Fatalf("EnrollFromStripe error: %v", err)
	}
	if outcome.Status != OutcomeAlreadyEnrolled {
		t.Fatalf("status = %q", outcome.Status)
	}
	if repo.lastEnrollment.SaleID == nil || *repo.lastEnrollment.SaleID != saleID {
		t.Fatalf("sale id must be passed for backfill")
	}
}

func TestEnrollFromStripe_ScholarshipAutoMatch(t *testing.T) {
	repo := &stubRepo{
		offeringBySlug:  &model.Offering{ID: 5, Slug: "ccfb"},
		person:          &model.Person{ID: 1, Email: "a@x.com"},
		sale:            &model.Sale{ID: 10, SaleKey: "stripe_cs_1", Scholarship: true},
		saleIsNew:       true,
		enrollmentIsNew: true,
	}
	svc := newTestService(repo, nil)

	outcome, err := svc.EnrollFromStripe(context.Background(), StripeCheckout{
		SessionID: "cs_1",
		Email:     "a@x.com",
		MetaSlug:  "ccfb",
	})
	if err != nil {
		t.Fatalf("EnrollFromStripe error: %v", err)
	}
	if outcome.Status != OutcomeEnrolled {
		t.Fatalf("status = %q", outcome.Status)
	}
	if repo.lastEnrollment.SaleID == nil || *repo.lastEnrollment.SaleID != 10 {
		t.Fatalf("enrollment must link the scholarship sale")
	}
}

func TestProcessOnboardingSurvey_EnrichesAndTags(t *testing.T) {
	repo := &stubRepo{
		offeringBySlug: &model.Offering{
			ID: 5, Slug: "ccfb", TypeformFormID: "form1", KitOnboardedTag: "ccfb-onboarded",
		},
		personErr:       repository.ErrPersonNotFound,
		enrollmentIsNew: true,
	}
	tagger := &stubTagger{queued: true}
	svc := newTestService(repo, tagger)

	country := survey.Answer{Type: "text", Text: "Portugal"}
	country.Field.Ref = "country"
	email := survey.Answer{Type: "email", Email: "a@x.com"}
	email.Field.Ref = "email"

	fr := survey.FormResponse{
		FormID:      "form1",
		SubmittedAt: "2026-01-10T12:00:00Z",
		Answers:     []survey.Answer{email, country},
	}

	outcome, err := svc.ProcessOnboardingSurvey(context.Background(), "ccfb", fr)
	if err != nil {
		t.Fatalf("ProcessOnboardingSurvey error: %v", err)
	}
	if outcome.Status != OutcomeEnrolled {
		t.Fatalf("status = %q", outcome.Status)
	}
	if repo.updatedAttrs == nil || repo.updatedAttrs.Country == nil || *repo.updatedAttrs.Country != "Portugal" {
		t.Fatalf("attrs not enriched: %+v", repo.updatedAttrs)
	}
	if outcome.OnboardTagQueued == nil || !*outcome.OnboardTagQueued {
		t.Fatalf("onboarded tag must be reported queued")
	}
	if len(outcome.EnrichedFields) == 0 {
		t.Fatalf("enriched fields must be reported")
	}
}

func TestProcessOnboardingSurvey_FormIDMismatch(t *testing.T) {
	repo := &stubRepo{
		offeringBySlug: &model.Offering{ID: 5, Slug: "ccfb", TypeformFormID: "form1"},
	}
	svc := newTestService(repo, nil)

	_, err := svc.ProcessOnboardingSurvey(context.Background(), "ccfb", survey.FormResponse{FormID: "other"})
	if !errors.Is(err, ErrFormIDMismatch) {
		t.Fatalf("expected ErrFormIDMismatch, got %v", err)
	}
}

func TestProcessCompletionSurvey_RequiresExistingEnrollment(t *testing.T) {
	repo := &stubRepo{
		offeringBySlug:     &model.Offering{ID: 5, Slug: "ccfb"},
		person:             &model.Person{ID: 1, Email: "a@x.com"},
		enrollmentByKeyErr: repository.ErrEnrollmentNotFound,
	}
	svc := newTestService(repo, nil)

	email := survey.Answer{Type: "email", Email: "a@x.com"}
	email.Field.Ref = "email"

	_, err := svc.ProcessCompletionSurvey(context.Background(), "ccfb", survey.FormResponse{
		Answers: []survey.Answer{email},
	})
	if !errors.Is(err, repository.ErrEnrollmentNotFound) {
		t.Fatalf("expected ErrEnrollmentNotFound, got %v", err)
	}
}

func TestProcessCompletionSurvey_SavesSurvey(t *testing.T) {
	repo := &stubRepo{
		offeringBySlug:  &model.Offering{ID: 5, Slug: "ccfb", CompletionFormID: "done1"},
		person:          &model.Person{ID: 1, Email: "a@x.com"},
		enrollmentByKey: &model.Enrollment{ID: 2, EnrollmentKey: "a@x.com_ccfb"},
	}
	svc := newTestService(repo, nil)

	email := survey.Answer{Type: "email", Email: "a@x.com"}
	email.Field.Ref = "email"
	win := survey.Answer{Type: "text", Text: "shipped a project"}
	win.Field.Ref = "biggest_win"

	outcome, err := svc.ProcessCompletionSurvey(context.Background(), "ccfb", survey.FormResponse{
		FormID:  "done1",
		Answers: []survey.Answer{email, win},
	})
	if err != nil {
		t.Fatalf("ProcessCompletionSurvey error: %v", err)
	}
	if outcome.Status != OutcomeSurveySaved {
		t.Fatalf("status = %q", outcome.Status)
	}
	if repo.updatedSurvey == nil || repo.updatedSurvey.BiggestWin == nil {
		t.Fatalf("survey not saved: %+v", repo.updatedSurvey)
	}
}

func TestSubmitScholarshipApplication_UnmatchedCourseIsNotError(t *testing.T) {
	repo := &stubRepo{
		offeringByNameErr: repository.ErrOfferingNotFound,
		applicationIsNew:  true,
	}
	svc := newTestService(repo, nil)

	contact := survey.Answer{Type: "contact_info", ContactInfo: &survey.ContactInfo{
		FirstName: "Ada", Email: "ada@b.com",
	}}
	contact.Field.ID = "BDW3qHqGK2jN"
	course := survey.Answer{Type: "text", Text: "Nonexistent Course"}
	course.Field.ID = "AKZmKw95FZnv"

	outcome, err := svc.SubmitScholarshipApplication(context.Background(), survey.FormResponse{
		Answers: []survey.Answer{contact, course},
	})
	if err != nil {
		t.Fatalf("SubmitScholarshipApplication error: %v", err)
	}
	if outcome.Status != OutcomeApplication {
		t.Fatalf("status = %q", outcome.Status)
	}
	if outcome.OfferingName != nil {
		t.Fatalf("unmatched course must leave offering nil")
	}
}

func TestDecideScholarship_RejectsUnknownStatus(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo, nil)

	err := svc.DecideScholarship(context.Background(), 1, ScholarshipDecision{Status: "maybe"})
	if !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("expected ErrInvalidDecision, got %v", err)
	}

	if err := svc.DecideScholarship(context.Background(), 1, ScholarshipDecision{Status: "accepted"}); err != nil {
		t.Fatalf("accepted must pass: %v", err)
	}
	if repo.decidedStatus != "accepted" {
		t.Fatalf("decision not recorded")
	}
}
