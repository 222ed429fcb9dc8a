// Package model содержит доменные сущности сервиса зачислений.
package model

import "time"

// Offering представляет продаваемый продукт (курс или программу) вместе
// с настройками интеграций внешних провайдеров.
type Offering struct {
	ID                 int64
	Slug               string
	Name               string
	KitTag             string
	KitRSVPTag         string
	KitOnboardedTag    string
	StripePriceID      string
	TypeformFormID     string
	TypeformFieldMap   string
	CompletionFormID   string
	CompletionFieldMap string
	SalesTarget        int64
	CourseStartDate    *time.Time
}

// Person представляет уникального участника, идентифицируемого по email.
type Person struct {
	ID           int64
	PersonNumber int64
	FirstName    string
	LastName     string
	Email        string
	CreatedAt    time.Time
}

// PersonAttrs описывает обогащаемые атрибуты участника.
// nil-поля не затирают уже сохранённые значения.
type PersonAttrs struct {
	PreferredName      *string
	AlternativeEmail   *string
	Country            *string
	Timezone           *string
	ClosestCity        *string
	DOB                *time.Time
	Gender             *string
	LearnAboutCourse   *string
	ConsentImages      *bool
	ConsentPhotoOnSite *bool
	WhatMadeYouJoin    *string
	GetFrom            *string
	HereFor            *string
	ConfidenceLevel    *float64
	OnboardingDate     *time.Time
}

// Enrollment связывает участника и продукт. Естественный ключ —
// нормализованный email плюс слаг продукта.
type Enrollment struct {
	ID            int64
	EnrollmentKey string
	Status        string
	Source        string
	PersonID      int64
	OfferingID    int64
	SaleID        *int64
	CreatedAt     time.Time
}

// StatusEnrolled — статус зачисления по умолчанию. Набор статусов не
// фиксирован: провайдеры и администраторы могут записывать свои метки.
const StatusEnrolled = "enrolled"

// EnrollmentSurvey описывает ответы завершающего опроса по зачислению.
// nil-поля не затирают уже сохранённые значения.
type EnrollmentSurvey struct {
	BiggestWin                 *string
	ThreeThingsLearned         *string
	ConfidenceAfter            *int64
	Satisfaction               *string
	RecommendScore             *int64
	Testimonial                *string
	ImprovementSuggestion      *string
	InterestLongerProgram      *string
	FollowupTopics             *string
	BeginnerFriendlyRating     *string
	ExpectedLearningNotCovered *string
	AnythingElse               *string
	TransformationalScore      *int64
	DeliveredOnPromiseScore    *int64
	SurveySubmitDate           *time.Time
}

// Sale представляет факт покупки у внешнего провайдера.
// Естественный ключ SaleKey защищает от повторной записи при редоставке.
type Sale struct {
	ID                      int64
	SaleKey                 string
	BuyerEmail              string
	BuyerName               string
	OfferingID              int64
	AmountCents             int64
	Currency                string
	Quantity                int64
	Status                  string
	Source                  string
	Scholarship             bool
	StripeCheckoutSessionID string
	StripePaymentIntentID   string
	PurchaseDate            time.Time
}

// ScholarshipApplication представляет заявку на стипендию.
type ScholarshipApplication struct {
	ID                 int64
	Email              string
	FirstName          string
	LastName           string
	OfferingID         *int64
	IsSubscriber       *bool
	AmountWillingToPay *string
	Circumstances      *string
	Hopes              *string
	BestCaseImpact     *string
	Status             string
	DecisionTier       *int64
	DiscountCode       *string
	DecisionNotes      *string
	DecidedAt          *time.Time
	Enrolled           bool
	Delivered          bool
	DeliveredAt        *time.Time
	AppliedAt          time.Time
}

// Статусы заявки на стипендию.
const (
	ScholarshipPending  = "pending"
	ScholarshipAccepted = "accepted"
	ScholarshipRejected = "rejected"
)
