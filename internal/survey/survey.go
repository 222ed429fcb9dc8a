// Package survey разбирает динамические ответы Typeform и отображает их
// на канонические атрибуты участника и зачисления.
//
// Приоритет отображения для каждого ответа:
//  1. явная карта полей продукта (ref → каноническое имя);
//  2. соглашение: ref совпадает с каноническим именем атрибута;
//  3. автоопределение email по типу ответа;
//  4. соглашение для ref "name"/"full_name" с разбиением на имя и фамилию.
//
// Неопознанные ответы молча отбрасываются: движок никогда не падает на
// незнакомых полях. Приведение к типам хранения выполняется после
// отображения; ошибка приведения отбрасывает только один атрибут.
package survey

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/enrollhub-system/internal/model"
)

// Envelope — конверт вебхука Typeform.
type Envelope struct {
	EventType    string       `json:"event_type"`
	FormResponse FormResponse `json:"form_response"`
}

// EventFormResponse — единственный тип события, который обрабатывается.
const EventFormResponse = "form_response"

// FormResponse — содержимое одного заполнения формы.
type FormResponse struct {
	FormID      string   `json:"form_id"`
	SubmittedAt string   `json:"submitted_at"`
	Answers     []Answer `json:"answers"`
}

// Answer — один типизированный ответ формы.
type Answer struct {
	Type  string `json:"type"`
	Field struct {
		ID  string `json:"id"`
		Ref string `json:"ref"`
	} `json:"field"`
	Text        string   `json:"text"`
	Email       string   `json:"email"`
	Boolean     *bool    `json:"boolean"`
	Date        string   `json:"date"`
	Number      *float64 `json:"number"`
	PhoneNumber string   `json:"phone_number"`
	URL         string   `json:"url"`
	FileURL     string   `json:"file_url"`
	Choice      struct {
		Label string `json:"label"`
	} `json:"choice"`
	Choices struct {
		Labels []string `json:"labels"`
	} `json:"choices"`
	ContactInfo *ContactInfo `json:"contact_info"`
	Contacts    *ContactInfo `json:"contacts"`
}

// ContactInfo — вложенный контактный блок ответа.
type ContactInfo struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// Kind различает варианты извлечённого значения.
type Kind int

// Варианты значения ответа.
const (
	KindString Kind = iota
	KindNumber
	KindBool
)

// Value — типизированное значение одного ответа до приведения к типу хранения.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Bool bool
}

// StringValue создаёт строковое значение.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// NumberValue создаёт числовое значение.
func NumberValue(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// BoolValue создаёт логическое значение.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// AsString возвращает строковое представление значения.
func (v Value) AsString() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// Extract извлекает скалярное значение ответа по его объявленному типу.
// Для неизвестных типов по очереди пробуются общие ключи значений.
func Extract(a Answer) (Value, bool) {
	switch a.Type {
	case "email":
		if a.Email != "" {
			return StringValue(a.Email), true
		}
	case "text":
		if a.Text != "" {
			return StringValue(a.Text), true
		}
	case "choice":
		if a.Choice.Label != "" {
			return StringValue(a.Choice.Label), true
		}
	case "choices":
		if len(a.Choices.Labels) > 0 {
			return StringValue(strings.Join(a.Choices.Labels, ", ")), true
		}
	case "boolean":
		if a.Boolean != nil {
			return BoolValue(*a.Boolean), true
		}
	case "date":
		if a.Date != "" {
			return StringValue(a.Date), true
		}
	case "number", "opinion_scale":
		if a.Number != nil {
			return NumberValue(*a.Number), true
		}
	case "phone_number":
		if a.PhoneNumber != "" {
			return StringValue(a.PhoneNumber), true
		}
	case "url":
		if a.URL != "" {
			return StringValue(a.URL), true
		}
	case "file_url":
		if a.FileURL != "" {
			return StringValue(a.FileURL), true
		}
	default:
		return extractFallback(a)
	}
	return Value{}, false
}

func extractFallback(a Answer) (Value, bool) {
	switch {
	case a.Text != "":
		return StringValue(a.Text), true
	case a.Email != "":
		return StringValue(a.Email), true
	case a.Number != nil:
		return NumberValue(*a.Number), true
	case a.Boolean != nil:
		return BoolValue(*a.Boolean), true
	case a.Date != "":
		return StringValue(a.Date), true
	case a.Choice.Label != "":
		return StringValue(a.Choice.Label), true
	case a.URL != "":
		return StringValue(a.URL), true
	}
	return Value{}, false
}

// SplitName разбивает полное имя на имя и фамилию по первому пробельному блоку.
func SplitName(full string) (string, string) {
	full = strings.TrimSpace(full)
	if full == "" {
		return "Unknown", ""
	}
	fields := strings.Fields(full)
	first := fields[0]
	last := strings.TrimSpace(full[strings.Index(full, first)+len(first):])
	return first, last
}

// ParseFieldMap разбирает JSON-карту полей продукта (ref → каноническое имя).
func ParseFieldMap(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("parse field map: %w", err)
	}
	return m, nil
}

// Атрибуты участника, которые можно заполнить из формы.
var personFields = map[string]struct{}{
	"first_name": {}, "last_name": {}, "preferred_name": {}, "email": {},
	"alternative_email": {}, "country": {}, "timezone": {}, "closest_city": {},
	"dob": {}, "gender": {}, "learn_about_course": {}, "consent_images": {},
	"consent_photo_on_site": {}, "what_made_you_join": {}, "get_from": {},
	"here_for": {}, "confidence_level": {},
}

// Поля завершающего опроса зачисления.
var completionFields = map[string]struct{}{
	"biggest_win": {}, "three_things_learned": {}, "confidence_after": {},
	"satisfaction": {}, "recommend_score": {}, "testimonial": {},
	"improvement_suggestion": {}, "interest_longer_program": {},
	"followup_topics": {}, "beginner_friendly_rating": {},
	"expected_learning_not_covered": {}, "anything_else": {},
	"transformational_score": {}, "delivered_on_promise_score": {},
}

// MapPersonAnswers отображает ответы формы на атрибуты участника.
func MapPersonAnswers(answers []Answer, fieldMap map[string]string) map[string]Value {
	result := make(map[string]Value)

	for _, a := range answers {
		ref := a.Field.Ref
		value, ok := Extract(a)
		if !ok {
			continue
		}

		if target, mapped := fieldMap[ref]; mapped {
			if target == "name" || target == "full_name" {
				first, last := SplitName(value.AsString())
				result["first_name"] = StringValue(first)
				result["last_name"] = StringValue(last)
			} else {
				result[target] = value
			}
			continue
		}

		if _, known := personFields[ref]; known {
			result[ref] = value
			continue
		}

		if a.Type == "email" {
			if _, captured := result["email"]; !captured {
				result["email"] = value
				continue
			}
		}

		if ref == "name" || ref == "full_name" {
			first, last := SplitName(value.AsString())
			result["first_name"] = StringValue(first)
			result["last_name"] = StringValue(last)
		}
	}

	return result
}

// MapCompletionAnswers отображает ответы завершающего опроса на поля зачисления.
func MapCompletionAnswers(answers []Answer, fieldMap map[string]string) map[string]Value {
	result := make(map[string]Value)

	for _, a := range answers {
		ref := a.Field.Ref
		value, ok := Extract(a)
		if !ok {
			continue
		}

		if target, mapped := fieldMap[ref]; mapped {
			result[target] = value
			continue
		}

		if _, known := completionFields[ref]; known {
			result[ref] = value
			continue
		}

		if a.Type == "email" {
			if _, captured := result["email"]; !captured {
				result["email"] = value
			}
		}
	}

	return result
}

// PersonUpdate — результат разбора анкеты участника: идентификация плюс
// атрибуты, прошедшие приведение типов.
type PersonUpdate struct {
	Email     string
	FirstName string
	LastName  string
	Attrs     model.PersonAttrs
	Applied   []string
}

// BuildPersonUpdate собирает обновление участника из заполнения формы.
// Ошибка приведения отдельного атрибута отбрасывает только этот атрибут.
func BuildPersonUpdate(fr FormResponse, fieldMap map[string]string) PersonUpdate {
	values := MapPersonAnswers(fr.Answers, fieldMap)

	upd := PersonUpdate{FirstName: "Unknown"}
	if v, ok := values["email"]; ok {
		upd.Email = v.AsString()
	}
	if v, ok := values["first_name"]; ok {
		upd.FirstName = v.AsString()
	}
	if v, ok := values["last_name"]; ok {
		upd.LastName = v.AsString()
	}

	for field, value := range values {
		switch field {
		case "email", "first_name", "last_name":
			continue
		case "preferred_name":
			upd.Attrs.PreferredName = strPtr(value)
		case "alternative_email":
			upd.Attrs.AlternativeEmail = strPtr(value)
		case "country":
			upd.Attrs.Country = strPtr(value)
		case "timezone":
			upd.Attrs.Timezone = strPtr(value)
		case "closest_city":
			upd.Attrs.ClosestCity = strPtr(value)
		case "dob":
			d, err := time.Parse("2006-01-02", value.AsString())
			if err != nil {
				continue
			}
			upd.Attrs.DOB = &d
		case "gender":
			upd.Attrs.Gender = strPtr(value)
		case "learn_about_course":
			upd.Attrs.LearnAboutCourse = strPtr(value)
		case "consent_images":
			b, ok := boolPtr(value)
			if !ok {
				continue
			}
			upd.Attrs.ConsentImages = b
		case "consent_photo_on_site":
			b, ok := boolPtr(value)
			if !ok {
				continue
			}
			upd.Attrs.ConsentPhotoOnSite = b
		case "what_made_you_join":
			upd.Attrs.WhatMadeYouJoin = strPtr(value)
		case "get_from":
			upd.Attrs.GetFrom = strPtr(value)
		case "here_for":
			upd.Attrs.HereFor = strPtr(value)
		case "confidence_level":
			f, ok := floatValue(value)
			if !ok {
				continue
			}
			upd.Attrs.ConfidenceLevel = &f
		default:
			continue
		}
		upd.Applied = append(upd.Applied, field)
	}

	if ts, ok := parseSubmittedAt(fr.SubmittedAt); ok {
		upd.Attrs.OnboardingDate = &ts
		upd.Applied = append(upd.Applied, "onboarding_date")
	}

	return upd
}

// CompletionUpdate — результат разбора завершающего опроса.
type CompletionUpdate struct {
	Email   string
	Survey  model.EnrollmentSurvey
	Applied []string
}

// BuildCompletionUpdate собирает обновление опроса зачисления.
func BuildCompletionUpdate(fr FormResponse, fieldMap map[string]string) CompletionUpdate {
	values := MapCompletionAnswers(fr.Answers, fieldMap)

	upd := CompletionUpdate{}
	if v, ok := values["email"]; ok {
		upd.Email = v.AsString()
	}

	for field, value := range values {
		switch field {
		case "email":
			continue
		case "biggest_win":
			upd.Survey.BiggestWin = strPtr(value)
		case "three_things_learned":
			upd.Survey.ThreeThingsLearned = strPtr(value)
		case "confidence_after":
			n, ok := intValue(value)
			if !ok {
				continue
			}
			upd.Survey.ConfidenceAfter = &n
		case "satisfaction":
			upd.Survey.Satisfaction = strPtr(value)
		case "recommend_score":
			n, ok := intValue(value)
			if !ok {
				continue
			}
			upd.Survey.RecommendScore = &n
		case "testimonial":
			upd.Survey.Testimonial = strPtr(value)
		case "improvement_suggestion":
			upd.Survey.ImprovementSuggestion = strPtr(value)
		case "interest_longer_program":
			upd.Survey.InterestLongerProgram = strPtr(value)
		case "followup_topics":
			upd.Survey.FollowupTopics = strPtr(value)
		case "beginner_friendly_rating":
			upd.Survey.BeginnerFriendlyRating = strPtr(value)
		case "expected_learning_not_covered":
			upd.Survey.ExpectedLearningNotCovered = strPtr(value)
		case "anything_else":
			upd.Survey.AnythingElse = strPtr(value)
		case "transformational_score":
			n, ok := intValue(value)
			if !ok {
				continue
			}
			upd.Survey.TransformationalScore = &n
		case "delivered_on_promise_score":
			n, ok := intValue(value)
			if !ok {
				continue
			}
			upd.Survey.DeliveredOnPromiseScore = &n
		default:
			continue
		}
		upd.Applied = append(upd.Applied, field)
	}

	if ts, ok := parseSubmittedAt(fr.SubmittedAt); ok {
		upd.Survey.SurveySubmitDate = &ts
	}

	return upd
}

// Карта полей общей стипендиальной формы. Форма одна на все продукты,
// поэтому идентификаторы полей фиксированы, а не настраиваются на продукте.
var scholarshipFieldMap = map[string]string{
	"BDW3qHqGK2jN": "contact_info",
	"tL7F7QZoBHNt": "is_subscriber",
	"AKZmKw95FZnv": "course_name",
	"qkEtJzfrekMw": "amount_willing_to_pay",
	"tSu0EbTN0f3n": "circumstances",
	"cr4NgV8ICSTY": "hopes",
	"G18vXstzfsDw": "best_case_impact",
}

// ScholarshipForm — разобранная заявка на стипендию.
type ScholarshipForm struct {
	Email              string
	FirstName          string
	LastName           string
	CourseName         string
	IsSubscriber       *bool
	AmountWillingToPay *string
	Circumstances      *string
	Hopes              *string
	BestCaseImpact     *string
	SubmittedAt        *time.Time
}

// ParseScholarshipForm разбирает заявку общей стипендиальной формы.
func ParseScholarshipForm(fr FormResponse) ScholarshipForm {
	form := ScholarshipForm{}

	for _, a := range fr.Answers {
		mapped, ok := scholarshipFieldMap[a.Field.ID]
		if !ok {
			continue
		}

		switch mapped {
		case "contact_info":
			ci := a.ContactInfo
			if ci == nil {
				ci = a.Contacts
			}
			if ci != nil {
				form.FirstName = ci.FirstName
				form.LastName = ci.LastName
				form.Email = ci.Email
			}
		case "is_subscriber":
			if a.Boolean != nil {
				form.IsSubscriber = a.Boolean
			}
		case "course_name":
			if v, ok := Extract(a); ok {
				form.CourseName = v.AsString()
			}
		case "amount_willing_to_pay":
			form.AmountWillingToPay = extractStrPtr(a)
		case "circumstances":
			form.Circumstances = extractStrPtr(a)
		case "hopes":
			form.Hopes = extractStrPtr(a)
		case "best_case_impact":
			form.BestCaseImpact = extractStrPtr(a)
		}
	}

	if ts, ok := parseSubmittedAt(fr.SubmittedAt); ok {
		form.SubmittedAt = &ts
	}

	return form
}

func extractStrPtr(a Answer) *string {
	v, ok := Extract(a)
	if !ok {
		return nil
	}
	s := v.AsString()
	return &s
}

func strPtr(v Value) *string {
	s := v.AsString()
	return &s
}

func boolPtr(v Value) (*bool, bool) {
	switch v.Kind {
	case KindBool:
		b := v.Bool
		return &b, true
	case KindString:
		b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v.Str)))
		if err != nil {
			return nil, false
		}
		return &b, true
	}
	return nil, false
}

func floatValue(v Value) (float64, bool) {
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func intValue(v Value) (int64, bool) {
	switch v.Kind {
	case KindNumber:
		return int64(v.Num), true
	case KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func parseSubmittedAt(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
