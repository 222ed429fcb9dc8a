package survey

import (
	"sort"
	"testing"
	"time"
)

func answer(typ, ref string) Answer {
	a := Answer{Type: typ}
	a.Field.Ref = ref
	return a
}

func textAnswer(ref, text string) Answer {
	a := answer("text", ref)
	a.Text = text
	return a
}

func emailAnswer(ref, email string) Answer {
	a := answer("email", ref)
	a.Email = email
	return a
}

func TestExtract_PerType(t *testing.T) {
	num := 7.5
	yes := true

	choice := answer("choice", "x")
	choice.Choice.Label = "Option A"

	choices := answer("choices", "x")
	choices.Choices.Labels = []string{"A", "B"}

	boolean := answer("boolean", "x")
	boolean.Boolean = &yes

	number := answer("number", "x")
	number.Number = &num

	scale := answer("opinion_scale", "x")
	scale.Number = &num

	date := answer("date", "x")
	date.Date = "1990-05-01"

	cases := []struct {
		name string
		a    Answer
		want string
	}{
		{"text", textAnswer("x", "hello"), "hello"},
		{"email", emailAnswer("x", "a@b.com"), "a@b.com"},
		{"choice", choice, "Option A"},
		{"choices joined", choices, "A, B"},
		{"boolean", boolean, "true"},
		{"number", number, "7.5"},
		{"opinion_scale", scale, "7.5"},
		{"date", date, "1990-05-01"},
	}

	for _, tc := range cases {
		v, ok := Extract(tc.a)
		if !ok {
			t.Fatalf("%s: expected value", tc.name)
		}
		if v.AsString() != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, v.AsString(), tc.want)
		}
	}
}

func TestExtract_UnknownTypeFallback(t *testing.T) {
	a := answer("ranking", "x")
	a.Text = "first"

	v, ok := Extract(a)
	if !ok || v.AsString() != "first" {
		t.Fatalf("fallback must probe common value keys, got %v %v", v, ok)
	}

	empty := answer("ranking", "x")
	if _, ok := Extract(empty); ok {
		t.Fatalf("answer without value must be dropped")
	}
}

func TestSplitName(t *testing.T) {
	cases := []struct {
		full  string
		first string
		last  string
	}{
		{"Ada Lovelace", "Ada", "Lovelace"},
		{"Madonna", "Madonna", ""},
		{"Jean Claude Van Damme", "Jean", "Claude Van Damme"},
		{"  ", "Unknown", ""},
		{"", "Unknown", ""},
	}

	for _, tc := range cases {
		first, last := SplitName(tc.full)
		if first != tc.first || last != tc.last {
			t.Fatalf("SplitName(%q) = %q, %q; want %q, %q", tc.full, first, last, tc.first, tc.last)
		}
	}
}

func TestMapPersonAnswers_ExplicitMapBeatsConvention(t *testing.T) {
	// ref "country" совпадает с каноническим именем, но явная карта
	// направляет его в closest_city
	answers := []Answer{textAnswer("country", "Lisbon")}
	fieldMap := map[string]string{"country": "closest_city"}

	got := MapPersonAnswers(answers, fieldMap)
	if v, ok := got["closest_city"]; !ok || v.AsString() != "Lisbon" {
		t.Fatalf("explicit map must win, got %+v", got)
	}
	if _, ok := got["country"]; ok {
		t.Fatalf("convention must not fire for explicitly mapped ref")
	}
}

func TestMapPersonAnswers_EmailAutoDetect(t *testing.T) {
	answers := []Answer{emailAnswer("weird_ref_123", "a@b.com")}

	got := MapPersonAnswers(answers, nil)
	if v, ok := got["email"]; !ok || v.AsString() != "a@b.com" {
		t.Fatalf("email-typed answer must map to email, got %+v", got)
	}
}

func TestMapPersonAnswers_NameRefSplits(t *testing.T) {
	answers := []Answer{textAnswer("full_name", "Ada Lovelace")}

	got := MapPersonAnswers(answers, nil)
	if got["first_name"].AsString() != "Ada" || got["last_name"].AsString() != "Lovelace" {
		t.Fatalf("name ref must split, got %+v", got)
	}
}

func TestMapPersonAnswers_UnknownDropped(t *testing.T) {
	answers := []Answer{textAnswer("favorite_color", "blue")}

	got := MapPersonAnswers(answers, nil)
	if len(got) != 0 {
		t.Fatalf("unmapped answer must be dropped, got %+v", got)
	}
}

func TestBuildPersonUpdate_CoercionDropsOnlyBadAttr(t *testing.T) {
	answers := []Answer{
		emailAnswer("email", "a@b.com"),
		textAnswer("dob", "not-a-date"),
		textAnswer("country", "Portugal"),
		textAnswer("confidence_level", "3.5"),
	}

	fr := FormResponse{SubmittedAt: "2026-01-10T12:00:00Z", Answers: answers}
	upd := BuildPersonUpdate(fr, nil)

	if upd.Email != "a@b.com" {
		t.Fatalf("email = %q", upd.Email)
	}
	if upd.FirstName != "Unknown" {
		t.Fatalf("missing first name must default to Unknown, got %q", upd.FirstName)
	}
	if upd.Attrs.DOB != nil {
		t.Fatalf("invalid date must be dropped")
	}
	if upd.Attrs.Country == nil || *upd.Attrs.Country != "Portugal" {
		t.Fatalf("country must survive")
	}
	if upd.Attrs.ConfidenceLevel == nil || *upd.Attrs.ConfidenceLevel != 3.5 {
		t.Fatalf("confidence_level must coerce from string")
	}
	if upd.Attrs.OnboardingDate == nil {
		t.Fatalf("onboarding date must come from submitted_at")
	}

	want := []string{"confidence_level", "country", "onboarding_date"}
	got := append([]string(nil), upd.Applied...)
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("applied = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("applied = %v, want %v", got, want)
		}
	}
}

func TestBuildCompletionUpdate_IntCoercion(t *testing.T) {
	score := answer("opinion_scale", "recommend_score")
	n := 9.0
	score.Number = &n

	answers := []Answer{
		emailAnswer("email", "a@b.com"),
		score,
		textAnswer("confidence_after", "not-a-number"),
		textAnswer("biggest_win", "shipped a project"),
	}

	fr := FormResponse{SubmittedAt: "2026-02-01T08:00:00Z", Answers: answers}
	upd := BuildCompletionUpdate(fr, nil)

	if upd.Email != "a@b.com" {
		t.Fatalf("email = %q", upd.Email)
	}
	if upd.Survey.RecommendScore == nil || *upd.Survey.RecommendScore != 9 {
		t.Fatalf("recommend_score must coerce to int")
	}
	if upd.Survey.ConfidenceAfter != nil {
		t.Fatalf("bad int must be dropped")
	}
	if upd.Survey.BiggestWin == nil || *upd.Survey.BiggestWin != "shipped a project" {
		t.Fatalf("biggest_win must survive")
	}
	if upd.Survey.SurveySubmitDate == nil {
		t.Fatalf("submit date must come from submitted_at")
	}
	want := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	if !upd.Survey.SurveySubmitDate.Equal(want) {
		t.Fatalf("submit date = %v, want %v", upd.Survey.SurveySubmitDate, want)
	}
}

func TestParseFieldMap(t *testing.T) {
	m, err := ParseFieldMap(`{"abc":"country"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m["abc"] != "country" {
		t.Fatalf("unexpected map: %v", m)
	}

	if m, err := ParseFieldMap(""); err != nil || m != nil {
		t.Fatalf("empty raw must give nil map without error")
	}

	if _, err := ParseFieldMap("{broken"); err == nil {
		t.Fatalf("expected error for broken JSON")
	}
}

func TestParseScholarshipForm(t *testing.T) {
	contact := Answer{Type: "contact_info"}
	contact.Field.ID = "BDW3qHqGK2jN"
	contact.ContactInfo = &ContactInfo{FirstName: "Ada", LastName: "Lovelace", Email: "ada@b.com"}

	subscriber := Answer{Type: "boolean"}
	subscriber.Field.ID = "tL7F7QZoBHNt"
	yes := true
	subscriber.Boolean = &yes

	course := Answer{Type: "choice"}
	course.Field.ID = "AKZmKw95FZnv"
	course.Choice.Label = "Creative Coding for Beginners"

	amount := Answer{Type: "text", Text: "50 EUR"}
	amount.Field.ID = "qkEtJzfrekMw"

	unknown := Answer{Type: "text", Text: "noise"}
	unknown.Field.ID = "zzzUnknown"

	fr := FormResponse{
		SubmittedAt: "2026-03-05T10:30:00Z",
		Answers:     []Answer{contact, subscriber, course, amount, unknown},
	}

	form := ParseScholarshipForm(fr)
	if form.Email != "ada@b.com" || form.FirstName != "Ada" || form.LastName != "Lovelace" {
		t.Fatalf("contact info not parsed: %+v", form)
	}
	if form.IsSubscriber == nil || !*form.IsSubscriber {
		t.Fatalf("is_subscriber not parsed")
	}
	if form.CourseName != "Creative Coding for Beginners" {
		t.Fatalf("course_name = %q", form.CourseName)
	}
	if form.AmountWillingToPay == nil || *form.AmountWillingToPay != "50 EUR" {
		t.Fatalf("amount not parsed")
	}
	if form.SubmittedAt == nil {
		t.Fatalf("submitted_at not parsed")
	}
}
