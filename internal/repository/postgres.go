// Package repository содержит реализацию доступа к данным в PostgreSQL.
//
// Идемпотентность записей держится на уникальных индексах естественных
// ключей: нарушение уникальности превращается в "вернуть существующую
// запись", а не в ошибку.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/enrollhub-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOfferingNotFound возвращается, если продукт не найден.
var (
	ErrOfferingNotFound = errors.New("offering not found")
	// ErrPersonNotFound возвращается, если участник не найден.
	ErrPersonNotFound = errors.New("person not found")
	// ErrEnrollmentNotFound возвращается, если зачисление не найдено.
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	// ErrApplicationNotFound возвращается, если заявка на стипендию не найдена.
	ErrApplicationNotFound = errors.New("scholarship application not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

const offeringColumns = `id, slug, name, kit_tag, kit_rsvp_tag, kit_onboarded_tag,
	 stripe_price_id, typeform_form_id, typeform_field_map,
	 completion_form_id, completion_field_map, sales_target, course_start_date`

func scanOffering(row pgx.Row) (*model.Offering, error) {
	var o model.Offering
	err := row.Scan(
		&o.ID, &o.Slug, &o.Name, &o.KitTag, &o.KitRSVPTag, &o.KitOnboardedTag,
		&o.StripePriceID, &o.TypeformFormID, &o.TypeformFieldMap,
		&o.CompletionFormID, &o.CompletionFieldMap, &o.SalesTarget, &o.CourseStartDate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferingNotFound
		}
		return nil, fmt.Errorf("scan offering: %w", err)
	}
	return &o, nil
}

// GetOfferingBySlug возвращает продукт по слагу.
func (r *PostgresRepository) GetOfferingBySlug(ctx context.Context, slug string) (*model.Offering, error) {
	return scanOffering(r.pool.QueryRow(ctx,
		`SELECT `+offeringColumns+` FROM offerings WHERE slug = $1`, slug))
}

// GetOfferingByKitTag возвращает продукт по имени тега Kit.
func (r *PostgresRepository) GetOfferingByKitTag(ctx context.Context, tag string) (*model.Offering, error) {
	return scanOffering(r.pool.QueryRow(ctx,
		`SELECT `+offeringColumns+` FROM offerings WHERE kit_tag = $1`, tag))
}

// GetOfferingByStripePriceID возвращает продукт по идентификатору цены Stripe.
func (r *PostgresRepository) GetOfferingByStripePriceID(ctx context.Context, priceID string) (*model.Offering, error) {
	return scanOffering(r.pool.QueryRow(ctx,
		`SELECT `+offeringColumns+` FROM offerings WHERE stripe_price_id = $1`, priceID))
}

// FindOfferingByName ищет продукт по названию курса: сначала точное
// совпадение без учёта регистра, затем вхождение подстроки в обе стороны.
func (r *PostgresRepository) FindOfferingByName(ctx context.Context, name string) (*model.Offering, error) {
	o, err := scanOffering(r.pool.QueryRow(ctx,
		`SELECT `+offeringColumns+` FROM offerings WHERE lower(name) = lower($1)`, name))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, ErrOfferingNotFound) {
		return nil, err
	}

	return scanOffering(r.pool.QueryRow(ctx,
		`SELECT `+offeringColumns+` FROM offerings
		 WHERE position(lower(name) IN lower($1)) > 0
		    OR position(lower($1) IN lower(name)) > 0
		 ORDER BY length(name) LIMIT 1`, name))
}

// GetPersonByEmail возвращает участника по нормализованному email.
func (r *PostgresRepository) GetPersonByEmail(ctx context.Context, email string) (*model.Person, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, person_number, first_name, last_name, email, created_at
		 FROM persons WHERE email = $1`, email)

	var p model.Person
	err := row.Scan(&p.ID, &p.PersonNumber, &p.FirstName, &p.LastName, &p.Email, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPersonNotFound
		}
		return nil, fmt.Errorf("get person: %w", err)
	}

	return &p, nil
}

// CreatePerson создаёт участника, выделяя ему следующий порядковый номер.
// Номер вычисляется внутри самого INSERT под уникальным ограничением:
// проигравший гонку повторяет попытку, дубликат email возвращает
// существующего участника.
func (r *PostgresRepository) CreatePerson(ctx context.Context, email, firstName, lastName string) (*model.Person, error) {
	const attempts = 5

	for i := 0; i < attempts; i++ {
		row := r.pool.QueryRow(ctx,
			`INSERT INTO persons (person_number, first_name, last_name, email)
			 SELECT COALESCE(MAX(person_number), 0) + 1, $1, $2, $3 FROM persons
			 RETURNING id, person_number, first_name, last_name, email, created_at`,
			firstName, lastName, email,
		)

		var p model.Person
		err := row.Scan(&p.ID, &p.PersonNumber, &p.FirstName, &p.LastName, &p.Email, &p.CreatedAt)
		if err == nil {
			return &p, nil
		}

		if isUniqueViolation(err, "persons_email_key") {
			return r.GetPersonByEmail(ctx, email)
		}
		if isUniqueViolation(err, "persons_person_number_key") {
			continue
		}
		return nil, fmt.Errorf("create person: %w", err)
	}

	return nil, fmt.Errorf("create person: %d attempts lost the person_number race", attempts)
}

// UpdatePersonAttrs обогащает атрибуты участника. COALESCE гарантирует,
// что nil-поля не затирают сохранённые значения.
func (r *PostgresRepository) UpdatePersonAttrs(ctx context.Context, personID int64, attrs model.PersonAttrs) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE persons SET
			preferred_name = COALESCE($2, preferred_name),
			alternative_email = COALESCE($3, alternative_email),
			country = COALESCE($4, country),
			timezone = COALESCE($5, timezone),
			closest_city = COALESCE($6, closest_city),
			dob = COALESCE($7, dob),
			gender = COALESCE($8, gender),
			learn_about_course = COALESCE($9, learn_about_course),
			consent_images = COALESCE($10, consent_images),
			consent_photo_on_site = COALESCE($11, consent_photo_on_site),
			what_made_you_join = COALESCE($12, what_made_you_join),
			get_from = COALESCE($13, get_from),
			here_for = COALESCE($14, here_for),
			confidence_level = COALESCE($15, confidence_level),
			onboarding_date = COALESCE($16, onboarding_date)
		 WHERE id = $1`,
		personID,
		attrs.PreferredName, attrs.AlternativeEmail, attrs.Country, attrs.Timezone,
		attrs.ClosestCity, attrs.DOB, attrs.Gender, attrs.LearnAboutCourse,
		attrs.ConsentImages, attrs.ConsentPhotoOnSite, attrs.WhatMadeYouJoin,
		attrs.GetFrom, attrs.HereFor, attrs.ConfidenceLevel, attrs.OnboardingDate,
	)
	if err != nil {
		return fmt.Errorf("update person attrs: %w", err)
	}
	return nil
}

// CreateEnrollment создаёт зачисление по естественному ключу и возвращает
// признак того, что запись новая. Повторная доставка или событие второго
// провайдера возвращает существующую запись; отсутствующая ссылка на
// продажу дозаполняется, существующая никогда не перезаписывается.
func (r *PostgresRepository) CreateEnrollment(ctx context.Context, e model.Enrollment) (*model.Enrollment, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO enrollments (enrollment_key, status, source, person_id, offering_id, sale_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (enrollment_key) DO NOTHING`,
		e.EnrollmentKey, e.Status, e.Source, e.PersonID, e.OfferingID, e.SaleID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert enrollment: %w", err)
	}

	inserted := cmdTag.RowsAffected() == 1

	if !inserted && e.SaleID != nil {
		_, err = tx.Exec(ctx,
			`UPDATE enrollments SET sale_id = $2 WHERE enrollment_key = $1 AND sale_id IS NULL`,
			e.EnrollmentKey, e.SaleID,
		)
		if err != nil {
			return nil, false, fmt.Errorf("backfill sale link: %w", err)
		}
	}

	var res model.Enrollment
	err = tx.QueryRow(ctx,
		`SELECT id, enrollment_key, status, source, person_id, offering_id, sale_id, created_at
		 FROM enrollments WHERE enrollment_key = $1`,
		e.EnrollmentKey,
	).Scan(&res.ID, &res.EnrollmentKey, &res.Status, &res.Source,
		&res.PersonID, &res.OfferingID, &res.SaleID, &res.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("select enrollment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}

	return &res, inserted, nil
}

// GetEnrollmentByKey возвращает зачисление по естественному ключу.
func (r *PostgresRepository) GetEnrollmentByKey(ctx context.Context, key string) (*model.Enrollment, error) {
	var e model.Enrollment
	err := r.pool.QueryRow(ctx,
		`SELECT id, enrollment_key, status, source, person_id, offering_id, sale_id, created_at
		 FROM enrollments WHERE enrollment_key = $1`, key,
	).Scan(&e.ID, &e.EnrollmentKey, &e.Status, &e.Source,
		&e.PersonID, &e.OfferingID, &e.SaleID, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return &e, nil
}

// UpdateEnrollmentSurvey записывает ответы завершающего опроса.
// nil-поля не затирают сохранённые значения.
func (r *PostgresRepository) UpdateEnrollmentSurvey(ctx context.Context, enrollmentID int64, s model.EnrollmentSurvey) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE enrollments SET
			biggest_win = COALESCE($2, biggest_win),
			three_things_learned = COALESCE($3, three_things_learned),
			confidence_after = COALESCE($4, confidence_after),
			satisfaction = COALESCE($5, satisfaction),
			recommend_score = COALESCE($6, recommend_score),
			testimonial = COALESCE($7, testimonial),
			improvement_suggestion = COALESCE($8, improvement_suggestion),
			interest_longer_program = COALESCE($9, interest_longer_program),
			followup_topics = COALESCE($10, followup_topics),
			beginner_friendly_rating = COALESCE($11, beginner_friendly_rating),
			expected_learning_not_covered = COALESCE($12, expected_learning_not_covered),
			anything_else = COALESCE($13, anything_else),
			transformational_score = COALESCE($14, transformational_score),
			delivered_on_promise_score = COALESCE($15, delivered_on_promise_score),
			survey_response_type = 'completion',
			survey_submit_date = COALESCE($16, survey_submit_date)
		 WHERE id = $1`,
		enrollmentID,
		s.BiggestWin, s.ThreeThingsLearned, s.ConfidenceAfter, s.Satisfaction,
		s.RecommendScore, s.Testimonial, s.ImprovementSuggestion,
		s.InterestLongerProgram, s.FollowupTopics, s.BeginnerFriendlyRating,
		s.ExpectedLearningNotCovered, s.AnythingElse, s.TransformationalScore,
		s.DeliveredOnPromiseScore, s.SurveySubmitDate,
	)
	if err != nil {
		return fmt.Errorf("update enrollment survey: %w", err)
	}
	return nil
}

// CreateSale записывает продажу по естественному ключу транзакции и
// возвращает признак новизны. Для новой продажи в той же транзакции
// выполняется автосопоставление принятой заявки на стипендию: продажа
// помечается стипендиальной, заявка — зачисленной. Повторная доставка
// возвращает исходную запись без изменений.
func (r *PostgresRepository) CreateSale(ctx context.Context, s model.Sale) (*model.Sale, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO sales (sale_key, buyer_email, buyer_name, offering_id, amount_cents,
			currency, quantity, status, source, stripe_checkout_session_id,
			stripe_payment_intent_id, purchase_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (sale_key) DO NOTHING`,
		s.SaleKey, s.BuyerEmail, s.BuyerName, s.OfferingID, s.AmountCents,
		s.Currency, s.Quantity, s.Status, s.Source, s.StripeCheckoutSessionID,
		s.StripePaymentIntentID, s.PurchaseDate,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert sale: %w", err)
	}

	inserted := cmdTag.RowsAffected() == 1

	if inserted {
		var appID int64
		err = tx.QueryRow(ctx,
			`SELECT id FROM scholarship_applications
			 WHERE email = $1 AND offering_id = $2 AND status = $3
			 ORDER BY applied_at DESC LIMIT 1`,
			s.BuyerEmail, s.OfferingID, model.ScholarshipAccepted,
		).Scan(&appID)
		switch {
		case err == nil:
			if _, err = tx.Exec(ctx,
				`UPDATE sales SET scholarship = TRUE WHERE sale_key = $1`, s.SaleKey); err != nil {
				return nil, false, fmt.Errorf("mark sale scholarship: %w", err)
			}
			if _, err = tx.Exec(ctx,
				`UPDATE scholarship_applications SET enrolled = TRUE WHERE id = $1`, appID); err != nil {
				return nil, false, fmt.Errorf("mark application enrolled: %w", err)
			}
		case errors.Is(err, pgx.ErrNoRows):
			// стипендии нет — обычная продажа
		default:
			return nil, false, fmt.Errorf("match scholarship: %w", err)
		}
	}

	var res model.Sale
	err = tx.QueryRow(ctx,
		`SELECT id, sale_key, buyer_email, buyer_name, offering_id, amount_cents,
			currency, quantity, status, source, scholarship,
			stripe_checkout_session_id, stripe_payment_intent_id, purchase_date
		 FROM sales WHERE sale_key = $1`, s.SaleKey,
	).Scan(&res.ID, &res.SaleKey, &res.BuyerEmail, &res.BuyerName, &res.OfferingID,
		&res.AmountCents, &res.Currency, &res.Quantity, &res.Status, &res.Source,
		&res.Scholarship, &res.StripeCheckoutSessionID, &res.StripePaymentIntentID,
		&res.PurchaseDate)
	if err != nil {
		return nil, false, fmt.Errorf("select sale: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}

	return &res, inserted, nil
}

// CreateScholarshipApplication создаёт заявку на стипендию с дедупликацией
// по паре (email, продукт). Заявки без распознанного продукта хранятся с
// NULL и не дедуплицируются.
func (r *PostgresRepository) CreateScholarshipApplication(ctx context.Context, a model.ScholarshipApplication) (*model.ScholarshipApplication, bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO scholarship_applications (email, first_name, last_name, offering_id,
			is_subscriber, amount_willing_to_pay, circumstances, hopes, best_case_impact,
			status, applied_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT ON CONSTRAINT scholarship_applications_email_offering_key DO NOTHING`,
		a.Email, a.FirstName, a.LastName, a.OfferingID, a.IsSubscriber,
		a.AmountWillingToPay, a.Circumstances, a.Hopes, a.BestCaseImpact,
		model.ScholarshipPending, a.AppliedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert scholarship application: %w", err)
	}

	inserted := cmdTag.RowsAffected() == 1

	var res model.ScholarshipApplication
	err = r.pool.QueryRow(ctx,
		`SELECT id, email, first_name, last_name, offering_id, is_subscriber,
			amount_willing_to_pay, circumstances, hopes, best_case_impact, status,
			decision_tier, discount_code, decision_notes, decided_at,
			enrolled, delivered, delivered_at, applied_at
		 FROM scholarship_applications
		 WHERE email = $1 AND offering_id IS NOT DISTINCT FROM $2
		 ORDER BY id DESC LIMIT 1`,
		a.Email, a.OfferingID,
	).Scan(&res.ID, &res.Email, &res.FirstName, &res.LastName, &res.OfferingID,
		&res.IsSubscriber, &res.AmountWillingToPay, &res.Circumstances, &res.Hopes,
		&res.BestCaseImpact, &res.Status, &res.DecisionTier, &res.DiscountCode,
		&res.DecisionNotes, &res.DecidedAt, &res.Enrolled, &res.Delivered,
		&res.DeliveredAt, &res.AppliedAt)
	if err != nil {
		return nil, false, fmt.Errorf("select scholarship application: %w", err)
	}

	return &res, inserted, nil
}

// DecideScholarship записывает решение по заявке. Повторный вызов
// перезаписывает предыдущее решение.
func (r *PostgresRepository) DecideScholarship(ctx context.Context, id int64, status string, tier *int64, discountCode, notes *string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE scholarship_applications
		 SET status = $2, decision_tier = $3, discount_code = $4, decision_notes = $5,
		     decided_at = now()
		 WHERE id = $1`,
		id, status, tier, discountCode, notes,
	)
	if err != nil {
		return fmt.Errorf("decide scholarship: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrApplicationNotFound
	}
	return nil
}

// MarkScholarshipDelivered отмечает заявку как доставленную после
// завершения внешнего действия по выдаче доступа.
func (r *PostgresRepository) MarkScholarshipDelivered(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE scholarship_applications
		 SET delivered = TRUE, delivered_at = now()
		 WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("mark scholarship delivered: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrApplicationNotFound
	}
	return nil
}
