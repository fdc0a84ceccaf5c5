package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/pavelanni/certexam/internal/model"
)

// Driver selects the database backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db     *sql.DB
	q      querier
	driver Driver
}

// New opens the database and ensures the schema exists.
func New(driver Driver, dsn string) (*Store, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite"
		if dsn == "" {
			dsn = "certexam.db"
		}
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
		drvName = "pgx"
		if dsn == "" {
			dsn = "postgres://localhost:5432/certexam?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection keeps :memory: databases shared and serializes writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, q: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		pragmas += "&_pragma=journal_mode(WAL)"
	}
	return path + sep + pragmas
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn against a Store bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise. Calls on
// the outer Store must not be made from inside fn.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx, driver: s.driver}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}
	_, err := s.db.Exec(schema)
	return err
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'student',
	active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_sessions (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS imported_files (
	path TEXT PRIMARY KEY,
	sha256 TEXT NOT NULL,
	imported_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS certifications (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS chapters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	certification_id INTEGER NOT NULL REFERENCES certifications(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	sort_order INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS questions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chapter_id INTEGER NOT NULL REFERENCES chapters(id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	difficulty TEXT NOT NULL,
	points INTEGER NOT NULL,
	answers_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS questions_chapter ON questions(chapter_id);

CREATE TABLE IF NOT EXISTS exam_blueprints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	certification_id INTEGER NOT NULL UNIQUE REFERENCES certifications(id) ON DELETE CASCADE,
	distribution_json TEXT NOT NULL,
	total_questions INTEGER NOT NULL,
	time_limit INTEGER NOT NULL,
	passing_score INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS exam_sessions (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	certification_id INTEGER NOT NULL,
	exam_data TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('active', 'submitted', 'expired')),
	started_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	submitted_at INTEGER,
	score REAL
);
CREATE UNIQUE INDEX IF NOT EXISTS exam_sessions_one_active
	ON exam_sessions(user_id, certification_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS exam_sessions_expiry ON exam_sessions(status, expires_at);

CREATE TABLE IF NOT EXISTS exam_session_answers (
	session_id TEXT NOT NULL REFERENCES exam_sessions(id) ON DELETE CASCADE,
	question_id INTEGER NOT NULL,
	answer_ids TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, question_id)
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'student',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_sessions (
	id TEXT PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at BIGINT NOT NULL,
	expires_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS imported_files (
	path TEXT PRIMARY KEY,
	sha256 TEXT NOT NULL,
	imported_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS certifications (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS chapters (
	id BIGSERIAL PRIMARY KEY,
	certification_id BIGINT NOT NULL REFERENCES certifications(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	sort_order INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS questions (
	id BIGSERIAL PRIMARY KEY,
	chapter_id BIGINT NOT NULL REFERENCES chapters(id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	difficulty TEXT NOT NULL,
	points INTEGER NOT NULL,
	answers_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS questions_chapter ON questions(chapter_id);

CREATE TABLE IF NOT EXISTS exam_blueprints (
	id BIGSERIAL PRIMARY KEY,
	certification_id BIGINT NOT NULL UNIQUE REFERENCES certifications(id) ON DELETE CASCADE,
	distribution_json TEXT NOT NULL,
	total_questions INTEGER NOT NULL,
	time_limit INTEGER NOT NULL,
	passing_score INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS exam_sessions (
	id TEXT PRIMARY KEY,
	user_id BIGINT NOT NULL,
	certification_id BIGINT NOT NULL,
	exam_data TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('active', 'submitted', 'expired')),
	started_at BIGINT NOT NULL,
	expires_at BIGINT NOT NULL,
	submitted_at BIGINT,
	score DOUBLE PRECISION
);
CREATE UNIQUE INDEX IF NOT EXISTS exam_sessions_one_active
	ON exam_sessions(user_id, certification_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS exam_sessions_expiry ON exam_sessions(status, expires_at);

CREATE TABLE IF NOT EXISTS exam_session_answers (
	session_id TEXT NOT NULL REFERENCES exam_sessions(id) ON DELETE CASCADE,
	question_id BIGINT NOT NULL,
	answer_ids TEXT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (session_id, question_id)
);
`

// Timestamps are stored as Unix milliseconds so both drivers compare them the same way.
func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			(code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE"))
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

// CreateCertification inserts a certification.
func (s *Store) CreateCertification(ctx context.Context, c model.Certification) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO certifications (name, description) VALUES ($1, $2) RETURNING id`,
		c.Name, c.Description,
	).Scan(&id)
	return id, err
}

// GetCertification returns a certification by ID.
func (s *Store) GetCertification(ctx context.Context, id int64) (model.Certification, error) {
	var c model.Certification
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, description FROM certifications WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Description)
	return c, notFound(err)
}

// FindCertificationByName returns the first certification with the given name.
func (s *Store) FindCertificationByName(ctx context.Context, name string) (model.Certification, error) {
	var c model.Certification
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, description FROM certifications WHERE name = $1 ORDER BY id LIMIT 1`, name,
	).Scan(&c.ID, &c.Name, &c.Description)
	return c, notFound(err)
}

// CreateChapter inserts a chapter.
func (s *Store) CreateChapter(ctx context.Context, ch model.Chapter) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO chapters (certification_id, name, description, sort_order) VALUES ($1, $2, $3, $4) RETURNING id`,
		ch.CertificationID, ch.Name, ch.Description, ch.Order,
	).Scan(&id)
	return id, err
}

// FindChapter returns a chapter by ID.
func (s *Store) FindChapter(ctx context.Context, id int64) (model.Chapter, error) {
	var ch model.Chapter
	err := s.q.QueryRowContext(ctx,
		`SELECT id, certification_id, name, description, sort_order FROM chapters WHERE id = $1`, id,
	).Scan(&ch.ID, &ch.CertificationID, &ch.Name, &ch.Description, &ch.Order)
	return ch, notFound(err)
}

// ListChapters returns the chapters of a certification in display order.
func (s *Store) ListChapters(ctx context.Context, certificationID int64) ([]model.Chapter, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, certification_id, name, description, sort_order FROM chapters
		 WHERE certification_id = $1 ORDER BY sort_order, id`, certificationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chapters []model.Chapter
	for rows.Next() {
		var ch model.Chapter
		if err := rows.Scan(&ch.ID, &ch.CertificationID, &ch.Name, &ch.Description, &ch.Order); err != nil {
			return nil, err
		}
		chapters = append(chapters, ch)
	}
	return chapters, rows.Err()
}

// DeleteChapter removes a chapter; its questions go with it.
func (s *Store) DeleteChapter(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM chapters WHERE id = $1`, id)
	return err
}

// ValidateQuestion checks the answer-set invariants of a question.
func ValidateQuestion(q model.Question) error {
	if strings.TrimSpace(q.Text) == "" {
		return errors.New("question text is empty")
	}
	if q.Points <= 0 {
		return fmt.Errorf("question %q: points must be positive", q.Text)
	}
	if !q.Difficulty.Valid() {
		return fmt.Errorf("question %q: unknown difficulty %q", q.Text, q.Difficulty)
	}
	if len(q.Answers) < 2 {
		return fmt.Errorf("question %q: needs at least 2 answers", q.Text)
	}
	seen := make(map[int64]bool, len(q.Answers))
	correct := 0
	for _, a := range q.Answers {
		if seen[a.ID] {
			return fmt.Errorf("question %q: duplicate answer id %d", q.Text, a.ID)
		}
		seen[a.ID] = true
		if a.Correct {
			correct++
		}
	}
	if correct == 0 {
		return fmt.Errorf("question %q: needs at least one correct answer", q.Text)
	}
	return nil
}

// InsertQuestion stores a question after validating it.
func (s *Store) InsertQuestion(ctx context.Context, q model.Question) (int64, error) {
	if err := ValidateQuestion(q); err != nil {
		return 0, err
	}
	answers, err := json.Marshal(q.Answers)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.q.QueryRowContext(ctx,
		`INSERT INTO questions (chapter_id, text, difficulty, points, answers_json)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		q.ChapterID, q.Text, q.Difficulty, q.Points, string(answers),
	).Scan(&id)
	return id, err
}

// UpdateQuestion replaces a question's content. Sessions in flight are
// scored against the new content.
func (s *Store) UpdateQuestion(ctx context.Context, q model.Question) error {
	if err := ValidateQuestion(q); err != nil {
		return err
	}
	answers, err := json.Marshal(q.Answers)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE questions SET text = $1, difficulty = $2, points = $3, answers_json = $4 WHERE id = $5`,
		q.Text, q.Difficulty, q.Points, string(answers), q.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// DeleteQuestion removes a question.
func (s *Store) DeleteQuestion(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM questions WHERE id = $1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row rowScanner) (model.Question, error) {
	var q model.Question
	var answers string
	if err := row.Scan(&q.ID, &q.ChapterID, &q.Text, &q.Difficulty, &q.Points, &answers); err != nil {
		return q, err
	}
	if err := json.Unmarshal([]byte(answers), &q.Answers); err != nil {
		return q, fmt.Errorf("decode answers of question %d: %w", q.ID, err)
	}
	return q, nil
}

// FindQuestion returns a question by ID.
func (s *Store) FindQuestion(ctx context.Context, id int64) (model.Question, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, chapter_id, text, difficulty, points, answers_json FROM questions WHERE id = $1`, id,
	)
	q, err := scanQuestion(row)
	return q, notFound(err)
}

// QuestionsOfChapter returns every question of a chapter.
func (s *Store) QuestionsOfChapter(ctx context.Context, chapterID int64) ([]model.Question, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, chapter_id, text, difficulty, points, answers_json FROM questions
		 WHERE chapter_id = $1 ORDER BY id`, chapterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// CountQuestions returns the number of questions in a chapter.
func (s *Store) CountQuestions(ctx context.Context, chapterID int64) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM questions WHERE chapter_id = $1`, chapterID,
	).Scan(&count)
	return count, err
}

// QuestionCount returns the number of questions in the database.
func (s *Store) QuestionCount(ctx context.Context) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

// SaveBlueprint creates or replaces the blueprint of a certification.
// Callers validate the blueprint first.
func (s *Store) SaveBlueprint(ctx context.Context, bp model.ExamBlueprint) (int64, error) {
	dist, err := json.Marshal(bp.ChapterDistribution)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.q.QueryRowContext(ctx,
		`INSERT INTO exam_blueprints (certification_id, distribution_json, total_questions, time_limit, passing_score)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (certification_id) DO UPDATE SET
			distribution_json = excluded.distribution_json,
			total_questions = excluded.total_questions,
			time_limit = excluded.time_limit,
			passing_score = excluded.passing_score
		 RETURNING id`,
		bp.CertificationID, string(dist), bp.TotalQuestions, bp.TimeLimit, bp.PassingScore,
	).Scan(&id)
	return id, err
}

// BlueprintForCertification returns the blueprint of a certification.
func (s *Store) BlueprintForCertification(ctx context.Context, certificationID int64) (model.ExamBlueprint, error) {
	var bp model.ExamBlueprint
	var dist string
	err := s.q.QueryRowContext(ctx,
		`SELECT id, certification_id, distribution_json, total_questions, time_limit, passing_score
		 FROM exam_blueprints WHERE certification_id = $1`, certificationID,
	).Scan(&bp.ID, &bp.CertificationID, &dist, &bp.TotalQuestions, &bp.TimeLimit, &bp.PassingScore)
	if err != nil {
		return bp, notFound(err)
	}
	if err := json.Unmarshal([]byte(dist), &bp.ChapterDistribution); err != nil {
		return bp, fmt.Errorf("decode chapter distribution: %w", err)
	}
	return bp, nil
}
