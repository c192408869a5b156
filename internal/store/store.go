package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/confusionbank/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS courses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		units TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		user_message TEXT NOT NULL,
		ai_response TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);

	CREATE TABLE IF NOT EXISTS confusion_points (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL UNIQUE,
		course_id INTEGER REFERENCES courses(id),
		unit TEXT NOT NULL DEFAULT '',
		topics TEXT NOT NULL DEFAULT '[]',
		confused_conversation_ids TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveCourse stores a course with its unit structure serialized as JSON.
func (s *Store) SaveCourse(name string, units []model.Unit) (int64, error) {
	data, err := json.Marshal(units)
	if err != nil {
		return 0, fmt.Errorf("marshal units: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO courses (name, units, created_at) VALUES (?, ?, ?)`,
		name, string(data), time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListCourses returns all courses with their unit structures.
func (s *Store) ListCourses() ([]model.Course, error) {
	rows, err := s.db.Query(`SELECT id, name, units, created_at FROM courses ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var courses []model.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

// GetCourse returns a course by ID.
func (s *Store) GetCourse(id int64) (model.Course, error) {
	row := s.db.QueryRow(`SELECT id, name, units, created_at FROM courses WHERE id = ?`, id)
	return scanCourse(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCourse(r rowScanner) (model.Course, error) {
	var c model.Course
	var units string
	if err := r.Scan(&c.ID, &c.Name, &units, &c.CreatedAt); err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(units), &c.Units); err != nil {
		return c, fmt.Errorf("unmarshal units for course %d: %w", c.ID, err)
	}
	return c, nil
}

// SaveConversation appends one conversation turn for a session.
func (s *Store) SaveConversation(sessionID, userMessage, aiResponse string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO conversations (session_id, user_message, ai_response, created_at)
		 VALUES (?, ?, ?, ?)`,
		sessionID, userMessage, aiResponse, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetSessionTurns returns all turns for a session in creation order.
func (s *Store) GetSessionTurns(sessionID string) ([]model.ConversationTurn, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, user_message, ai_response, created_at
		 FROM conversations WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var turns []model.ConversationTurn
	for rows.Next() {
		var t model.ConversationTurn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserMessage, &t.AIResponse, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// RecentSessions returns the most recently active session tokens, newest first.
func (s *Store) RecentSessions(limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT session_id FROM conversations
		 GROUP BY session_id ORDER BY MAX(created_at) DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

// UnanalyzedSessions returns session tokens that have conversations but no
// confusion analysis, most recently active first.
func (s *Store) UnanalyzedSessions() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT c.session_id
		 FROM conversations c
		 LEFT JOIN confusion_points cp ON c.session_id = cp.session_id
		 WHERE cp.session_id IS NULL
		 GROUP BY c.session_id
		 ORDER BY MAX(c.created_at) DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

// SessionNeedsAnalysis reports whether a session has no analysis record yet.
func (s *Store) SessionNeedsAnalysis(sessionID string) (bool, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM confusion_points WHERE session_id = ?`, sessionID).Scan(&id)
	if err == sql.ErrNoRows {
		return true, nil
	}
	return false, err
}

// SaveConfusionAnalysis persists the analysis result for a session. With
// force set, an existing record for the token is replaced; otherwise the
// UNIQUE constraint rejects duplicates so a concurrent second analysis of
// the same session fails instead of creating a second record.
func (s *Store) SaveConfusionAnalysis(a model.ConfusionAnalysis, force bool) (int64, error) {
	topics, err := json.Marshal(orEmpty(a.Topics))
	if err != nil {
		return 0, fmt.Errorf("marshal topics: %w", err)
	}
	confused, err := json.Marshal(orEmptyIDs(a.ConfusedTurnIDs))
	if err != nil {
		return 0, fmt.Errorf("marshal confused ids: %w", err)
	}

	query := `INSERT INTO confusion_points
		(session_id, course_id, unit, topics, confused_conversation_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if force {
		query += ` ON CONFLICT(session_id) DO UPDATE SET
			course_id = excluded.course_id,
			unit = excluded.unit,
			topics = excluded.topics,
			confused_conversation_ids = excluded.confused_conversation_ids,
			created_at = excluded.created_at`
	}

	res, err := s.db.Exec(query, a.SessionID, a.CourseID, a.Unit, string(topics), string(confused), time.Now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetConfusionAnalysis returns the analysis for a session, or nil if the
// session has not been analyzed.
func (s *Store) GetConfusionAnalysis(sessionID string) (*model.ConfusionAnalysis, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, course_id, unit, topics, confused_conversation_ids, created_at
		 FROM confusion_points WHERE session_id = ?`, sessionID,
	)
	a, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindConfusionSessions returns session tokens whose analysis matches the
// criteria. Zero values mean no filtering on that field; topics match when
// the stored topic list contains ANY of the given names.
func (s *Store) FindConfusionSessions(courseID int64, unit string, topics []string) ([]string, error) {
	query := `SELECT DISTINCT session_id FROM confusion_points WHERE 1=1`
	var args []any
	if courseID != 0 {
		query += ` AND course_id = ?`
		args = append(args, courseID)
	}
	if unit != "" {
		query += ` AND unit = ?`
		args = append(args, unit)
	}
	if len(topics) > 0 {
		query += ` AND (`
		for i, topic := range topics {
			if i > 0 {
				query += ` OR `
			}
			// Topics are stored as a JSON array of strings; a quoted
			// substring match finds exact topic names.
			query += `topics LIKE ?`
			args = append(args, `%"`+topic+`"%`)
		}
		query += `)`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

func scanAnalysis(r rowScanner) (model.ConfusionAnalysis, error) {
	var a model.ConfusionAnalysis
	var topics, confused string
	if err := r.Scan(&a.ID, &a.SessionID, &a.CourseID, &a.Unit, &topics, &confused, &a.CreatedAt); err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(topics), &a.Topics); err != nil {
		return a, fmt.Errorf("unmarshal topics for session %s: %w", a.SessionID, err)
	}
	if err := json.Unmarshal([]byte(confused), &a.ConfusedTurnIDs); err != nil {
		return a, fmt.Errorf("unmarshal confused ids for session %s: %w", a.SessionID, err)
	}
	return a, nil
}

// Stats returns counts of courses, conversations, distinct sessions, and
// analyzed sessions.
func (s *Store) Stats() (model.Stats, error) {
	var st model.Stats
	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM courses`, &st.Courses},
		{`SELECT COUNT(*) FROM conversations`, &st.Conversations},
		{`SELECT COUNT(DISTINCT session_id) FROM conversations`, &st.Sessions},
		{`SELECT COUNT(*) FROM confusion_points`, &st.AnalyzedSessions},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query).Scan(c.dest); err != nil {
			return st, err
		}
	}
	return st, nil
}

// CleanupOldData deletes conversations and confusion analyses older than the
// given number of days. Courses are kept.
func (s *Store) CleanupOldData(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	var total int64
	for _, table := range []string{"confusion_points", "conversations"} {
		res, err := s.db.Exec(`DELETE FROM `+table+` WHERE created_at < ?`, cutoff)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func orEmptyIDs(in []int64) []int64 {
	if in == nil {
		return []int64{}
	}
	return in
}
