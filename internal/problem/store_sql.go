package problem

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mind-engage/mindengage-webwork/internal/settings"
)

// SQLStore keeps JSON documents in the tables created by db.Open.
type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
	now    func() time.Time
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver, now: time.Now}
}

func (s *SQLStore) PutInstance(ctx context.Context, in Instance) error {
	buf, err := json.Marshal(in)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO problems (id,course_id,settings_json,updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET course_id=EXCLUDED.course_id, settings_json=EXCLUDED.settings_json, updated_at=EXCLUDED.updated_at`,
		in.ID, in.CourseID, string(buf), s.now().Unix())
	return err
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (Instance, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT settings_json FROM problems WHERE id=$1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, err
	}
	var in Instance
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return Instance{}, fmt.Errorf("problem %s: %w", id, err)
	}
	return in, nil
}

func (s *SQLStore) PutCourseSettings(ctx context.Context, cs settings.CourseSettings) error {
	buf, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO course_settings (course_id,settings_json,updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (course_id) DO UPDATE SET settings_json=EXCLUDED.settings_json, updated_at=EXCLUDED.updated_at`,
		cs.CourseID, string(buf), s.now().Unix())
	return err
}

func (s *SQLStore) GetCourseSettings(ctx context.Context, courseID string) (settings.CourseSettings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT settings_json FROM course_settings WHERE course_id=$1`, courseID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.CourseSettings{}, ErrNotFound
	}
	if err != nil {
		return settings.CourseSettings{}, err
	}
	var cs settings.CourseSettings
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		return settings.CourseSettings{}, fmt.Errorf("course settings %s: %w", courseID, err)
	}
	return cs, nil
}

func (s *SQLStore) GetStudent(ctx context.Context, k Key) (StudentState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM student_state WHERE course_id=$1 AND problem_id=$2 AND user_id=$3`,
		k.CourseID, k.ProblemID, k.UserID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return StudentState{}, ErrNotFound
	}
	if err != nil {
		return StudentState{}, err
	}
	return decodeState(k, raw)
}

// UpdateStudent locks the student's row for the duration of fn. The row is created
// inside the transaction, so a failed fn leaves no trace.
func (s *SQLStore) UpdateStudent(ctx context.Context, k Key, fn func(*StudentState) error) (StudentState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StudentState{}, err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `INSERT INTO student_state (course_id,problem_id,user_id,state_json,updated_at)
		VALUES ($1,$2,$3,'{}',$4) ON CONFLICT (course_id,problem_id,user_id) DO NOTHING`,
		k.CourseID, k.ProblemID, k.UserID, now.Unix()); err != nil {
		return StudentState{}, err
	}
	q := `SELECT state_json FROM student_state WHERE course_id=$1 AND problem_id=$2 AND user_id=$3`
	if s.driver == "postgres" {
		q += ` FOR UPDATE`
	}
	var raw string
	if err := tx.QueryRowContext(ctx, q, k.CourseID, k.ProblemID, k.UserID).Scan(&raw); err != nil {
		return StudentState{}, err
	}
	st, err := decodeState(k, raw)
	if err != nil {
		return StudentState{}, err
	}
	if err := fn(&st); err != nil {
		return StudentState{}, err
	}
	st.UpdatedAt = now
	buf, err := json.Marshal(st)
	if err != nil {
		return StudentState{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE student_state SET state_json=$1, updated_at=$2
		WHERE course_id=$3 AND problem_id=$4 AND user_id=$5`,
		string(buf), now.Unix(), k.CourseID, k.ProblemID, k.UserID); err != nil {
		return StudentState{}, err
	}
	if err := tx.Commit(); err != nil {
		return StudentState{}, err
	}
	return st, nil
}

func (s *SQLStore) PSVN(ctx context.Context, courseID, userID string, key int, gen func() int) (int, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO student_psvn (course_id,user_id,psvn_key,psvn)
		VALUES ($1,$2,$3,$4) ON CONFLICT (course_id,user_id,psvn_key) DO NOTHING`,
		courseID, userID, key, gen()); err != nil {
		return 0, err
	}
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT psvn FROM student_psvn WHERE course_id=$1 AND user_id=$2 AND psvn_key=$3`,
		courseID, userID, key).Scan(&v)
	return v, err
}

func decodeState(k Key, raw string) (StudentState, error) {
	var st StudentState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return StudentState{}, fmt.Errorf("student state %s: %w", k, err)
	}
	return st, nil
}
