// Package problem holds embedded problem instances and the per-student state
// kept for each of them.
package problem

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mind-engage/mindengage-webwork/internal/period"
	"github.com/mind-engage/mindengage-webwork/internal/renderer"
	"github.com/mind-engage/mindengage-webwork/internal/settings"
)

var ErrNotFound = errors.New("not found")

// Instance is one WeBWorK problem embedded in a course.
type Instance struct {
	ID          string `json:"id"`
	CourseID    string `json:"course_id"`
	DisplayName string `json:"display_name"`
	BannerText  string `json:"problem_banner_text"`
	ProblemPath string `json:"problem"`
	Language    string `json:"ww_language"`

	MaxScore             float64 `json:"max_allowed_score"`
	MaxAttempts          int     `json:"max_attempts"`
	Weight               float64 `json:"weight"`
	PSVNKey              int     `json:"psvn_key"`
	NoLimitShowThreshold int     `json:"no_attempt_limit_required_attempts_before_show_answers"`
	LockdownHours        float64 `json:"post_deadline_lockdown"`
	AllowShowAnswers     bool    `json:"allow_show_answers"`
	AllowHints           bool    `json:"allow_ww_hints"`
	AllowSolutions       bool    `json:"allow_ww_solutions_with_correct_answers"`
	RequestTimeout       float64 `json:"webwork_request_timeout"` // seconds

	Due *time.Time `json:"due,omitempty"`

	IframeMinHeight int `json:"iframe_min_height"`
	IframeMaxHeight int `json:"iframe_max_height"`
	IframeMinWidth  int `json:"iframe_min_width"`

	Server settings.Selection `json:"server"`
}

// NewInstance returns an instance carrying the default field values.
func NewInstance(id, courseID string) Instance {
	return Instance{
		ID:                   id,
		CourseID:             courseID,
		DisplayName:          "WeBWorK Problem",
		BannerText:           "WeBWorK Problem",
		ProblemPath:          "Library/Dartmouth/setMTWCh2S4/problem_5.pg",
		Language:             "en",
		MaxScore:             100,
		Weight:               1,
		NoLimitShowThreshold: 10,
		LockdownHours:        24,
		AllowShowAnswers:     true,
		RequestTimeout:       5,
		IframeMinHeight:      380,
		IframeMaxHeight:      600,
		IframeMinWidth:       600,
		Server:               settings.Selection{Type: settings.SelectCourse, ServerType: "standalone"},
	}
}

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid problem settings: " + strings.Join(e.Problems, "; ")
}

func (in Instance) Validate() error {
	var p []string
	add := func(cond bool, msg string) {
		if cond {
			p = append(p, msg)
		}
	}
	add(strings.TrimSpace(in.ID) == "", "id required")
	add(strings.TrimSpace(in.CourseID) == "", "course_id required")
	add(strings.TrimSpace(in.ProblemPath) == "", "problem path required")
	add(in.MaxScore < 0, "max allowed score must be non-negative")
	add(in.MaxAttempts < 0, "max allowed attempts must be non-negative, zero is for no limit")
	add(in.NoLimitShowThreshold < 0, "no_attempt_limit_required_attempts_before_show_answers must be non-negative")
	add(in.LockdownHours < 0, "post deadline lockdown (in hours) must be non-negative")
	add(in.IframeMinHeight < 380, "iframe_min_height must be at least 380 pixels")
	add(in.IframeMaxHeight < 380, "iframe_max_height must be at least 380 pixels")
	add(in.IframeMinWidth < 500, "iframe_min_width must be at least 500 pixels")
	add(in.RequestTimeout < renderer.MinTimeout.Seconds(), "webwork_request_timeout must be at least 0.5 (seconds)")
	add(in.Weight < 0, "weight must be non-negative")
	switch in.Server.Type {
	case settings.SelectCourse:
	case settings.SelectManual:
		if _, err := renderer.ParseKind(in.Server.ServerType); err != nil {
			p = append(p, err.Error())
		}
	default:
		p = append(p, fmt.Sprintf("unknown settings_type %d", in.Server.Type))
	}
	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

func (in Instance) Timeout() time.Duration {
	return time.Duration(in.RequestTimeout * float64(time.Second))
}

func (in Instance) Lockdown() time.Duration {
	return time.Duration(in.LockdownHours * float64(time.Hour))
}

func (in Instance) Rules() period.Rules {
	return period.Rules{
		MaxAttempts:          in.MaxAttempts,
		AllowShowAnswers:     in.AllowShowAnswers,
		NoLimitShowThreshold: in.NoLimitShowThreshold,
	}
}

// Key addresses one student's state for one problem.
type Key struct {
	CourseID  string
	ProblemID string
	UserID    string
}

func (k Key) String() string { return k.CourseID + "/" + k.ProblemID + "/" + k.UserID }

// StudentState is everything persisted per student and problem.
type StudentState struct {
	Seed                 int64             `json:"seed"`
	Attempts             int               `json:"student_attempts"`
	ExtraAttempts        int               `json:"student_extra_attempts"`
	BestScore            float64           `json:"best_student_score"`
	Done                 bool              `json:"done"`
	ViewedCorrectAnswers bool              `json:"student_viewed_correct_answers"`
	Answers              map[string]string `json:"student_answer,omitempty"`
	LastSubmissionTime   *time.Time        `json:"last_submission_time,omitempty"`
	NumCorrect           int               `json:"ww_numCorrect"`
	NumIncorrect         int               `json:"ww_numIncorrect"`
	DueOverride          *time.Time        `json:"due_override,omitempty"`
	SubmissionRecord     json.RawMessage   `json:"submission_data_to_save,omitempty"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

func (s StudentState) AttemptCounts() period.Attempts {
	return period.Attempts{Used: s.Attempts, Extra: s.ExtraAttempts}
}

// Due is the student's effective due date: their extension if any, else the instance's.
func (s StudentState) Due(in Instance) *time.Time {
	if s.DueOverride != nil {
		return s.DueOverride
	}
	return in.Due
}

// Clone returns a deep copy so callers can mutate a state without touching the stored one.
func (s StudentState) Clone() StudentState {
	c := s
	if s.Answers != nil {
		c.Answers = make(map[string]string, len(s.Answers))
		for k, v := range s.Answers {
			c.Answers[k] = v
		}
	}
	if s.LastSubmissionTime != nil {
		t := *s.LastSubmissionTime
		c.LastSubmissionTime = &t
	}
	if s.DueOverride != nil {
		t := *s.DueOverride
		c.DueOverride = &t
	}
	if s.SubmissionRecord != nil {
		c.SubmissionRecord = append(json.RawMessage(nil), s.SubmissionRecord...)
	}
	return c
}
