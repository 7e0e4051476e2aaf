// Package submission handles the four student actions on an embedded problem:
// initial load, submit for grading, preview and show correct answers.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-webwork/internal/gradebook"
	"github.com/mind-engage/mindengage-webwork/internal/metrics"
	"github.com/mind-engage/mindengage-webwork/internal/period"
	"github.com/mind-engage/mindengage-webwork/internal/problem"
	"github.com/mind-engage/mindengage-webwork/internal/renderer"
	"github.com/mind-engage/mindengage-webwork/internal/settings"
	syncx "github.com/mind-engage/mindengage-webwork/internal/sync"
)

// Request is one inbound handler call.
type Request struct {
	ProblemID  string
	UserID     string
	SubmitType string
	Form       map[string]string
}

// Response is what the embedded page receives. The hide flags are the negated permissions.
type Response struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	Score           string `json:"score"`
	Scored          bool   `json:"scored"`
	RenderedHTML    string `json:"renderedHTML,omitempty"`
	HideShowAnswers bool   `json:"hideShowAnswers"`
	HidePreview     bool   `json:"hidePreview"`
	HideSubmit      bool   `json:"hideSubmit"`
}

type Service struct {
	Store     problem.Store
	Renderer  renderer.Client
	Publisher gradebook.Publisher
	Events    syncx.Appender
	Log       *zap.Logger

	Now  func() time.Time
	Seed func() int64
	PSVN func() int
}

func New(store problem.Store, client renderer.Client, pub gradebook.Publisher, events syncx.Appender, log *zap.Logger) *Service {
	if pub == nil {
		pub = gradebook.NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		Store:     store,
		Renderer:  client,
		Publisher: pub,
		Events:    events,
		Log:       log,
		Now:       time.Now,
		Seed:      RandomSeed,
		PSVN:      problem.RandomPSVN,
	}
}

// RandomSeed draws a problem seed uniformly from [1, 2^31-1].
func RandomSeed() int64 { return 1 + rand.Int64N(1<<31-1) }

// call carries everything resolved for one request.
type call struct {
	req       Request
	key       problem.Key
	inst      problem.Instance
	course    settings.CourseSettings
	server    settings.Server
	action    renderer.Action
	state     problem.StudentState
	period    period.Period
	unlockAt  *time.Time
	psvn      int // shifted value sent with the last render
	attempts  period.Attempts
	rules     period.Rules
	startedAt time.Time
	log       *zap.Logger
}

func (c *call) view() scoreView {
	return scoreView{
		attempts: c.state.Attempts,
		max:      c.attempts.EffectiveMax(c.rules.MaxAttempts),
		best:     c.state.BestScore,
		maxScore: c.inst.MaxScore,
	}
}

// flags recomputes the hide flags from the current state.
func (c *call) flags(r *Response) {
	c.attempts = c.state.AttemptCounts()
	p := period.ComputePermissions(c.period, c.attempts, c.rules)
	r.HideSubmit, r.HidePreview, r.HideShowAnswers = !p.CanSubmit, !p.CanPreview, !p.CanShowCorrect
}

// Handle never returns an error: every failure becomes a Response with Success false.
func (s *Service) Handle(ctx context.Context, req Request) (resp Response) {
	action := "invalid"
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error("submission handler panic", zap.Any("panic", r),
				zap.String("problem", req.ProblemID), zap.String("user", req.UserID))
			resp = Response{Message: msgError}
		}
		metrics.Submissions.WithLabelValues(action, outcome(resp)).Inc()
	}()

	c, resp, ok := s.prepare(ctx, req)
	if !ok {
		return resp
	}
	action = c.action.String()
	switch c.action {
	case renderer.ActionLoad:
		return s.load(ctx, c)
	case renderer.ActionCheck:
		return s.submit(ctx, c)
	case renderer.ActionPreview:
		return s.preview(ctx, c)
	default:
		return s.showCorrect(ctx, c)
	}
}

func outcome(r Response) string {
	switch {
	case r.Success:
		return "ok"
	case r.Message == msgError:
		return "error"
	case r.Message == msgUnavailable:
		return "unavailable"
	}
	return "blocked"
}

func (s *Service) prepare(ctx context.Context, req Request) (*call, Response, bool) {
	log := s.Log.With(zap.String("problem", req.ProblemID), zap.String("user", req.UserID))

	inst, err := s.Store.GetInstance(ctx, req.ProblemID)
	if errors.Is(err, problem.ErrNotFound) {
		return nil, Response{Message: msgNotFound}, false
	}
	if err != nil {
		log.Error("load problem", zap.Error(err))
		return nil, Response{Message: msgError}, false
	}
	log = log.With(zap.String("course", inst.CourseID))

	course, courseErr := s.Store.GetCourseSettings(ctx, inst.CourseID)
	if errors.Is(courseErr, problem.ErrNotFound) {
		course, courseErr = settings.CourseSettings{CourseID: inst.CourseID}, nil
	}
	if courseErr != nil && inst.Server.Type != settings.SelectManual {
		log.Error("load course settings", zap.Error(courseErr))
		return nil, Response{Message: msgError}, false
	}

	server, err := settings.Resolve(course, inst.Server)
	if err != nil {
		log.Warn("no webwork server", zap.Error(err))
		return nil, Response{Message: msgUnavailable}, false
	}

	action, ok := renderer.ParseSubmitType(server.Kind, req.SubmitType)
	if !ok {
		log.Info("invalid submit type", zap.String("submit_type", req.SubmitType))
		return nil, Response{Message: msgInvalidType}, false
	}

	key := problem.Key{CourseID: inst.CourseID, ProblemID: inst.ID, UserID: req.UserID}
	state, err := s.Store.GetStudent(ctx, key)
	if err != nil && !errors.Is(err, problem.ErrNotFound) {
		log.Error("load student state", zap.Error(err))
		return nil, Response{Message: msgError}, false
	}

	c := &call{
		req:       req,
		key:       key,
		inst:      inst,
		course:    course,
		server:    server,
		action:    action,
		state:     state,
		attempts:  state.AttemptCounts(),
		rules:     inst.Rules(),
		startedAt: s.Now(),
		log:       log,
	}
	c.period, c.unlockAt = s.schedule(c, courseErr)
	return c, Response{}, true
}

// schedule computes the period. A due date whose grace period cannot be resolved
// locks the problem with no known unlock time.
func (s *Service) schedule(c *call, courseErr error) (period.Period, *time.Time) {
	due := c.state.Due(c.inst)
	if due == nil {
		return period.NoDue, nil
	}
	grace, err := c.course.Grace()
	if courseErr != nil {
		err = courseErr
	}
	if err != nil {
		c.log.Warn("schedule unresolvable, treating problem as locked", zap.Time("due", *due), zap.Error(err))
		return period.PostDueLocked, nil
	}
	w := period.Window{Due: due, Grace: grace, Lockdown: c.inst.Lockdown()}
	var unlock *time.Time
	if end, ok := w.LockEnd(); ok {
		unlock = &end
	}
	return period.Compute(c.startedAt, w), unlock
}

// render asks the backend for action and normalizes the answer. The state must carry a seed.
func (s *Service) render(ctx context.Context, c *call, action renderer.Action, form map[string]string) (renderer.Result, error) {
	psvn, err := s.Store.PSVN(ctx, c.key.CourseID, c.key.UserID, c.inst.PSVNKey, s.PSVN)
	if err != nil {
		return renderer.Result{Markup: renderer.ErrorMarkup}, fmt.Errorf("psvn: %w", err)
	}
	c.psvn = psvn + c.course.PSVNShift
	params := renderer.BuildParams(c.server.Kind, action, form, renderer.Options{
		Language:       c.inst.Language,
		NumCorrect:     c.state.NumCorrect,
		NumIncorrect:   c.state.NumIncorrect,
		AllowHints:     c.inst.AllowHints,
		AllowSolutions: c.inst.AllowSolutions,
	})
	raw, err := s.Renderer.Render(ctx, renderer.Request{
		Kind:        c.server.Kind,
		Action:      action,
		URL:         c.server.APIURL,
		Params:      params,
		Seed:        c.state.Seed,
		PSVN:        c.psvn,
		ProblemPath: c.inst.ProblemPath,
		Credentials: c.server.Credentials,
		Timeout:     c.inst.Timeout(),
	})
	if err != nil {
		return renderer.Result{Markup: renderer.ErrorMarkup}, err
	}
	return renderer.NewNormalizer(c.server.Kind, c.server.StaticFilesURL).Normalize(raw, c.inst.MaxScore)
}

// ensureSeed assigns the problem seed on first use. It writes nothing when a seed exists.
func (s *Service) ensureSeed(ctx context.Context, c *call) error {
	if c.state.Seed != 0 {
		return nil
	}
	st, err := s.Store.UpdateStudent(ctx, c.key, func(st *problem.StudentState) error {
		if st.Seed == 0 {
			st.Seed = s.Seed()
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.state = st
	return nil
}

func (s *Service) fail(c *call, resp Response, msg string, err error) Response {
	c.log.Warn("request failed", zap.String("action", c.action.String()), zap.Error(err))
	resp.Success = false
	resp.Message = msg
	resp.RenderedHTML = renderer.ErrorMarkup
	c.flags(&resp)
	return resp
}

func (s *Service) load(ctx context.Context, c *call) Response {
	var resp Response
	c.flags(&resp)
	if err := s.ensureSeed(ctx, c); err != nil {
		return s.fail(c, resp, msgError, err)
	}
	res, err := s.render(ctx, c, renderer.ActionLoad, nil)
	if err != nil {
		return s.fail(c, resp, msgError, err)
	}
	resp.Success = true
	resp.RenderedHTML = res.Markup
	resp.Message = c.view().current()
	return resp
}

func (s *Service) preview(ctx context.Context, c *call) Response {
	var resp Response
	c.flags(&resp)
	if d := period.DecidePreview(c.period, c.attempts, c.rules); !d.Allowed {
		resp.Message = msgPreviewBlocked + untilMessage("Additional use of the problem is not permitted until", c.unlockAt) +
			"<br>" + c.view().current()
		return resp
	}
	if err := s.ensureSeed(ctx, c); err != nil {
		return s.fail(c, resp, msgError, err)
	}
	res, err := s.render(ctx, c, renderer.ActionPreview, c.req.Form)
	if err != nil {
		return s.fail(c, resp, msgError, err)
	}
	resp.Success = true
	resp.RenderedHTML = res.Markup
	resp.Message = msgPreviewShown + "<br>" + c.view().current()
	return resp
}

func (s *Service) showCorrect(ctx context.Context, c *call) Response {
	var resp Response
	c.flags(&resp)
	d := period.DecideShowCorrect(c.period, c.attempts, c.rules)
	if !d.Allowed {
		switch d.Reason {
		case period.ReasonAnswersForbidden:
			resp.Message = msgForbidden
		case period.ReasonMoreAttemptsRequired:
			resp.Message = moreAttemptsMessage(d.Required, c.state.Attempts)
		default:
			resp.Message = msgAnswersLater + untilMessage("Answers will become available at", c.unlockAt)
		}
		resp.Message += "<br>" + c.view().current()
		return resp
	}
	if err := s.ensureSeed(ctx, c); err != nil {
		return s.fail(c, resp, msgError, err)
	}
	res, err := s.render(ctx, c, renderer.ActionShowCorrect, c.req.Form)
	if err != nil {
		return s.fail(c, resp, msgError, err)
	}

	if !c.state.ViewedCorrectAnswers {
		first := false
		st, err := s.Store.UpdateStudent(ctx, c.key, func(st *problem.StudentState) error {
			if st.ViewedCorrectAnswers {
				return nil
			}
			first = true
			now := c.startedAt.UTC()
			rec, err := json.Marshal(map[string]string{
				"action":               auditShowCorrect,
				"last_submission_time": now.Format(time.RFC3339),
			})
			if err != nil {
				return err
			}
			st.LastSubmissionTime = &now
			st.Answers = nil
			st.SubmissionRecord = rec
			st.ViewedCorrectAnswers = true
			return nil
		})
		if err != nil {
			return s.fail(c, resp, msgError, err)
		}
		c.state = st
		if first {
			s.appendEvent(ctx, c, syncx.TypeCorrectAnswersRevealed, json.RawMessage(st.SubmissionRecord))
		}
	}
	resp.Success = true
	resp.RenderedHTML = res.Markup
	resp.Message = msgCorrectShown + "<br>" + c.view().current()
	return resp
}

// record is the audit payload of one graded or ungraded submission.
type record struct {
	ID                 string                    `json:"id"`
	ProvidedSettings   map[string]string         `json:"provided_settings"`
	Server             map[string]string         `json:"server"`
	ProcessedSettings  map[string]any            `json:"submission_settings_processed,omitempty"`
	AnswersProcessed   map[string]any            `json:"answers_processed,omitempty"`
	ProblemResult      map[string]any            `json:"problem_result,omitempty"`
	AnswerResults      map[string]map[string]any `json:"answer_results_data,omitempty"`
	NumAttempts        int                       `json:"num_attempts"`
	LastSubmissionTime time.Time                 `json:"last_submission_time"`
	RawScore           float64                   `json:"current_submission_ww_raw_score"`
	ScaledScore        float64                   `json:"current_submission_scaled_score"`
	SaveGrade          bool                      `json:"save_grade"`
}

// errSubmitRaced means the attempt limit was reached by a concurrent submit of the same student.
var errSubmitRaced = errors.New("attempts exhausted by a concurrent submit")

func (s *Service) submit(ctx context.Context, c *call) Response {
	var resp Response
	c.flags(&resp)
	d := period.DecideSubmit(c.period, c.attempts, c.rules)
	if !d.Allowed {
		return s.blocked(c, resp, d)
	}

	// keep what was attempted even if the backend call fails
	snapshot := renderer.SnapshotAnswers(c.req.Form)
	st, err := s.Store.UpdateStudent(ctx, c.key, func(st *problem.StudentState) error {
		if st.Seed == 0 {
			st.Seed = s.Seed()
		}
		st.Answers = snapshot
		return nil
	})
	if err != nil {
		return s.fail(c, resp, msgError, err)
	}
	c.state = st

	res, err := s.render(ctx, c, renderer.ActionCheck, c.req.Form)
	if err != nil {
		return s.fail(c, resp, msgError, err)
	}

	var (
		priorBest float64
		improved  bool
	)
	st, err = s.Store.UpdateStudent(ctx, c.key, func(st *problem.StudentState) error {
		// decide credit again on the locked state so concurrent submits cannot exceed the limit
		d = period.DecideSubmit(c.period, st.AttemptCounts(), c.rules)
		if !d.Allowed {
			return errSubmitRaced
		}
		priorBest = st.BestScore
		now := c.startedAt.UTC()
		if d.SaveGrade {
			st.Attempts++
			if res.RawScore == 1 {
				st.NumCorrect++
			} else {
				st.NumIncorrect++
			}
			if res.ScaledScore > st.BestScore || !st.Done {
				st.Done = true
				st.BestScore = res.ScaledScore
				improved = true
			}
		}
		st.LastSubmissionTime = &now
		if len(res.KeptAnswers) > 0 {
			st.Answers = stringify(res.KeptAnswers)
		}
		rec, err := json.Marshal(record{
			ID: uuid.NewString(),
			ProvidedSettings: map[string]string{
				"problemSeed":    fmt.Sprint(st.Seed),
				"psvn":           fmt.Sprint(c.psvn),
				"sourceFilePath": c.inst.ProblemPath,
				"numCorrect":     fmt.Sprint(c.state.NumCorrect),
				"numIncorrect":   fmt.Sprint(c.state.NumIncorrect),
			},
			Server:             c.server.Public(),
			ProcessedSettings:  res.Settings,
			AnswersProcessed:   res.KeptAnswers,
			ProblemResult:      res.ProblemResult,
			AnswerResults:      res.Answers,
			NumAttempts:        st.Attempts,
			LastSubmissionTime: now,
			RawScore:           res.RawScore,
			ScaledScore:        res.ScaledScore,
			SaveGrade:          d.SaveGrade,
		})
		if err != nil {
			return err
		}
		st.SubmissionRecord = rec
		return nil
	})
	if errors.Is(err, errSubmitRaced) {
		if fresh, gerr := s.Store.GetStudent(ctx, c.key); gerr == nil {
			c.state = fresh
		}
		c.flags(&resp)
		return s.blocked(c, resp, d)
	}
	if err != nil {
		return s.fail(c, resp, msgError, err)
	}
	c.state = st
	s.appendEvent(ctx, c, syncx.TypeSubmissionRecorded, json.RawMessage(st.SubmissionRecord))
	if improved {
		s.publish(ctx, c)
	}

	c.flags(&resp)
	v := c.view()
	resp.Success = true
	resp.Scored = true
	resp.RenderedHTML = res.Markup
	resp.Score = v.score(res.ScaledScore, priorBest, d.SaveGrade)
	if d.Reason == period.ReasonNotForCredit {
		resp.Message = notForCreditNotice(v.max) + "<br>" + resp.Score
	}
	return resp
}

// blocked answers a submit the policy refuses.
func (s *Service) blocked(c *call, resp Response, d period.Decision) Response {
	msg := msgSubmitLocked
	if d.Reason == period.ReasonAttemptsExhausted {
		msg = msgSubmitMaxed
	}
	resp.Message = msg + untilMessage("Additional use of the problem is not permitted until", c.unlockAt) +
		"<br>" + c.view().current()
	return resp
}

func (s *Service) publish(ctx context.Context, c *call) {
	g := gradebook.Grade{
		CourseID:     c.key.CourseID,
		ProblemID:    c.key.ProblemID,
		UserID:       c.key.UserID,
		Label:        c.inst.DisplayName,
		Score:        c.state.BestScore,
		MaxScore:     c.inst.MaxScore,
		LineItemsURL: c.course.LineItemsURL,
		Timestamp:    c.startedAt,
	}
	if err := s.Publisher.Publish(ctx, g); err != nil {
		c.log.Error("grade publication failed", zap.Float64("score", g.Score), zap.Error(err))
	}
}

func (s *Service) appendEvent(ctx context.Context, c *call, typ string, data any) {
	if s.Events == nil {
		return
	}
	e, err := syncx.NewEvent(typ, c.key.String(), data)
	if err == nil {
		err = s.Events.Append(ctx, e)
	}
	if err != nil {
		c.log.Warn("event log append failed", zap.String("type", typ), zap.Error(err))
	}
}

func stringify(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
