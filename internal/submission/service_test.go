package submission_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mind-engage/mindengage-webwork/internal/gradebook"
	"github.com/mind-engage/mindengage-webwork/internal/problem"
	"github.com/mind-engage/mindengage-webwork/internal/renderer"
	"github.com/mind-engage/mindengage-webwork/internal/settings"
	"github.com/mind-engage/mindengage-webwork/internal/submission"
	syncx "github.com/mind-engage/mindengage-webwork/internal/sync"
)

/* ---------------- fakes ---------------- */

type fakeRenderer struct {
	mu    sync.Mutex
	calls []renderer.Request
	body  []byte
	err   error
	hook  func() // runs during the call, before the answer
}

func (f *fakeRenderer) Render(_ context.Context, req renderer.Request) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.hook != nil {
		f.hook()
	}
	return f.body, f.err
}

func (f *fakeRenderer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func structured(score any) []byte {
	b, _ := json.Marshal(map[string]any{
		"renderedHTML":   "<div>problem</div>",
		"problem_result": map[string]any{"score": score},
		"answers": map[string]any{
			"AnSwEr0001": map[string]any{"score": score, "student_value": "42", "internal": "x"},
		},
		"form_data": map[string]any{"AnSwEr0001": "42", "problemSeed": "7"},
		"flags":     map[string]any{"KEPT_EXTRA_ANSWERS": []string{"AnSwEr0001"}},
	})
	return b
}

type fakePublisher struct {
	mu     sync.Mutex
	grades []gradebook.Grade
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, g gradebook.Grade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grades = append(f.grades, g)
	return f.err
}

/* ---------------- fixture ---------------- */

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *submission.Service
	store  *problem.MemoryStore
	render *fakeRenderer
	pub    *fakePublisher
	events *syncx.MemoryLog
	key    problem.Key
}

func newFixture(t *testing.T, mutate func(*problem.Instance)) *fixture {
	t.Helper()
	ctx := context.Background()
	st := problem.NewMemoryStore()
	in := problem.NewInstance("p1", "c1")
	in.MaxScore = 10
	in.Server = settings.Selection{Type: settings.SelectCourse}
	if mutate != nil {
		mutate(&in)
	}
	if err := st.PutInstance(ctx, in); err != nil {
		t.Fatal(err)
	}
	err := st.PutCourseSettings(ctx, settings.CourseSettings{
		CourseID:      "c1",
		DefaultServer: "ww1",
		LineItemsURL:  "https://lms.example.edu/c1/lineitems",
		Servers: map[string]settings.ServerRecord{
			"ww1": {ServerType: "standalone", APIURL: "https://renderer.example.edu/render-api"},
			"old": {ServerType: "html2xml", APIURL: "https://ww.example.edu/webwork2/html2xml",
				AuthData: settings.AuthData{Course: "daemon_course", Username: "daemon", Password: "pw"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		store:  st,
		render: &fakeRenderer{body: structured(1)},
		pub:    &fakePublisher{},
		events: &syncx.MemoryLog{},
		key:    problem.Key{CourseID: "c1", ProblemID: "p1", UserID: "u1"},
	}
	f.svc = submission.New(st, f.render, f.pub, f.events, nil)
	f.svc.Now = func() time.Time { return now }
	f.svc.Seed = func() int64 { return 1234 }
	f.svc.PSVN = func() int { return 55 }
	return f
}

func (f *fixture) do(t *testing.T, typ string) submission.Response {
	t.Helper()
	return f.svc.Handle(context.Background(), submission.Request{
		ProblemID:  "p1",
		UserID:     "u1",
		SubmitType: typ,
		Form:       map[string]string{"AnSwEr0001": "42", "submit_type": typ},
	})
}

func (f *fixture) state(t *testing.T) problem.StudentState {
	t.Helper()
	st, err := f.store.GetStudent(context.Background(), f.key)
	if err != nil && !errors.Is(err, problem.ErrNotFound) {
		t.Fatal(err)
	}
	return st
}

/* ---------------- tests ---------------- */

func TestInitialLoad_AssignsSeedOnce(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, "initialLoad")
	if !resp.Success || resp.RenderedHTML != "<div>problem</div>" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !strings.Contains(resp.Message, "You have not yet made a graded submission") {
		t.Errorf("unexpected message %q", resp.Message)
	}
	f.svc.Seed = func() int64 { return 9999 }
	f.do(t, "initialLoad")
	if got := f.state(t).Seed; got != 1234 {
		t.Fatalf("seed changed to %d", got)
	}
	req := f.render.calls[1]
	if req.Seed != 1234 || req.PSVN != 55 || req.Kind != renderer.KindStructured {
		t.Fatalf("unexpected render request %+v", req)
	}
}

func TestSubmit_BestScoreNeverDecreases(t *testing.T) {
	f := newFixture(t, nil)

	f.render.body = structured(0.5)
	r1 := f.do(t, "submitAnswers")
	if !r1.Success || !r1.Scored {
		t.Fatalf("first submit failed: %+v", r1)
	}
	f.render.body = structured(1)
	f.do(t, "submitAnswers")
	f.render.body = structured(0.2)
	r3 := f.do(t, "submitAnswers")

	st := f.state(t)
	if st.BestScore != 10 || st.Attempts != 3 || !st.Done {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.NumCorrect != 1 || st.NumIncorrect != 2 {
		t.Errorf("correct/incorrect = %d/%d", st.NumCorrect, st.NumIncorrect)
	}
	if !strings.Contains(r3.Score, "less than your prior best score of 10 points") {
		t.Errorf("unexpected score message %q", r3.Score)
	}
	if len(f.pub.grades) != 2 {
		t.Fatalf("expected 2 publications, got %d", len(f.pub.grades))
	}
	g := f.pub.grades[1]
	if g.Score != 10 || g.MaxScore != 10 || g.LineItemsURL != "https://lms.example.edu/c1/lineitems" {
		t.Errorf("unexpected grade %+v", g)
	}
	if st.Answers["AnSwEr0001"] != "42" {
		t.Errorf("kept answers not stored: %v", st.Answers)
	}
	events, _ := f.events.ListByKey(context.Background(), f.key.String(), 0)
	if len(events) != 3 || events[0].Type != syncx.TypeSubmissionRecorded {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestSubmit_FirstZeroScoreIsRecorded(t *testing.T) {
	f := newFixture(t, nil)
	f.render.body = structured(0)
	f.do(t, "submitAnswers")
	st := f.state(t)
	if !st.Done || st.BestScore != 0 {
		t.Fatalf("unexpected state %+v", st)
	}
	if len(f.pub.grades) != 1 {
		t.Fatalf("a first score must be published once, got %d", len(f.pub.grades))
	}
}

func TestSubmit_BackendFailureKeepsAttempts(t *testing.T) {
	f := newFixture(t, nil)
	f.render.err = &renderer.TransportError{Kind: renderer.KindStructured, Op: "post", Err: errors.New("boom")}
	resp := f.do(t, "submitAnswers")
	if resp.Success || resp.RenderedHTML != renderer.ErrorMarkup {
		t.Fatalf("unexpected response %+v", resp)
	}
	st := f.state(t)
	if st.Attempts != 0 || st.Done {
		t.Fatalf("attempts changed: %+v", st)
	}
	if st.Answers["AnSwEr0001"] != "42" {
		t.Errorf("answer snapshot missing: %v", st.Answers)
	}
	if len(f.pub.grades) != 0 {
		t.Errorf("published on failure")
	}
}

func TestSubmit_BadNormalizationLeavesScoreUnchanged(t *testing.T) {
	f := newFixture(t, nil)
	f.render.body = []byte(`{"problem_result":{"score":1}}`)
	resp := f.do(t, "submitAnswers")
	if resp.Success || resp.Scored {
		t.Fatalf("unexpected response %+v", resp)
	}
	if st := f.state(t); st.Attempts != 0 || st.BestScore != 0 || st.Done {
		t.Fatalf("state changed: %+v", st)
	}
}

func TestSubmit_LegacyMissingHead(t *testing.T) {
	f := newFixture(t, func(in *problem.Instance) { in.Server.ServerID = "old" })
	f.render.body = []byte(`{"body_part001":"<b>"}`)
	resp := f.do(t, "WWsubmit")
	if resp.Success {
		t.Fatalf("expected failure, got %+v", resp)
	}
	if f.render.calls[0].Credentials.User != "daemon" || f.render.calls[0].Action != renderer.ActionCheck {
		t.Errorf("unexpected legacy request %+v", f.render.calls[0])
	}
	if st := f.state(t); st.Attempts != 0 {
		t.Fatalf("attempts changed: %+v", st)
	}
}

func TestSubmit_MaxAttempts(t *testing.T) {
	f := newFixture(t, func(in *problem.Instance) { in.MaxAttempts = 1 })
	f.render.body = structured(0.5)
	f.do(t, "submitAnswers")
	f.render.body = structured(1)
	resp := f.do(t, "submitAnswers")

	// no due date: further submissions are accepted but not for credit
	if !resp.Success || !strings.Contains(resp.Message, "maximum number (1)") {
		t.Fatalf("unexpected response %+v", resp)
	}
	st := f.state(t)
	if st.Attempts != 1 || st.BestScore != 5 {
		t.Fatalf("not-for-credit submission changed grade: %+v", st)
	}
	if len(f.pub.grades) != 1 {
		t.Fatalf("expected one publication, got %d", len(f.pub.grades))
	}
}

func TestSubmit_BlockedMakesNoBackendCall(t *testing.T) {
	due := now.Add(-time.Hour)
	f := newFixture(t, func(in *problem.Instance) { in.Due = &due })
	resp := f.do(t, "submitAnswers")
	if resp.Success || !resp.HideSubmit || !resp.HideShowAnswers {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !strings.Contains(resp.Message, "not permitted until Mar 02, 2026 at 11:00 UTC") {
		t.Errorf("unexpected message %q", resp.Message)
	}
	if f.render.count() != 0 {
		t.Fatalf("backend called while locked")
	}
	if _, err := f.store.GetStudent(context.Background(), f.key); !errors.Is(err, problem.ErrNotFound) {
		t.Fatalf("state written for blocked submit")
	}
}

func TestSubmit_PreDueExhausted(t *testing.T) {
	due := now.Add(time.Hour)
	f := newFixture(t, func(in *problem.Instance) { in.Due = &due; in.MaxAttempts = 1 })
	f.do(t, "submitAnswers")
	resp := f.do(t, "submitAnswers")
	if resp.Success || !strings.HasPrefix(resp.Message, "Sorry, can't submit now") {
		t.Fatalf("unexpected response %+v", resp)
	}
	if f.render.count() != 1 {
		t.Fatalf("expected one backend call, got %d", f.render.count())
	}
}

func TestSubmit_PreDueLosesRaceToLastAttempt(t *testing.T) {
	due := now.Add(time.Hour)
	f := newFixture(t, func(in *problem.Instance) { in.Due = &due; in.MaxAttempts = 1 })
	// another request of the same student uses the last attempt while this one is rendering
	f.render.hook = func() {
		_, _ = f.store.UpdateStudent(context.Background(), f.key, func(st *problem.StudentState) error {
			st.Attempts = 1
			return nil
		})
	}
	resp := f.do(t, "submitAnswers")
	if resp.Success || !strings.HasPrefix(resp.Message, "Sorry, can't submit now") || !resp.HideSubmit {
		t.Fatalf("unexpected response %+v", resp)
	}
	if st := f.state(t); st.Attempts != 1 || st.Done || len(st.SubmissionRecord) != 0 {
		t.Fatalf("raced submit was recorded: %+v", st)
	}
	if len(f.pub.grades) != 0 {
		t.Fatalf("raced submit published")
	}
	if events, _ := f.events.ListByKey(context.Background(), f.key.String(), 0); len(events) != 0 {
		t.Fatalf("raced submit audited: %d events", len(events))
	}
}

func TestSubmit_RecordsSentPSVN(t *testing.T) {
	f := newFixture(t, nil)
	cs, _ := f.store.GetCourseSettings(context.Background(), "c1")
	cs.PSVNShift = 100
	_ = f.store.PutCourseSettings(context.Background(), cs)
	f.do(t, "submitAnswers")

	var rec struct {
		ProvidedSettings map[string]string `json:"provided_settings"`
	}
	if err := json.Unmarshal(f.state(t).SubmissionRecord, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.ProvidedSettings["psvn"] != "155" || f.render.calls[0].PSVN != 155 {
		t.Fatalf("psvn not recorded as sent: %v", rec.ProvidedSettings)
	}
}

func TestConfigurationError_NoBackendCall(t *testing.T) {
	f := newFixture(t, func(in *problem.Instance) { in.Server.ServerID = "missing" })
	resp := f.do(t, "initialLoad")
	if resp.Success || !strings.Contains(resp.Message, "no WeBWorK server is configured") {
		t.Fatalf("unexpected response %+v", resp)
	}
	if f.render.count() != 0 {
		t.Fatalf("backend called without a server")
	}
}

func TestInvalidSubmitType(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, "WWsubmit") // legacy alias on a structured server
	if resp.Success || resp.Message != "An error occurred - invalid submission type" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestUnknownProblem(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.svc.Handle(context.Background(), submission.Request{ProblemID: "nope", UserID: "u1", SubmitType: "initialLoad"})
	if resp.Success || resp.Message != "This problem could not be found." {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestPreview_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, "initialLoad")
	before := f.state(t)
	for i := 0; i < 3; i++ {
		if resp := f.do(t, "previewAnswers"); !resp.Success {
			t.Fatalf("preview failed: %+v", resp)
		}
	}
	after := f.state(t)
	if after.Attempts != before.Attempts || after.LastSubmissionTime != nil || after.Answers != nil {
		t.Fatalf("preview mutated state: %+v", after)
	}
	if f.render.calls[1].Action != renderer.ActionPreview {
		t.Errorf("unexpected action %v", f.render.calls[1].Action)
	}
}

func TestShowCorrect_RequiresAttemptsWhenUnlimited(t *testing.T) {
	f := newFixture(t, func(in *problem.Instance) { in.NoLimitShowThreshold = 2 })
	resp := f.do(t, "showCorrectAnswers")
	if resp.Success || !strings.Contains(resp.Message, "after you submit at least 2 answers") {
		t.Fatalf("unexpected response %+v", resp)
	}
	if f.render.count() != 0 || !resp.HideShowAnswers {
		t.Fatalf("show correct should be blocked without a backend call")
	}
}

func TestShowCorrect_Forbidden(t *testing.T) {
	f := newFixture(t, func(in *problem.Instance) { in.AllowShowAnswers = false; in.MaxAttempts = 1 })
	resp := f.do(t, "showCorrectAnswers")
	if resp.Success || !strings.HasPrefix(resp.Message, "Sorry, this problem is set to forbid") {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestShowCorrect_FirstUseAudited(t *testing.T) {
	f := newFixture(t, func(in *problem.Instance) { in.MaxAttempts = 2 })
	f.do(t, "submitAnswers")

	resp := f.do(t, "showCorrectAnswers")
	if !resp.Success {
		t.Fatalf("show correct failed: %+v", resp)
	}
	first := f.state(t)
	if !first.ViewedCorrectAnswers || first.Answers != nil || first.LastSubmissionTime == nil {
		t.Fatalf("first use not recorded: %+v", first)
	}
	if !strings.Contains(string(first.SubmissionRecord), "called for the first time") {
		t.Errorf("missing audit record: %s", first.SubmissionRecord)
	}

	f.svc.Now = func() time.Time { return now.Add(time.Minute) }
	f.do(t, "showCorrectAnswers")
	second := f.state(t)
	if !second.LastSubmissionTime.Equal(*first.LastSubmissionTime) || string(second.SubmissionRecord) != string(first.SubmissionRecord) {
		t.Fatalf("second use mutated state")
	}
	events, _ := f.events.ListByKey(context.Background(), f.key.String(), 0)
	revealed := 0
	for _, e := range events {
		if e.Type == syncx.TypeCorrectAnswersRevealed {
			revealed++
		}
	}
	if revealed != 1 {
		t.Fatalf("expected one reveal event, got %d", revealed)
	}
}

func TestUnresolvableSchedule_Locked(t *testing.T) {
	due := now.Add(24 * time.Hour)
	f := newFixture(t, func(in *problem.Instance) { in.Due = &due })
	_ = f.store.PutCourseSettings(context.Background(), settings.CourseSettings{
		CourseID:      "c1",
		DefaultServer: "ww1",
		GracePeriod:   &settings.GracePeriod{Hours: -1},
		Servers: map[string]settings.ServerRecord{
			"ww1": {ServerType: "standalone", APIURL: "https://renderer.example.edu/render-api"},
		},
	})
	resp := f.do(t, "submitAnswers")
	if resp.Success || !resp.HideSubmit || !resp.HidePreview {
		t.Fatalf("unresolvable schedule should lock: %+v", resp)
	}
	if f.render.count() != 0 {
		t.Fatalf("backend called while locked")
	}
}

func TestPostDueUnlocked_NotForCredit(t *testing.T) {
	due := now.Add(-48 * time.Hour)
	f := newFixture(t, func(in *problem.Instance) { in.Due = &due })
	resp := f.do(t, "submitAnswers")
	if !resp.Success || !strings.Contains(resp.Score, "not for credit") {
		t.Fatalf("unexpected response %+v", resp)
	}
	if st := f.state(t); st.Attempts != 0 || st.Done {
		t.Fatalf("post-deadline submission counted: %+v", st)
	}
	if len(f.pub.grades) != 0 {
		t.Fatalf("post-deadline submission published")
	}
}

func TestPublishFailureDoesNotFailSubmit(t *testing.T) {
	f := newFixture(t, nil)
	f.pub.err = errors.New("lms down")
	resp := f.do(t, "submitAnswers")
	if !resp.Success {
		t.Fatalf("submit should succeed when publication fails: %+v", resp)
	}
	if st := f.state(t); st.BestScore != 10 {
		t.Fatalf("score not stored: %+v", st)
	}
}
