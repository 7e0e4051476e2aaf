package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	authmw "github.com/mind-engage/mindengage-webwork/internal/auth/middleware"
	"github.com/mind-engage/mindengage-webwork/internal/problem"
	"github.com/mind-engage/mindengage-webwork/internal/submission"
)

// Submitter runs one student action.
type Submitter interface {
	Handle(ctx context.Context, req submission.Request) submission.Response
}

const maxFormBytes = 1 << 20

// SubmissionHandler is the inbound handler the embedded problem posts to, as a JSON object
// or as a form. Every outcome, including failures, is a 200 with the JSON response object.
func SubmissionHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := authmw.SubjectFromContext(r.Context())
		if userID == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
		form, err := readSubmission(r)
		if err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		resp := svc.Handle(r.Context(), submission.Request{
			ProblemID:  chi.URLParam(r, "problemID"),
			UserID:     userID,
			SubmitType: form["submit_type"],
			Form:       form,
		})
		respondJSON(w, http.StatusOK, resp)
	}
}

func readSubmission(r *http.Request) (map[string]string, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/json":
		return jsonForm(r.Body)
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxFormBytes); err != nil {
			return nil, err
		}
	default:
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
	}
	form := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			form[k] = v[0]
		}
	}
	return form, nil
}

// jsonForm flattens a JSON object into form values. Scalars are printed, a list keeps
// its first scalar like a repeated form field, nulls and nested objects are dropped.
func jsonForm(body io.Reader) (map[string]string, error) {
	dec := json.NewDecoder(body)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	form := make(map[string]string, len(raw))
	for k, v := range raw {
		if list, ok := v.([]any); ok {
			if len(list) == 0 {
				continue
			}
			v = list[0]
		}
		switch x := v.(type) {
		case string:
			form[k] = x
		case json.Number:
			form[k] = x.String()
		case bool:
			form[k] = fmt.Sprint(x)
		}
	}
	return form, nil
}

type problemView struct {
	ID              string     `json:"id"`
	DisplayName     string     `json:"display_name"`
	BannerText      string     `json:"problem_banner_text"`
	HandlerURL      string     `json:"handler_url"`
	IframeMinHeight int        `json:"iframe_min_height"`
	IframeMaxHeight int        `json:"iframe_max_height"`
	IframeMinWidth  int        `json:"iframe_min_width"`
	MaxScore        float64    `json:"max_allowed_score"`
	MaxAttempts     int        `json:"max_attempts"`
	Due             *time.Time `json:"due,omitempty"`
	Attempts        int        `json:"student_attempts"`
	BestScore       float64    `json:"best_student_score"`
}

// GetProblemViewHandler returns what the host page needs to embed a problem for the caller.
func GetProblemViewHandler(store problem.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := store.GetInstance(r.Context(), chi.URLParam(r, "problemID"))
		if errors.Is(err, problem.ErrNotFound) {
			http.Error(w, "problem not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		k := problem.Key{CourseID: in.CourseID, ProblemID: in.ID, UserID: authmw.SubjectFromContext(r.Context())}
		st, err := store.GetStudent(r.Context(), k)
		if err != nil && !errors.Is(err, problem.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, problemView{
			ID:              in.ID,
			DisplayName:     in.DisplayName,
			BannerText:      in.BannerText,
			HandlerURL:      "/problems/" + in.ID + "/handler",
			IframeMinHeight: in.IframeMinHeight,
			IframeMaxHeight: in.IframeMaxHeight,
			IframeMinWidth:  in.IframeMinWidth,
			MaxScore:        in.MaxScore,
			MaxAttempts:     st.AttemptCounts().EffectiveMax(in.MaxAttempts),
			Due:             st.Due(in),
			Attempts:        st.Attempts,
			BestScore:       st.BestScore,
		})
	}
}

func GetProblemSettingsHandler(store problem.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := store.GetInstance(r.Context(), chi.URLParam(r, "problemID"))
		if errors.Is(err, problem.ErrNotFound) {
			http.Error(w, "problem not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, in)
	}
}

// PutProblemHandler creates or replaces an instance. Fields missing from the body keep their defaults.
func PutProblemHandler(store problem.Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "problemID")
		in := problem.NewInstance(id, "")
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		in.ID = id
		if err := in.Validate(); err != nil {
			var ve *problem.ValidationError
			if errors.As(err, &ve) {
				respondJSON(w, http.StatusBadRequest, map[string]any{"errors": ve.Problems})
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := store.PutInstance(r.Context(), in); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		log.Info("problem saved", zap.String("problem", in.ID), zap.String("course", in.CourseID),
			zap.String("by", authmw.SubjectFromContext(r.Context())))
		respondJSON(w, http.StatusOK, in)
	}
}

func studentKey(ctx context.Context, store problem.Store, r *http.Request) (problem.Key, int, error) {
	in, err := store.GetInstance(ctx, chi.URLParam(r, "problemID"))
	if errors.Is(err, problem.ErrNotFound) {
		return problem.Key{}, http.StatusNotFound, err
	}
	if err != nil {
		return problem.Key{}, http.StatusInternalServerError, err
	}
	return problem.Key{CourseID: in.CourseID, ProblemID: in.ID, UserID: chi.URLParam(r, "userID")}, 0, nil
}

// IsStateOwner reports whether the caller is the student named in the route.
func IsStateOwner(r *http.Request) bool {
	sub := authmw.SubjectFromContext(r.Context())
	return sub != "" && sub == chi.URLParam(r, "userID")
}

func GetStudentStateHandler(store problem.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, code, err := studentKey(r.Context(), store, r)
		if err != nil {
			http.Error(w, err.Error(), code)
			return
		}
		st, err := store.GetStudent(r.Context(), k)
		if err != nil && !errors.Is(err, problem.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, st)
	}
}

func ListStudentEventsHandler(store problem.Store, events EventSearcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, code, err := studentKey(r.Context(), store, r)
		if err != nil {
			http.Error(w, err.Error(), code)
			return
		}
		out, err := events.ListByKey(r.Context(), k.String(), 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, out)
	}
}

type overrideReq struct {
	ExtraAttempts    *int       `json:"extra_attempts"`
	DueOverride      *time.Time `json:"due_override"`
	ClearDueOverride bool       `json:"clear_due_override"`
}

// PostOverridesHandler grants extra attempts or a due date extension to one student.
func PostOverridesHandler(store problem.Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, code, err := studentKey(r.Context(), store, r)
		if err != nil {
			http.Error(w, err.Error(), code)
			return
		}
		var req overrideReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.ExtraAttempts != nil && *req.ExtraAttempts < 0 {
			http.Error(w, "extra_attempts must be non-negative", http.StatusBadRequest)
			return
		}
		st, err := store.UpdateStudent(r.Context(), k, func(st *problem.StudentState) error {
			if req.ExtraAttempts != nil {
				st.ExtraAttempts = *req.ExtraAttempts
			}
			switch {
			case req.ClearDueOverride:
				st.DueOverride = nil
			case req.DueOverride != nil:
				due := req.DueOverride.UTC()
				st.DueOverride = &due
			}
			return nil
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		log.Info("student override", zap.String("key", k.String()), zap.Int("extra_attempts", st.ExtraAttempts),
			zap.Timep("due_override", st.DueOverride), zap.String("by", authmw.SubjectFromContext(r.Context())))
		respondJSON(w, http.StatusOK, st)
	}
}
