package renderer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrorMarkup replaces the rendered problem whenever no usable markup is available.
const ErrorMarkup = "Error"

// Result is the canonical outcome of one renderer call.
type Result struct {
	Markup      string
	RawScore    float64 // in [0,1]
	ScaledScore float64 // RawScore × max score
	// Answers holds per-answer feedback, filtered to AnswerFields.
	Answers map[string]map[string]any
	// Settings is the subset of the backend's form echo kept for audit.
	Settings map[string]any
	// KeptAnswers are the submitted values the backend declared worth keeping.
	KeptAnswers   map[string]any
	ProblemResult map[string]any
}

// AnswerFields is the allow-list of per-answer fields kept from a structured response.
var AnswerFields = []string{
	"ans_label",
	"ans_message",
	"ans_name",
	"cmp_class",
	"correct_value",
	"error_message",
	"original_student_ans",
	"score",
	"student_formula",
	"student_value",
	"type",
}

var structuredSettingFields = []string{"problemSeed", "psvn", "sourceFilePath", "numCorrect", "numIncorrect"}

// Normalizer converts a raw backend response into a Result.
// On error the returned Result still carries ErrorMarkup.
type Normalizer interface {
	Normalize(raw []byte, maxScore float64) (Result, error)
}

// NewNormalizer returns the normalizer for k. staticURL is the absolute prefix that replaces
// "/webwork2_files in legacy markup; it is ignored for structured backends.
func NewNormalizer(k Kind, staticURL string) Normalizer {
	if k == KindLegacy {
		return legacyNormalizer{staticURL: staticURL}
	}
	return structuredNormalizer{}
}

// The legacy envelope wraps the page in a fixed sequence of fragments. The last one
// ends with an envelope trailer of legacyTrailerLen characters that must be cut off.
const (
	legacyHeadFragment = "head_part010"
	legacyTrailerLen   = 16
)

var legacyBodyFragments = []string{
	"body_part001",
	"body_part100",
	"body_part300",
	"body_part500",
	"body_part530",
	"body_part550",
	"body_part590",
	"body_part650",
	"body_part999",
}

type legacyNormalizer struct {
	staticURL string
}

func (n legacyNormalizer) Normalize(raw []byte, maxScore float64) (Result, error) {
	fail := func(format string, args ...any) (Result, error) {
		return Result{Markup: ErrorMarkup}, &BackendFormatError{Kind: KindLegacy, Reason: fmt.Sprintf(format, args...)}
	}
	fields, err := decodeObject(raw)
	if err != nil {
		return fail("%v", err)
	}

	var sb strings.Builder
	keys := append([]string{legacyHeadFragment}, legacyBodyFragments...)
	for i, key := range keys {
		frag, ok, err := stringField(fields, key)
		if err != nil {
			return fail("%s: %v", key, err)
		}
		if !ok {
			return fail("missing fragment %s", key)
		}
		if i == len(keys)-1 {
			// a fragment shorter than the trailer leaves nothing
			r := []rune(frag)
			frag = string(r[:max(len(r)-legacyTrailerLen, 0)])
		}
		sb.WriteString(frag)
	}
	markup := sb.String()
	if n.staticURL != "" {
		markup = strings.ReplaceAll(markup, `"/webwork2_files`, `"`+n.staticURL)
	}

	score, err := scoreField(fields["score"])
	if err != nil {
		return fail("score: %v", err)
	}
	return finish(Result{Markup: markup, RawScore: score}, maxScore), nil
}

type structuredNormalizer struct{}

type structuredResponse struct {
	RenderedHTML  *string                   `json:"renderedHTML"`
	ProblemResult map[string]any            `json:"problem_result"`
	Answers       map[string]map[string]any `json:"answers"`
	FormData      map[string]any            `json:"form_data"`
	Flags         struct {
		KeptExtraAnswers []string `json:"KEPT_EXTRA_ANSWERS"`
	} `json:"flags"`
}

func (structuredNormalizer) Normalize(raw []byte, maxScore float64) (Result, error) {
	fail := func(format string, args ...any) (Result, error) {
		return Result{Markup: ErrorMarkup}, &BackendFormatError{Kind: KindStructured, Reason: fmt.Sprintf(format, args...)}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fail("empty response")
	}
	var resp structuredResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fail("decode: %v", err)
	}
	if resp.RenderedHTML == nil {
		return fail("missing renderedHTML")
	}

	var scoreRaw json.RawMessage
	if v, ok := resp.ProblemResult["score"]; ok {
		scoreRaw, _ = json.Marshal(v)
	}
	score, err := scoreField(scoreRaw)
	if err != nil {
		return fail("problem_result.score: %v", err)
	}

	res := Result{
		Markup:        *resp.RenderedHTML,
		RawScore:      score,
		Answers:       make(map[string]map[string]any, len(resp.Answers)),
		Settings:      pick(resp.FormData, structuredSettingFields),
		KeptAnswers:   pick(resp.FormData, resp.Flags.KeptExtraAnswers),
		ProblemResult: resp.ProblemResult,
	}
	for id, ans := range resp.Answers {
		res.Answers[id] = pick(ans, AnswerFields)
	}
	return finish(res, maxScore), nil
}

func finish(r Result, maxScore float64) Result {
	r.RawScore = min(max(r.RawScore, 0), 1)
	r.ScaledScore = r.RawScore * maxScore
	return r
}

func pick(m map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

func decodeObject(raw []byte) (map[string]json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("null response")
	}
	return fields, nil
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool, error) {
	v, ok := fields[key]
	if !ok || string(v) == "null" {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false, fmt.Errorf("not a string")
	}
	return s, true, nil
}

// scoreField reads a score given as a JSON number or numeric string. Absent means 0.
// NaN and infinities are rejected.
func scoreField(v json.RawMessage) (float64, error) {
	if len(v) == 0 || string(v) == "null" {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, fmt.Errorf("not a number")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not finite: %q", s)
	}
	return f, nil
}
