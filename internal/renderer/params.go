package renderer

import "strconv"

type params map[string]string

// merge returns a copy of p overlaid with the given sets, later sets winning.
func (p params) merge(sets ...params) params {
	out := make(params, len(p))
	for k, v := range p {
		out[k] = v
	}
	for _, s := range sets {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

// protocol holds the fixed parameter sets of one backend kind.
type protocol struct {
	// remove lists keys the client may never set; the request builder sets what it needs.
	remove  []string
	actions map[Action]params
}

var legacyBase = params{
	"language":     "en",
	"displayMode":  "MathJax",
	"outputformat": "json",
	"showFooter":   "0",
}

var legacyAnswered = legacyBase.merge(params{"showSummary": "1", "answersSubmitted": "1"})

var legacyProtocol = protocol{
	remove: []string{
		"send_pg_flags", "problemSeed", "psvn",
		"courseID", "userID", "session_key", "courseName", "course_password", "forcePortNumber",
		"theme", "showAnswerNumbers",
		"showCheckAnswersButton", "showCorrectAnswersButton", "showPreviewButton",
		"problemSource", "extra_header_text", "problem-result-score", "WWcheck", "clientDebug",
		"lis_outcome_service_url", "oauth_consumer_key", "oauth_signature_method", "lis_result_sourcedid",
	},
	actions: map[Action]params{
		ActionLoad:        legacyBase.merge(params{"answersSubmitted": "0"}),
		ActionCheck:       legacyAnswered.merge(params{"WWsubmit": "Check Answers"}),
		ActionPreview:     legacyAnswered.merge(params{"preview": "Preview My Answers"}),
		ActionShowCorrect: legacyAnswered.merge(params{"WWcorrectAns": "Show Correct Answers"}),
	},
}

var structuredBase = params{
	"format":          "json",
	"outputFormat":    "simple",
	"displayMode":     "MathJax",
	"permissionLevel": "0",
	"processAnswers":  "1",
	"showSummary":     "1",
	"showComments":    "0",
	"showHints":       "0",
	"showSolutions":   "0",
	"includeTags":     "0",
	"language":        "en",
}

var structuredAnswered = structuredBase.merge(params{"answersSubmitted": "1"})

var structuredProtocol = protocol{
	remove: []string{
		"problemSourceURL", "problemSource", "sourceFilePath", "problemSeed", "psvn",
		"formURL", "baseURL", "problemNumber", "numCorrect", "numIncorrect",
		"problemJWT", "sessionJWT", "answerJWT", "JWTanswerURL",
	},
	actions: map[Action]params{
		ActionLoad:        structuredBase.merge(params{"answersSubmitted": "0"}),
		ActionCheck:       structuredAnswered.merge(params{"submitAnswers": "Check Answers"}),
		ActionPreview:     structuredAnswered.merge(params{"previewAnswers": "Preview My Answers"}),
		ActionShowCorrect: structuredAnswered.merge(params{"showCorrectAnswers": "Show Correct Answers"}),
	},
}

func protocolFor(k Kind) protocol {
	if k == KindLegacy {
		return legacyProtocol
	}
	return structuredProtocol
}

// snapshotRemove lists keys dropped from the answers snapshot stored before a submission.
var snapshotRemove = []string{
	"courseID", "userID", "session_key", "courseName", "course_password", "forcePortNumber",
	"displayMode", "outputformat", "theme", "showAnswerNumbers",
	"showCheckAnswersButton", "showCorrectAnswersButton", "showPreviewButton",
	"problemSource", "showFooter", "extra_header_text", "problem-result-score", "WWcheck", "clientDebug",
	"lis_outcome_service_url", "oauth_consumer_key", "oauth_signature_method", "lis_result_sourcedid",
	"problemSourceURL", "baseURL", "user", "effectiveUser", "format", "includeTags", "outputFormat",
	"permissionLevel", "showComments", "submit_type",
}

// Options are the per-instance and per-student values that shape a request.
type Options struct {
	Language       string
	NumCorrect     int
	NumIncorrect   int
	AllowHints     bool
	AllowSolutions bool
}

// BuildParams turns the form values a student submitted into the parameter set sent to
// the backend for action. Client-supplied security, session and action keys are discarded
// first; seed, psvn, problem path and credentials are added by the Client.
func BuildParams(k Kind, action Action, form map[string]string, opts Options) map[string]string {
	proto := protocolFor(k)
	out := make(map[string]string, len(form)+16)
	for key, v := range form {
		out[key] = v
	}
	delete(out, "submit_type")
	for _, key := range proto.remove {
		delete(out, key)
	}
	for _, set := range proto.actions {
		for key := range set {
			delete(out, key)
		}
	}
	for key, v := range proto.actions[action] {
		out[key] = v
	}
	if opts.Language != "" {
		out["language"] = opts.Language
	}
	if k == KindStructured {
		out["numCorrect"] = strconv.Itoa(opts.NumCorrect)
		out["numIncorrect"] = strconv.Itoa(opts.NumIncorrect)
		if opts.AllowHints {
			out["showHints"] = "1"
		}
	}
	if action == ActionShowCorrect && opts.AllowSolutions {
		out["showSolutions"] = "1"
	}
	return out
}

// SnapshotAnswers is the copy of a submission kept in student state before the backend
// is contacted, so a failed call still records what was attempted.
func SnapshotAnswers(form map[string]string) map[string]string {
	out := make(map[string]string, len(form))
	for k, v := range form {
		out[k] = v
	}
	for _, k := range snapshotRemove {
		delete(out, k)
	}
	return out
}
