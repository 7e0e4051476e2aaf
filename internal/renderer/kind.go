// Package renderer talks to a remote WeBWorK renderer and normalizes its two
// response shapes into one Result.
package renderer

import (
	"fmt"
	"strings"
)

// Kind selects the backend protocol. It is fixed by configuration, never guessed from a response.
type Kind int

const (
	// KindLegacy is the html2xml interface of a full WeBWorK server: GET with course
	// credentials, answered with HTML fragments to splice.
	KindLegacy Kind = iota + 1
	// KindStructured is the standalone renderer: POST form, answered with structured JSON.
	KindStructured
)

func (k Kind) String() string {
	switch k {
	case KindLegacy:
		return "html2xml"
	case KindStructured:
		return "standalone"
	}
	return "unknown"
}

// ParseKind maps a configured server type onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "html2xml":
		return KindLegacy, nil
	case "standalone":
		return KindStructured, nil
	}
	return 0, fmt.Errorf("unknown server type %q (expected html2xml or standalone)", s)
}

// Action is what the student asked the renderer to do.
type Action int

const (
	ActionLoad Action = iota + 1
	ActionCheck
	ActionPreview
	ActionShowCorrect
)

func (a Action) String() string {
	switch a {
	case ActionLoad:
		return "initialLoad"
	case ActionCheck:
		return "submitAnswers"
	case ActionPreview:
		return "previewAnswers"
	case ActionShowCorrect:
		return "showCorrectAnswers"
	}
	return "unknown"
}

// ParseSubmitType maps the submit_type discriminator of an inbound request onto an Action.
// The html2xml button names are accepted as aliases for a legacy backend.
func ParseSubmitType(k Kind, s string) (Action, bool) {
	switch s {
	case "initialLoad":
		return ActionLoad, true
	case "submitAnswers":
		return ActionCheck, true
	case "previewAnswers":
		return ActionPreview, true
	case "showCorrectAnswers":
		return ActionShowCorrect, true
	}
	if k == KindLegacy {
		switch s {
		case "WWsubmit":
			return ActionCheck, true
		case "preview":
			return ActionPreview, true
		case "WWcorrectAns":
			return ActionShowCorrect, true
		}
	}
	return 0, false
}
