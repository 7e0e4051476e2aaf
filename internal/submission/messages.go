package submission

import (
	"fmt"
	"strconv"
	"time"
)

const (
	msgError          = "An error occurred. Please try again later, and if the problem occurs again, please report the issue to the support staff."
	msgUnavailable    = "This problem is currently unavailable because no WeBWorK server is configured for it. Please report the issue to the support staff."
	msgNotFound       = "This problem could not be found."
	msgInvalidType    = "An error occurred - invalid submission type"
	msgSubmitLocked   = "Sorry, you cannot submit answers now."
	msgSubmitMaxed    = "Sorry, can't submit now since you made the maximum number of allowed submissions for credit."
	msgPreviewBlocked = "Sorry, you cannot preview answers now."
	msgForbidden      = "Sorry, this problem is set to forbid access to the correct answers."
	msgAnswersLater   = "Sorry, you cannot request to see the correct answers now."
	msgPreviewShown   = "A preview of how the system understands your answers should be provided in the table above the question."
	msgCorrectShown   = "Correct answers should be provided in the table above the question."

	// recorded on the first permitted show-correct request
	auditShowCorrect = "show correct answers - called for the first time when permitted"
)

func points(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func formatTime(t time.Time) string { return t.UTC().Format("Jan 02, 2006 at 15:04 UTC") }

// scoreView is the part of the state the messages are built from.
type scoreView struct {
	attempts int
	max      int // effective max attempts, 0 = unlimited
	best     float64
	maxScore float64
}

func (v scoreView) attemptsMessage() string {
	var m1, m2 string
	if v.attempts > 0 {
		m1 = fmt.Sprintf("So far you have made %d graded submissions to this problem.", v.attempts)
	} else {
		m1 = "You have not yet made a graded submission to this problem."
	}
	if v.max > 0 {
		m2 = fmt.Sprintf("You are allowed at most %d graded submissions to this problem.", v.max)
	} else {
		m2 = "You are allowed an unlimited number of graded submissions to this problem."
	}
	return "<br>" + m1 + "<br>" + m2
}

// current is shown on load, preview, show-correct and blocked requests.
func (v scoreView) current() string {
	if v.attempts == 0 {
		return v.attemptsMessage()
	}
	return fmt.Sprintf("Your recorded (best) score is %s points from %s points.%s",
		points(v.best), points(v.maxScore), v.attemptsMessage())
}

// score describes a submission's score against priorBest, the best score before it.
func (v scoreView) score(newScore, priorBest float64, saved bool) string {
	got := fmt.Sprintf("Your score from this submission is %s from %s points.", points(newScore), points(v.maxScore))
	if !saved {
		return "<strong>This is a submission which is not for credit.</strong><br>" + got + "<br>" +
			fmt.Sprintf("Your recorded best score on the problem is %s points.", points(priorBest))
	}
	if newScore > priorBest {
		return got + "<br>" +
			fmt.Sprintf("The new score will replace your prior best score of %s points.%s", points(priorBest), v.attemptsMessage())
	}
	return got + "<br>" +
		fmt.Sprintf("That is less than your prior best score of %s points, so the prior score remains your current recorded score for the problem.%s",
			points(priorBest), v.attemptsMessage())
}

func notForCreditNotice(max int) string {
	return fmt.Sprintf("You have exceeded the maximum number (%d) of graded attempts allowed on this problem.", max) +
		"<br>This and additional submissions are allowed, but your recorded grade will not be changed." +
		"<br>You may now also use the Show Correct Answers button."
}

func untilMessage(prefix string, at *time.Time) string {
	if at == nil {
		return ""
	}
	return "<br>" + prefix + " " + formatTime(*at)
}

func moreAttemptsMessage(required, used int) string {
	return fmt.Sprintf("Correct answers for this problem will become available after you submit at least %d answers.", required) +
		fmt.Sprintf(" <br>You have already submitted %d answers to be graded.", used)
}
