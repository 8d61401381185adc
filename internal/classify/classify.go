// Package classify turns the raw output of a remote verb into a verdict.
//
// The unblocking tool has no structured output, so verdicts come from fixed
// substrings in its Russian-language messages. A change in the tool's wording
// shows up here as Failure verdicts carrying the new output.
package classify

import (
	"strings"
	"unicode/utf8"

	"github.com/gluk-w/kvasbot/internal/executor"
)

// Markers printed by kvas.
const (
	MarkerAdded    = "ДОБАВЛЕН"
	MarkerDeleted  = "УДАЛЕН"
	MarkerNotFound = "Такая запись отсутствует в списке разблокировки!"
)

// MaxDetail is the maximum length of Result.Detail in runes.
const MaxDetail = 200

// Verdict is the classified outcome of a remote command.
type Verdict int

const (
	Failure Verdict = iota
	Success
	NotFound
)

func (v Verdict) String() string {
	switch v {
	case Success:
		return "success"
	case NotFound:
		return "not-found"
	default:
		return "failure"
	}
}

// Result is a verdict plus the (bounded) output it was derived from.
type Result struct {
	Verdict Verdict
	Detail  string
}

// Classify maps the output of verb to exactly one verdict. It is pure.
func Classify(verb executor.Verb, raw string) Result {
	detail := truncate(strings.TrimSpace(raw), MaxDetail)

	var v Verdict
	switch verb {
	case executor.VerbAdd:
		if strings.Contains(raw, MarkerAdded) {
			v = Success
		}
	case executor.VerbDelete:
		// The not-found marker takes precedence.
		switch {
		case strings.Contains(raw, MarkerNotFound):
			v = NotFound
		case strings.Contains(raw, MarkerDeleted):
			v = Success
		}
	case executor.VerbList, executor.VerbReboot:
		v = Success
	}
	return Result{Verdict: v, Detail: detail}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
