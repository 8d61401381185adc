package conversation

import (
	"strings"

	"github.com/gluk-w/kvasbot/internal/domain"
	"github.com/gluk-w/kvasbot/internal/messages"
)

// State is the flow a user is in.
type State int

const (
	Idle State = iota
	AwaitingAddDomain
	AwaitingDeleteDomain
	AwaitingRebootConfirm
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingAddDomain:
		return "awaiting-add-domain"
	case AwaitingDeleteDomain:
		return "awaiting-delete-domain"
	case AwaitingRebootConfirm:
		return "awaiting-reboot-confirm"
	default:
		return "unknown"
	}
}

// Trigger is the normalised meaning of an inbound message.
type Trigger int

const (
	// TriggerText is free text that matched nothing else.
	TriggerText Trigger = iota
	TriggerStart
	TriggerHelp
	TriggerTest
	TriggerList
	TriggerAdd
	TriggerDelete
	TriggerReboot
	TriggerCancel
	TriggerYes
	TriggerNo
)

func (t Trigger) String() string {
	switch t {
	case TriggerText:
		return "text"
	case TriggerStart:
		return "start"
	case TriggerHelp:
		return "help"
	case TriggerTest:
		return "test"
	case TriggerList:
		return "list"
	case TriggerAdd:
		return "add"
	case TriggerDelete:
		return "delete"
	case TriggerReboot:
		return "reboot"
	case TriggerCancel:
		return "cancel"
	case TriggerYes:
		return "yes"
	case TriggerNo:
		return "no"
	default:
		return "unknown"
	}
}

// ParseTrigger maps text onto a trigger using the slash commands and the
// labels of cat.
func ParseTrigger(cat *messages.Catalog, text string) Trigger {
	t := strings.TrimSpace(text)

	// "/start@botname" is how commands arrive in group chats.
	if strings.HasPrefix(t, "/") {
		cmd, _, _ := strings.Cut(t, " ")
		cmd, _, _ = strings.Cut(cmd, "@")
		switch strings.ToLower(cmd) {
		case "/start", "/menu":
			return TriggerStart
		case "/help":
			return TriggerHelp
		case "/test":
			return TriggerTest
		case "/list":
			return TriggerList
		case "/add":
			return TriggerAdd
		case "/delete", "/del":
			return TriggerDelete
		case "/reboot":
			return TriggerReboot
		case "/cancel":
			return TriggerCancel
		}
		return TriggerText
	}

	switch t {
	case cat.Labels.List:
		return TriggerList
	case cat.Labels.Add:
		return TriggerAdd
	case cat.Labels.Delete:
		return TriggerDelete
	case cat.Labels.Reboot:
		return TriggerReboot
	case cat.Labels.Cancel:
		return TriggerCancel
	}
	switch {
	case cat.IsYes(t):
		return TriggerYes
	case cat.IsNo(t):
		return TriggerNo
	}
	return TriggerText
}

// Outcome tells the store what to do with the user's session after a step.
type Outcome int

const (
	// Continue keeps (or starts) a flow in Step.Next.
	Continue Outcome = iota
	// Complete ends the flow after running its action.
	Complete
	// Reset discards any flow without running a remote action for it.
	Reset
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Complete:
		return "complete"
	case Reset:
		return "reset"
	default:
		return "unknown"
	}
}

// Action is the side effect a step asks for.
type Action int

const (
	ActionUnknown Action = iota
	ActionShowMenu
	ActionShowHelp
	ActionPing
	ActionList
	ActionPromptAdd
	ActionPromptDelete
	ActionPromptReboot
	ActionAdd
	ActionDelete
	ActionReboot
	ActionRebootDeclined
	ActionInvalidDomain
	ActionInvalidAnswer
	ActionCancel
	ActionNothingToCancel
)

func (a Action) String() string {
	names := [...]string{
		"unknown", "show-menu", "show-help", "ping", "list",
		"prompt-add", "prompt-delete", "prompt-reboot",
		"add", "delete", "reboot", "reboot-declined",
		"invalid-domain", "invalid-answer", "cancel", "nothing-to-cancel",
	}
	if int(a) < len(names) {
		return names[a]
	}
	return "action(?)"
}

// Step is the result of one transition.
type Step struct {
	Outcome Outcome
	// Next is the state after the step. It is Idle unless Outcome is Continue.
	Next   State
	Action Action
	// Argument is the normalised domain for ActionAdd and ActionDelete.
	Argument string
}

// isMenu reports whether t is a non-flow menu trigger.
func (t Trigger) isMenu() bool {
	switch t {
	case TriggerStart, TriggerHelp, TriggerTest, TriggerList:
		return true
	}
	return false
}

func cont(next State, a Action) Step { return Step{Outcome: Continue, Next: next, Action: a} }
func complete(a Action, arg string) Step {
	return Step{Outcome: Complete, Next: Idle, Action: a, Argument: arg}
}
func reset(a Action) Step { return Step{Outcome: Reset, Next: Idle, Action: a} }

// Transition is the dispatch table. It is a pure function of the current
// state, the trigger and the message text.
//
// Flow-entry triggers (add, delete, reboot) start their flow from any state,
// replacing a pending one. Cancel discards a pending flow. Menu triggers
// (start, help, test, list) discard a pending domain prompt, but a pending
// reboot confirmation only ends with yes, no, cancel or a new flow, so there
// they are an invalid answer. Everything else is interpreted by the current
// state.
func Transition(state State, trigger Trigger, text string) Step {
	if state == AwaitingRebootConfirm && trigger.isMenu() {
		return cont(AwaitingRebootConfirm, ActionInvalidAnswer)
	}

	switch trigger {
	case TriggerAdd:
		return cont(AwaitingAddDomain, ActionPromptAdd)
	case TriggerDelete:
		return cont(AwaitingDeleteDomain, ActionPromptDelete)
	case TriggerReboot:
		return cont(AwaitingRebootConfirm, ActionPromptReboot)
	case TriggerCancel:
		if state == Idle {
			return reset(ActionNothingToCancel)
		}
		return reset(ActionCancel)
	case TriggerStart:
		return reset(ActionShowMenu)
	case TriggerHelp:
		return reset(ActionShowHelp)
	case TriggerTest:
		return reset(ActionPing)
	case TriggerList:
		return reset(ActionList)
	}

	switch state {
	case AwaitingAddDomain, AwaitingDeleteDomain:
		d := domain.Normalize(text)
		if !domain.Valid(d) {
			return reset(ActionInvalidDomain)
		}
		if state == AwaitingAddDomain {
			return complete(ActionAdd, d)
		}
		return complete(ActionDelete, d)
	case AwaitingRebootConfirm:
		switch trigger {
		case TriggerYes:
			return complete(ActionReboot, "")
		case TriggerNo:
			return complete(ActionRebootDeclined, "")
		}
		return cont(AwaitingRebootConfirm, ActionInvalidAnswer)
	}
	return reset(ActionUnknown)
}
