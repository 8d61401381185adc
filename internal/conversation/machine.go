// Package conversation drives the per-user dialogue with the bot.
//
// Every inbound message goes through the same path: access check, trigger
// parsing, one step of the dispatch table in transition.go, a store update,
// then the step's action. The store is updated before the action runs, so a
// failing or panicking action still leaves the user Idle.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"

	"github.com/gluk-w/kvasbot/internal/classify"
	"github.com/gluk-w/kvasbot/internal/executor"
	"github.com/gluk-w/kvasbot/internal/format"
	"github.com/gluk-w/kvasbot/internal/logutil"
	"github.com/gluk-w/kvasbot/internal/messages"
	"github.com/gluk-w/kvasbot/internal/transport"
)

// ErrAccessDenied is returned by Authorize for users outside the allow-set.
var ErrAccessDenied = errors.New("access denied")

// Inbound is a chat message reduced to what the dialogue needs.
type Inbound struct {
	UserID int64
	Text   string
}

// Format selects how the chat client renders Reply.Text.
type Format int

const (
	Plain Format = iota
	HTML
)

// Reply is an outbound chat message.
type Reply struct {
	UserID int64
	Text   string
	Format Format
	// Keyboard replaces the reply keyboard when non-nil.
	Keyboard [][]string
	// RemoveKeyboard hides the reply keyboard. Ignored when Keyboard is set.
	RemoveKeyboard bool
}

// Sender delivers replies to the chat platform.
type Sender interface {
	Send(ctx context.Context, r Reply) error
}

// Runner executes remote verbs.
type Runner interface {
	Execute(ctx context.Context, inv executor.Invocation) (string, error)
	Ping(ctx context.Context, userID int64) error
}

// Machine handles inbound messages for all users.
type Machine struct {
	store   *Store
	runner  Runner
	sender  Sender
	cat     *messages.Catalog
	allowed map[int64]struct{}
}

// NewMachine creates a Machine. allowed is copied.
func NewMachine(store *Store, runner Runner, sender Sender, cat *messages.Catalog, allowed []int64) *Machine {
	set := make(map[int64]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	return &Machine{
		store:   store,
		runner:  runner,
		sender:  sender,
		cat:     cat,
		allowed: set,
	}
}

// Authorize returns ErrAccessDenied unless userID is in the allow-set.
func (m *Machine) Authorize(userID int64) error {
	if _, ok := m.allowed[userID]; !ok {
		return ErrAccessDenied
	}
	return nil
}

// Handle processes one inbound message. It never panics; the returned error
// only reports replies that could not be delivered.
func (m *Machine) Handle(ctx context.Context, in Inbound) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[conversation] ERROR: panic handling message from user %d: %v\n%s", in.UserID, r, debug.Stack())
			m.store.Delete(in.UserID)
			err = m.sendAfterPanic(ctx, in.UserID)
		}
	}()

	if err := m.Authorize(in.UserID); err != nil {
		log.Printf("[conversation] %v: user %d sent %q", err, in.UserID, logutil.SanitizeForLog(format.Truncate(in.Text, 64)))
		if err := m.sender.Send(ctx, Reply{UserID: in.UserID, Text: m.cat.AccessDenied, RemoveKeyboard: true}); err != nil {
			return fmt.Errorf("send denial to user %d: %w", in.UserID, err)
		}
		return nil
	}

	state := m.store.Get(in.UserID)
	trigger := ParseTrigger(m.cat, in.Text)
	step := Transition(state, trigger, in.Text)

	switch step.Outcome {
	case Continue:
		if step.Next != state || step.Action != ActionInvalidAnswer {
			m.store.Set(in.UserID, step.Next)
		}
	default:
		m.store.Delete(in.UserID)
	}
	if state != step.Next {
		log.Printf("[conversation] user %d: %s --%s--> %s (%s, %s)", in.UserID, state, trigger, step.Next, step.Outcome, step.Action)
	}

	return m.perform(ctx, in.UserID, step)
}

func (m *Machine) perform(ctx context.Context, userID int64, step Step) error {
	c := m.cat
	menu := c.MenuKeyboard()

	switch step.Action {
	case ActionShowMenu:
		return m.send(ctx, userID, c.Start, HTML, menu)
	case ActionShowHelp:
		return m.send(ctx, userID, c.Help, HTML, menu)
	case ActionPing:
		if err := m.runner.Ping(ctx, userID); err != nil {
			log.Printf("[conversation] ERROR: connectivity test for user %d failed: %v", userID, err)
			return m.send(ctx, userID, c.TestFailed, Plain, menu)
		}
		return m.send(ctx, userID, c.TestOK, Plain, menu)
	case ActionList:
		return m.list(ctx, userID)
	case ActionPromptAdd:
		return m.send(ctx, userID, c.AddPrompt, Plain, c.PromptKeyboard())
	case ActionPromptDelete:
		return m.send(ctx, userID, c.DeletePrompt, Plain, c.PromptKeyboard())
	case ActionPromptReboot:
		return m.send(ctx, userID, c.RebootPrompt, Plain, c.ConfirmKeyboard())
	case ActionAdd, ActionDelete:
		return m.changeList(ctx, userID, step)
	case ActionReboot:
		if _, err := m.runner.Execute(ctx, executor.Invocation{Verb: executor.VerbReboot, UserID: userID}); err != nil {
			return m.sendError(ctx, userID, executor.VerbReboot, err)
		}
		return m.send(ctx, userID, c.RebootDone, Plain, menu)
	case ActionRebootDeclined:
		return m.send(ctx, userID, c.RebootDeclined, Plain, menu)
	case ActionInvalidDomain:
		return m.send(ctx, userID, c.InvalidDomain, Plain, menu)
	case ActionInvalidAnswer:
		return m.send(ctx, userID, c.InvalidAnswer, Plain, c.ConfirmKeyboard())
	case ActionCancel:
		return m.send(ctx, userID, c.Cancelled, Plain, menu)
	case ActionNothingToCancel:
		return m.send(ctx, userID, c.NothingToCancel, Plain, menu)
	default:
		return m.send(ctx, userID, c.Unknown, Plain, menu)
	}
}

func (m *Machine) list(ctx context.Context, userID int64) error {
	c := m.cat
	raw, err := m.runner.Execute(ctx, executor.Invocation{Verb: executor.VerbList, UserID: userID})
	if err != nil {
		return m.sendError(ctx, userID, executor.VerbList, err)
	}
	res := classify.Classify(executor.VerbList, raw)
	if res.Verdict != classify.Success {
		return m.send(ctx, userID, fmt.Sprintf(c.CommandFailed, format.Preformatted(res.Detail, classify.MaxDetail)), HTML, c.MenuKeyboard())
	}
	cleaned := format.CleanTerminalOutput(raw)
	if cleaned == "" {
		log.Printf("[conversation] empty list returned for user %d", userID)
		return m.send(ctx, userID, c.ListEmpty, Plain, c.MenuKeyboard())
	}
	return m.send(ctx, userID, fmt.Sprintf(c.ListHeader, cleaned), HTML, c.MenuKeyboard())
}

// changeList runs add or delete with a progress reply first.
func (m *Machine) changeList(ctx context.Context, userID int64, step Step) error {
	c := m.cat
	verb, progress := executor.VerbAdd, c.AddProgress
	if step.Action == ActionDelete {
		verb, progress = executor.VerbDelete, c.DeleteProgress
	}
	d := format.Escape(step.Argument)

	if err := m.send(ctx, userID, fmt.Sprintf(progress, d), HTML, nil); err != nil {
		return err
	}

	raw, err := m.runner.Execute(ctx, executor.Invocation{Verb: verb, Argument: step.Argument, UserID: userID})
	if err != nil {
		return m.sendError(ctx, userID, verb, err)
	}

	res := classify.Classify(verb, raw)
	detail := format.Preformatted(res.Detail, classify.MaxDetail)
	var text string
	switch {
	case res.Verdict == classify.Success && verb == executor.VerbAdd:
		text = fmt.Sprintf(c.Added, d)
	case res.Verdict == classify.Success:
		text = fmt.Sprintf(c.Deleted, d)
	case res.Verdict == classify.NotFound:
		text = fmt.Sprintf(c.NotInList, d)
	case verb == executor.VerbAdd:
		log.Printf("[conversation] ERROR: add %s for user %d: unexpected output %q", step.Argument, userID, logutil.SanitizeForLog(res.Detail))
		text = fmt.Sprintf(c.AddFailed, detail)
	default:
		log.Printf("[conversation] ERROR: delete %s for user %d: unexpected output %q", step.Argument, userID, logutil.SanitizeForLog(res.Detail))
		text = fmt.Sprintf(c.DeleteFailed, detail)
	}
	return m.send(ctx, userID, text, HTML, c.MenuKeyboard())
}

// sendError maps an executor error onto a user-facing reply.
func (m *Machine) sendError(ctx context.Context, userID int64, verb executor.Verb, err error) error {
	c := m.cat
	menu := c.MenuKeyboard()

	var ve *executor.ValidationError
	var ee *transport.ExecError
	switch {
	case errors.As(err, &ve):
		return m.send(ctx, userID, c.InvalidDomain, Plain, menu)
	case errors.Is(err, transport.ErrUnreachable):
		log.Printf("[conversation] ERROR: %s for user %d: router unreachable: %v", verb, userID, err)
		return m.send(ctx, userID, c.Unreachable, Plain, menu)
	case errors.As(err, &ee) && ee.Kind == transport.KindTimeout:
		log.Printf("[conversation] ERROR: %s for user %d timed out: %v", verb, userID, err)
		return m.send(ctx, userID, c.Timeout, Plain, menu)
	case errors.As(err, &ee) && ee.Kind == transport.KindNonZeroExit:
		log.Printf("[conversation] ERROR: %s for user %d failed: %v", verb, userID, err)
		diag := ee.Stderr
		if diag == "" {
			diag = ee.Error()
		}
		return m.send(ctx, userID, fmt.Sprintf(c.CommandFailed, format.Preformatted(diag, classify.MaxDetail)), HTML, menu)
	default:
		log.Printf("[conversation] ERROR: %s for user %d: %v", verb, userID, err)
		return m.send(ctx, userID, c.Failure, Plain, menu)
	}
}

func (m *Machine) send(ctx context.Context, userID int64, text string, f Format, keyboard [][]string) error {
	err := m.sender.Send(ctx, Reply{UserID: userID, Text: text, Format: f, Keyboard: keyboard})
	if err != nil {
		return fmt.Errorf("send reply to user %d: %w", userID, err)
	}
	return nil
}

// sendAfterPanic sends the generic failure reply. A second panic, from the
// sender itself, is reported as an error.
func (m *Machine) sendAfterPanic(ctx context.Context, userID int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send failure reply to user %d: panic: %v", userID, r)
		}
	}()
	return m.send(ctx, userID, m.cat.Failure, Plain, m.cat.MenuKeyboard())
}
