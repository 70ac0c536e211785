// Package conversation drives the chat dialogue that collects a feed URL and
// a fire time. Each user is in one State; each State has one transition
// function. Sessions expire after a period of silence.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"calbot/internal/registration"
	"calbot/internal/subscriber"
	"calbot/pkg/logx"
)

type State int

const (
	Idle State = iota
	AwaitingURL
	AwaitingTime
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingURL:
		return "awaiting_url"
	case AwaitingTime:
		return "awaiting_time"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Input is one user message. Command is the bare command name ("start") or
// empty for plain text; Args is the rest of the line.
type Input struct {
	UserID  int64
	Command string
	Args    string
	Text    string
}

// Registrar is satisfied by *registration.Service.
type Registrar interface {
	Register(ctx context.Context, id int64, url string) (subscriber.Subscriber, error)
	ReconfigureText(ctx context.Context, id int64, raw string) (hour, minute int, err error)
	Unsubscribe(ctx context.Context, id int64) error
	Preview(ctx context.Context, id int64, offset int) (string, error)
	Lookup(id int64) (subscriber.Subscriber, bool)
}

type transition func(m *Machine, ctx context.Context, in Input) (State, []string)

var transitions = map[State]transition{
	Idle:         (*Machine).idle,
	AwaitingURL:  (*Machine).awaitingURL,
	AwaitingTime: (*Machine).awaitingTime,
}

const (
	msgAskURL     = "Send me the link to your iCal feed (http, https or webcal)."
	msgAskTime    = "At what time should I send tomorrow's schedule? Reply with HH:MM (Europe/Berlin)."
	msgCancelled  = "Cancelled."
	msgIdleHint   = "Use /start to register your calendar or /help to see all commands."
	msgStopped    = "You are unsubscribed. Use /start to register again."
	msgNotStarted = "You are not registered yet. Use /start to add your calendar."
)

type Machine struct {
	reg      Registrar
	sessions *cache.Cache
	log      logx.Logger
}

func New(reg Registrar, ttl time.Duration, log logx.Logger) *Machine {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Machine{reg: reg, sessions: cache.New(ttl, 2*ttl), log: log}
}

// State reports the current state of id; expired sessions are Idle.
func (m *Machine) State(id int64) State {
	if v, ok := m.sessions.Get(key(id)); ok {
		if st, ok := v.(State); ok {
			return st
		}
	}
	return Idle
}

// Handle applies in to the user's state and returns the replies to send.
func (m *Machine) Handle(ctx context.Context, in Input) []string {
	cur := m.State(in.UserID)
	next, replies := transitions[cur](m, ctx, in)
	if next == Idle {
		m.sessions.Delete(key(in.UserID))
	} else {
		m.sessions.Set(key(in.UserID), next, cache.DefaultExpiration)
	}
	if next != cur {
		m.log.Debug("conversation state changed",
			logx.Subscriber(in.UserID),
			logx.Stringer("from", cur),
			logx.Stringer("to", next),
		)
	}
	return replies
}

// Len is the number of live non-idle sessions.
func (m *Machine) Len() int { return m.sessions.ItemCount() }

func key(id int64) string { return strconv.FormatInt(id, 10) }

func (m *Machine) idle(ctx context.Context, in Input) (State, []string) {
	switch in.Command {
	case "start":
		if in.Args != "" {
			return m.register(ctx, in.UserID, in.Args)
		}
		return AwaitingURL, []string{msgAskURL}
	case "time":
		if _, ok := m.reg.Lookup(in.UserID); !ok {
			return Idle, []string{msgNotStarted}
		}
		if in.Args != "" {
			return m.reconfigure(ctx, in.UserID, in.Args)
		}
		return AwaitingTime, []string{msgAskTime}
	case "today":
		return Idle, []string{m.preview(ctx, in.UserID, 0)}
	case "tomorrow":
		return Idle, []string{m.preview(ctx, in.UserID, 1)}
	case "stop":
		if err := m.reg.Unsubscribe(ctx, in.UserID); err != nil {
			return Idle, []string{m.failure(in.UserID, err)}
		}
		return Idle, []string{msgStopped}
	case "cancel":
		return Idle, []string{"Nothing to cancel."}
	default:
		return Idle, []string{msgIdleHint}
	}
}

func (m *Machine) awaitingURL(ctx context.Context, in Input) (State, []string) {
	if in.Command == "cancel" {
		return Idle, []string{msgCancelled}
	}
	if in.Command != "" {
		return m.idle(ctx, in)
	}
	return m.register(ctx, in.UserID, in.Text)
}

func (m *Machine) awaitingTime(ctx context.Context, in Input) (State, []string) {
	if in.Command == "cancel" {
		return Idle, []string{msgCancelled}
	}
	if in.Command != "" {
		return m.idle(ctx, in)
	}
	return m.reconfigure(ctx, in.UserID, in.Text)
}

func (m *Machine) register(ctx context.Context, id int64, url string) (State, []string) {
	sub, err := m.reg.Register(ctx, id, strings.TrimSpace(url))
	if err != nil {
		return AwaitingURL, []string{m.failure(id, err)}
	}
	replies := []string{fmt.Sprintf(
		"Calendar saved. You will get tomorrow's schedule every day at %s. Change it with /time.",
		sub.FireTime(),
	)}
	if preview, err := m.reg.Preview(ctx, id, 0); err == nil {
		replies = append(replies, preview)
	} else {
		m.log.Warn("preview failed", logx.Subscriber(id), logx.Err(err))
	}
	return Idle, replies
}

func (m *Machine) reconfigure(ctx context.Context, id int64, raw string) (State, []string) {
	h, mm, err := m.reg.ReconfigureText(ctx, id, raw)
	switch {
	case err == nil:
		return Idle, []string{fmt.Sprintf("Done. Your schedule will arrive daily at %02d:%02d.", h, mm)}
	case errors.Is(err, registration.ErrInvalidTime):
		return AwaitingTime, []string{registration.UserMessage(err)}
	default:
		return Idle, []string{m.failure(id, err)}
	}
}

func (m *Machine) preview(ctx context.Context, id int64, offset int) string {
	text, err := m.reg.Preview(ctx, id, offset)
	if err != nil {
		return m.failure(id, err)
	}
	return text
}

func (m *Machine) failure(id int64, err error) string {
	m.log.Info("request rejected", logx.Subscriber(id), logx.Err(err))
	return registration.UserMessage(err)
}
