package conversation

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"calbot/internal/calendar"
	"calbot/internal/dispatch"
	"calbot/internal/registration"
	"calbot/internal/subscriber"
	"calbot/pkg/logx"
)

type fakeRegistrar struct {
	subs        map[int64]subscriber.Subscriber
	badURLs     map[string]error
	reconfigs   int
	unsubscribe int
}

func newFake() *fakeRegistrar {
	return &fakeRegistrar{subs: map[int64]subscriber.Subscriber{}, badURLs: map[string]error{}}
}

func (f *fakeRegistrar) Register(_ context.Context, id int64, url string) (subscriber.Subscriber, error) {
	if err := f.badURLs[url]; err != nil {
		return subscriber.Subscriber{}, err
	}
	s := subscriber.Subscriber{ID: id, URL: url}
	f.subs[id] = s
	return s, nil
}

func (f *fakeRegistrar) ReconfigureText(_ context.Context, id int64, raw string) (int, int, error) {
	h, m, err := dispatch.ParseFireTime(raw)
	if err != nil {
		return 0, 0, err
	}
	s, ok := f.subs[id]
	if !ok {
		return 0, 0, registration.ErrNotFound
	}
	s.Hour, s.Minute = h, m
	f.subs[id] = s
	f.reconfigs++
	return h, m, nil
}

func (f *fakeRegistrar) Unsubscribe(_ context.Context, id int64) error {
	if _, ok := f.subs[id]; !ok {
		return registration.ErrNotFound
	}
	delete(f.subs, id)
	f.unsubscribe++
	return nil
}

func (f *fakeRegistrar) Preview(_ context.Context, id int64, offset int) (string, error) {
	if _, ok := f.subs[id]; !ok {
		return "", registration.ErrNotFound
	}
	return fmt.Sprintf("preview+%d", offset), nil
}

func (f *fakeRegistrar) Lookup(id int64) (subscriber.Subscriber, bool) {
	s, ok := f.subs[id]
	return s, ok
}

func text(id int64, s string) Input { return Input{UserID: id, Text: s} }
func cmd(id int64, c, args string) Input { return Input{UserID: id, Command: c, Args: args} }

func TestRegistrationDialogue(t *testing.T) {
	t.Parallel()

	reg := newFake()
	reg.badURLs["https://bad.test/x.ics"] = fmt.Errorf("%w: 404", calendar.ErrFeedUnreachable)
	m := New(reg, time.Minute, logx.Nop())
	ctx := context.Background()

	if out := m.Handle(ctx, cmd(1, "start", "")); out[0] != msgAskURL || m.State(1) != AwaitingURL {
		t.Fatalf("start: %q state=%v", out, m.State(1))
	}

	out := m.Handle(ctx, text(1, "https://bad.test/x.ics"))
	if m.State(1) != AwaitingURL || !strings.Contains(out[0], "could not download") {
		t.Fatalf("bad url: %q state=%v", out, m.State(1))
	}

	out = m.Handle(ctx, text(1, "https://good.test/x.ics"))
	if m.State(1) != Idle {
		t.Fatalf("state after register = %v", m.State(1))
	}
	if len(out) != 2 || !strings.Contains(out[0], "00:00") || out[1] != "preview+0" {
		t.Fatalf("register replies = %q", out)
	}
	if m.Len() != 0 {
		t.Fatalf("idle users keep no session, have %d", m.Len())
	}
}

func TestTimeDialogue(t *testing.T) {
	t.Parallel()

	reg := newFake()
	reg.subs[2] = subscriber.Subscriber{ID: 2, URL: "u"}
	m := New(reg, time.Minute, logx.Nop())
	ctx := context.Background()

	m.Handle(ctx, cmd(2, "time", ""))
	if m.State(2) != AwaitingTime {
		t.Fatalf("state = %v", m.State(2))
	}

	out := m.Handle(ctx, text(2, "25:99"))
	if m.State(2) != AwaitingTime || !strings.Contains(out[0], "HH:MM") || reg.reconfigs != 0 {
		t.Fatalf("bad time: %q state=%v reconfigs=%d", out, m.State(2), reg.reconfigs)
	}

	out = m.Handle(ctx, text(2, "08:30"))
	if m.State(2) != Idle || reg.reconfigs != 1 || !strings.Contains(out[0], "08:30") {
		t.Fatalf("good time: %q state=%v", out, m.State(2))
	}
	if s := reg.subs[2]; s.Hour != 8 || s.Minute != 30 {
		t.Fatalf("subscriber = %+v", s)
	}
}

func TestTimeInlineAndUnregistered(t *testing.T) {
	t.Parallel()

	reg := newFake()
	m := New(reg, time.Minute, logx.Nop())
	ctx := context.Background()

	if out := m.Handle(ctx, cmd(3, "time", "07:00")); out[0] != msgNotStarted || m.State(3) != Idle {
		t.Fatalf("unregistered /time: %q", out)
	}
	reg.subs[3] = subscriber.Subscriber{ID: 3}
	if out := m.Handle(ctx, cmd(3, "time", "07:00")); !strings.Contains(out[0], "07:00") || reg.reconfigs != 1 {
		t.Fatalf("inline /time: %q", out)
	}
}

func TestCommandsLeaveDialogue(t *testing.T) {
	t.Parallel()

	reg := newFake()
	reg.subs[4] = subscriber.Subscriber{ID: 4}
	m := New(reg, time.Minute, logx.Nop())
	ctx := context.Background()

	m.Handle(ctx, cmd(4, "start", ""))
	if out := m.Handle(ctx, cmd(4, "tomorrow", "")); out[0] != "preview+1" || m.State(4) != Idle {
		t.Fatalf("/tomorrow while awaiting url: %q state=%v", out, m.State(4))
	}

	m.Handle(ctx, cmd(4, "time", ""))
	if out := m.Handle(ctx, cmd(4, "cancel", "")); out[0] != msgCancelled || m.State(4) != Idle {
		t.Fatalf("/cancel: %q", out)
	}

	if out := m.Handle(ctx, cmd(4, "stop", "")); out[0] != msgStopped || reg.unsubscribe != 1 {
		t.Fatalf("/stop: %q", out)
	}
	if out := m.Handle(ctx, cmd(4, "today", "")); !strings.Contains(out[0], "/start") {
		t.Fatalf("/today after stop: %q", out)
	}
}

func TestSessionExpires(t *testing.T) {
	t.Parallel()

	m := New(newFake(), 20*time.Millisecond, logx.Nop())
	m.Handle(context.Background(), cmd(5, "start", ""))
	if m.State(5) != AwaitingURL {
		t.Fatalf("state = %v", m.State(5))
	}
	time.Sleep(50 * time.Millisecond)
	if m.State(5) != Idle {
		t.Fatalf("session did not expire")
	}
}
