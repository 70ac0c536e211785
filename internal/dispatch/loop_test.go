package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	_ "time/tzdata"

	"calbot/internal/calendar"
	"calbot/internal/clock"
	"calbot/internal/ledger"
	"calbot/internal/render"
	"calbot/internal/storage"
	"calbot/internal/subscriber"
	"calbot/pkg/logx"
)

type staticSubs []subscriber.Subscriber

func (s staticSubs) List() []subscriber.Subscriber { return append([]subscriber.Subscriber(nil), s...) }

type fakeEvents struct {
	mu    sync.Mutex
	fail  map[string]error
	calls []clock.Day
}

func (f *fakeEvents) EventsOn(ctx context.Context, url string, day clock.Day) ([]calendar.Event, error) {
	f.mu.Lock()
	f.calls = append(f.calls, day)
	err := f.fail[url]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return nil, nil
}

type sent struct {
	id   int64
	text string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sent
	fail map[int64]error
}

func (f *fakeNotifier) Send(ctx context.Context, id int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[id]; err != nil {
		return err
	}
	f.sent = append(f.sent, sent{id: id, text: text})
	return nil
}

func (f *fakeNotifier) ids() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.id)
	}
	return out
}

func berlin(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	return loc
}

type fixture struct {
	loop   *Loop
	events *fakeEvents
	notify *fakeNotifier
	ledger *ledger.Ledger
	logs   *bytes.Buffer
	loc    *time.Location
}

func newFixture(t *testing.T, subs []subscriber.Subscriber, now time.Time) *fixture {
	t.Helper()
	f := &fixture{
		events: &fakeEvents{fail: map[string]error{}},
		notify: &fakeNotifier{fail: map[int64]error{}},
		ledger: ledger.New(storage.NewMemory()),
		logs:   &bytes.Buffer{},
		loc:    berlin(t),
	}
	f.loop = NewLoop(Config{Location: f.loc, Concurrency: 3}, Deps{
		Subscribers: staticSubs(subs),
		Events:      f.events,
		Notifier:    f.notify,
		Ledger:      f.ledger,
		Clock:       clock.NewManual(now),
		Log:         logx.NewWriter(f.logs, "debug"),
	})
	return f
}

func TestTickIsolatesFailingFeed(t *testing.T) {
	t.Parallel()

	loc := berlin(t)
	var subs []subscriber.Subscriber
	for i := int64(1); i <= 5; i++ {
		subs = append(subs, subscriber.Subscriber{ID: i, URL: fmt.Sprintf("https://feeds.test/%d.ics", i), Hour: 8, Minute: 30})
	}
	now := time.Date(2025, 3, 10, 8, 30, 10, 0, loc)
	f := newFixture(t, subs, now)
	f.events.fail["https://feeds.test/3.ics"] = fmt.Errorf("%w: status 404", calendar.ErrFeedUnreachable)

	rep := f.loop.Tick(context.Background(), now.Add(-30*time.Second), now)

	if rep.Due != 5 || rep.Sent != 4 || rep.Failed != 1 {
		t.Fatalf("report = %+v, want due=5 sent=4 failed=1", rep)
	}
	got := map[int64]bool{}
	for _, id := range f.notify.ids() {
		got[id] = true
	}
	if len(got) != 4 || got[3] {
		t.Fatalf("sent to %v, want everyone but 3", f.notify.ids())
	}
	out := f.logs.String()
	if n := strings.Count(out, "notification failed"); n != 1 {
		t.Fatalf("failure logged %d times, want 1\n%s", n, out)
	}
	if !strings.Contains(out, "subscriber_id=3") {
		t.Fatalf("failure log misses subscriber id:\n%s", out)
	}
}

func TestTickSendsTomorrow(t *testing.T) {
	t.Parallel()

	loc := berlin(t)
	now := time.Date(2025, 3, 10, 20, 0, 5, 0, loc)
	f := newFixture(t, []subscriber.Subscriber{{ID: 7, URL: "u", Hour: 20}}, now)

	f.loop.Tick(context.Background(), now.Add(-30*time.Second), now)

	want := clock.Day{Year: 2025, Month: time.March, Dom: 11}
	if len(f.events.calls) != 1 || f.events.calls[0] != want {
		t.Fatalf("fetched days %v, want [%v]", f.events.calls, want)
	}
	if len(f.notify.sent) != 1 || f.notify.sent[0].text != render.NoEventsTomorrow {
		t.Fatalf("sent %+v", f.notify.sent)
	}
}

func TestTickNotDue(t *testing.T) {
	t.Parallel()

	loc := berlin(t)
	now := time.Date(2025, 3, 10, 8, 31, 0, 0, loc)
	f := newFixture(t, []subscriber.Subscriber{{ID: 1, URL: "u", Hour: 8, Minute: 30}}, now)

	// 08:30:00 lies exactly on prev, which is outside (prev, now].
	rep := f.loop.Tick(context.Background(), time.Date(2025, 3, 10, 8, 30, 0, 0, loc), now)
	if rep.Due != 0 || len(f.notify.sent) != 0 {
		t.Fatalf("report = %+v, sent %v", rep, f.notify.sent)
	}
}

func TestTickFireTimeInDSTGap(t *testing.T) {
	t.Parallel()

	loc := berlin(t)
	now := time.Date(2025, 3, 30, 4, 0, 0, 0, loc)
	f := newFixture(t, []subscriber.Subscriber{{ID: 4, URL: "u", Hour: 2, Minute: 30}}, now)

	rep := f.loop.Tick(context.Background(), time.Date(2025, 3, 30, 1, 0, 0, 0, loc), now)
	if rep.Due != 1 || rep.Sent != 1 {
		t.Fatalf("report = %+v, want due=1 sent=1", rep)
	}
	want := clock.Day{Year: 2025, Month: time.March, Dom: 31}
	if len(f.events.calls) != 1 || f.events.calls[0] != want {
		t.Fatalf("fetched days %v, want [%v]", f.events.calls, want)
	}
}

// A single subscriber at 00:00 is the global midnight wake.
func TestTickMidnightSubscriber(t *testing.T) {
	t.Parallel()

	loc := berlin(t)
	prev := time.Date(2025, 1, 9, 23, 59, 50, 0, loc)
	now := time.Date(2025, 1, 10, 0, 0, 20, 0, loc)
	f := newFixture(t, []subscriber.Subscriber{{ID: 42, URL: "u"}}, now)

	rep := f.loop.Tick(context.Background(), prev, now)
	if rep.Sent != 1 {
		t.Fatalf("report = %+v, want one send", rep)
	}
	if want := (clock.Day{Year: 2025, Month: time.January, Dom: 11}); f.events.calls[0] != want {
		t.Fatalf("fetched %v, want %v", f.events.calls[0], want)
	}

	day9 := clock.Day{Year: 2025, Month: time.January, Dom: 9}
	if len(rep.Recorded) != 1 || rep.Recorded[0] != day9 {
		t.Fatalf("recorded %v, want [%v]", rep.Recorded, day9)
	}
	last, ok, err := f.ledger.LastProcessedDay(context.Background())
	if err != nil || !ok || last != day9 {
		t.Fatalf("LastProcessedDay = %v, %v, %v", last, ok, err)
	}

	// The same window again sends nothing and records nothing new.
	rep = f.loop.Tick(context.Background(), prev, now)
	if rep.Sent != 0 || rep.Skipped != 1 || len(rep.Recorded) != 0 {
		t.Fatalf("second report = %+v", rep)
	}
	if len(f.notify.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.notify.sent))
	}
}

func TestTickSendFailureNotRecorded(t *testing.T) {
	t.Parallel()

	loc := berlin(t)
	now := time.Date(2025, 3, 10, 9, 0, 10, 0, loc)
	f := newFixture(t, []subscriber.Subscriber{{ID: 5, URL: "u", Hour: 9}}, now)
	f.notify.fail[5] = errors.New("channel unavailable")

	rep := f.loop.Tick(context.Background(), now.Add(-time.Minute), now)
	if rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	fireDay := clock.DayOf(now, loc)
	if done, _ := f.ledger.Delivered(context.Background(), 5, fireDay); done {
		t.Fatalf("failed send was recorded as delivered")
	}

	delete(f.notify.fail, 5)
	if rep := f.loop.Tick(context.Background(), now.Add(-time.Minute), now); rep.Sent != 1 {
		t.Fatalf("retry report = %+v", rep)
	}
}

func TestTickCancelledIsAborted(t *testing.T) {
	t.Parallel()

	loc := berlin(t)
	prev := time.Date(2025, 1, 9, 23, 59, 50, 0, loc)
	now := time.Date(2025, 1, 10, 0, 0, 20, 0, loc)
	f := newFixture(t, []subscriber.Subscriber{{ID: 1, URL: "u"}}, now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := f.loop.Tick(ctx, prev, now)
	if !rep.Aborted || len(rep.Recorded) != 0 || rep.Sent != 0 {
		t.Fatalf("report = %+v, want aborted with nothing recorded", rep)
	}
	if _, ok, _ := f.ledger.LastProcessedDay(context.Background()); ok {
		t.Fatalf("cancelled iteration marked a day processed")
	}
}

func TestRunReturnsWatermark(t *testing.T) {
	t.Parallel()

	loc := berlin(t)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, loc)
	f := newFixture(t, nil, now)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan time.Time, 1)
	go func() {
		mark, _ := f.loop.Run(ctx, now.Add(-time.Minute))
		done <- mark
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := f.loop.LastReport(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no iteration ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if mark := <-done; !mark.Equal(now) {
		t.Fatalf("watermark = %v, want %v", mark, now)
	}
}

type failingLedger struct{ *ledger.Ledger }

func (failingLedger) LastProcessedDay(context.Context) (clock.Day, bool, error) {
	return clock.Day{}, false, errors.New("db down")
}

func TestRunFailsOnLedgerError(t *testing.T) {
	t.Parallel()

	from := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	l := NewLoop(Config{}, Deps{
		Subscribers: staticSubs(nil),
		Ledger:      failingLedger{ledger.New(storage.NewMemory())},
		Clock:       clock.NewManual(from),
	})
	mark, err := l.Run(context.Background(), from)
	if err == nil {
		t.Fatalf("expected ledger error")
	}
	if !mark.Equal(from) {
		t.Fatalf("watermark moved on failed start: %v", mark)
	}
}

func TestParseFireTime(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in     string
		h, m   int
		wantOK bool
	}{
		{"08:30", 8, 30, true},
		{" 7:05 ", 7, 5, true},
		{"00:00", 0, 0, true},
		{"23:59", 23, 59, true},
		{"24:00", 0, 0, false},
		{"12:60", 0, 0, false},
		{"8.30", 0, 0, false},
		{"", 0, 0, false},
		{"noon", 0, 0, false},
	}
	for _, tc := range cases {
		h, m, err := ParseFireTime(tc.in)
		if tc.wantOK {
			if err != nil || h != tc.h || m != tc.m {
				t.Fatalf("ParseFireTime(%q) = %d, %d, %v", tc.in, h, m, err)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidTime) {
			t.Fatalf("ParseFireTime(%q) err = %v, want ErrInvalidTime", tc.in, err)
		}
	}
}

func TestFiresInAcrossDST(t *testing.T) {
	t.Parallel()

	loc := berlin(t)
	// 2025-03-30 is the spring-forward day in Berlin: 02:00 CET jumps to 03:00 CEST.
	cases := []struct {
		name         string
		hour, minute int
		prev, now    time.Time
		want         []time.Time
		// wallOnly compares local clock readings; the overlap hour is ambiguous.
		wallOnly bool
	}{
		{
			name: "regular time keeps local clock",
			hour: 8,
			prev: time.Date(2025, 3, 29, 12, 0, 0, 0, loc),
			now:  time.Date(2025, 3, 31, 12, 0, 0, 0, loc),
			want: []time.Time{
				time.Date(2025, 3, 30, 8, 0, 0, 0, loc),
				time.Date(2025, 3, 31, 8, 0, 0, 0, loc),
			},
		},
		{
			name: "time in the gap moves to after the jump",
			hour: 2, minute: 30,
			prev: time.Date(2025, 3, 30, 1, 0, 0, 0, loc),
			now:  time.Date(2025, 3, 30, 4, 0, 0, 0, loc),
			want: []time.Time{time.Date(2025, 3, 30, 3, 30, 0, 0, loc)},
		},
		{
			name: "gap day then regular day",
			hour: 2, minute: 30,
			prev: time.Date(2025, 3, 29, 12, 0, 0, 0, loc),
			now:  time.Date(2025, 3, 31, 12, 0, 0, 0, loc),
			want: []time.Time{
				time.Date(2025, 3, 30, 3, 30, 0, 0, loc),
				time.Date(2025, 3, 31, 2, 30, 0, 0, loc),
			},
		},
		{
			name: "fall-back overlap fires once",
			hour: 2, minute: 30,
			prev: time.Date(2025, 10, 26, 0, 0, 0, 0, loc),
			now:  time.Date(2025, 10, 26, 6, 0, 0, 0, loc),
			want:     []time.Time{time.Date(2025, 10, 26, 2, 30, 0, 0, loc)},
			wallOnly: true,
		},
	}
	s := newSchedules()
	for _, tc := range cases {
		sched, err := s.get(tc.hour, tc.minute)
		if err != nil {
			t.Fatalf("%s: get: %v", tc.name, err)
		}
		got := firesIn(sched, tc.hour, tc.minute, tc.prev, tc.now, loc)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: fires = %v, want %v", tc.name, got, tc.want)
		}
		for i := range got {
			if tc.wallOnly {
				if got[i].In(loc).Format("2006-01-02 15:04") != tc.want[i].Format("2006-01-02 15:04") {
					t.Fatalf("%s: fire %d = %v, want %v wall clock", tc.name, i, got[i], tc.want[i])
				}
				continue
			}
			if !got[i].Equal(tc.want[i]) {
				t.Fatalf("%s: fire %d = %v, want %v", tc.name, i, got[i], tc.want[i])
			}
		}
	}
}
