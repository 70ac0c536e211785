package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"calbot/internal/conversation"
	"calbot/internal/transport/telegram/router"
)

const helpIntro = "I send you tomorrow's schedule from your iCal feed once a day."

func (a *App) commands() []router.Command {
	return []router.Command{
		{Name: "start", Description: "register your calendar feed", Usage: "/start [url]", Handle: a.converse, Timeout: 45 * time.Second},
		{Name: "time", Description: "set the daily delivery time", Usage: "/time [HH:MM]", Handle: a.converse},
		{Name: "today", Description: "show today's schedule", Handle: a.converse, Timeout: 45 * time.Second},
		{Name: "tomorrow", Description: "show tomorrow's schedule", Handle: a.converse, Timeout: 45 * time.Second},
		{Name: "stop", Aliases: []string{"unsubscribe"}, Description: "stop daily messages", Handle: a.converse},
		{Name: "cancel", Hidden: true, Handle: a.converse},
		a.router.HelpCommand(helpIntro),
		{Name: "status", Description: "dispatch loop status", Access: router.AccessOwnerOnly, Handle: a.status},
		{Name: "restart", Description: "restart the dispatch loop", Access: router.AccessOwnerOnly, Handle: a.restartCmd},
	}
}

// converse hands the message to the conversation machine and sends its replies in order.
func (a *App) converse(ctx context.Context, req *router.Request) error {
	in := conversation.Input{UserID: req.FromID, Command: req.Command, Args: req.Args}
	if req.Command == "" {
		in.Text = req.Text
	}
	for _, reply := range a.conv.Handle(ctx, in) {
		if err := req.Reply(ctx, reply); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) status(ctx context.Context, req *router.Request) error {
	st := a.loopSup.Status()

	var b strings.Builder
	fmt.Fprintf(&b, "uptime: %s\n", time.Since(a.startedAt).Round(time.Second))
	fmt.Fprintf(&b, "subscribers: %d (in dialogue: %d)\n", a.subs.Len(), a.conv.Len())
	fmt.Fprintf(&b, "loop: running=%t generation=%d restarts=%d\n", st.Running, st.Generation, st.Restarts)
	if !st.Watermark.IsZero() {
		fmt.Fprintf(&b, "watermark: %s\n", st.Watermark.Format(time.RFC3339))
	}
	if day, ok, err := a.ledger.LastProcessedDay(ctx); err != nil {
		fmt.Fprintf(&b, "last processed day: error: %v\n", err)
	} else if ok {
		fmt.Fprintf(&b, "last processed day: %s\n", day)
	}
	if rep, ok := a.loop.LastReport(); ok {
		fmt.Fprintf(&b, "last tick: due=%d sent=%d skipped=%d failed=%d aborted=%t took=%s\n",
			rep.Due, rep.Sent, rep.Skipped, rep.Failed, rep.Aborted, rep.Took.Round(time.Millisecond))
	}
	failed := 0
	hist := a.notif.History()
	for _, h := range hist {
		if h.Err != "" {
			failed++
		}
	}
	fmt.Fprintf(&b, "recent sends: %d (failed: %d)\n", len(hist), failed)
	if sup := a.router.Supervisor(); sup != nil {
		c := sup.Counters()
		fmt.Fprintf(&b, "router goroutines: %d\n", c.Active)
	}
	fmt.Fprintf(&b, "events dropped: %d", a.bus.Dropped())
	return req.Reply(ctx, b.String())
}

func (a *App) restartCmd(ctx context.Context, req *router.Request) error {
	a.restartLoop("requested by owner")
	return req.Reply(ctx, fmt.Sprintf("dispatch loop restarted (generation %d)", a.loopSup.Status().Generation))
}
