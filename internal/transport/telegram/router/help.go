package router

import (
	"context"
	"fmt"
	"html"
	"strings"

	kit "calbot/internal/transport"
)

// HelpCommand returns a /help command listing what the caller may use.
func (r *Router) HelpCommand(intro string) Command {
	return Command{
		Name:        "help",
		Description: "Show available commands",
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Sender.SendText(ctx, req.Chat, r.helpText(intro, req.IsOwner),
				&kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
			return err
		},
	}
}

func (r *Router) helpText(intro string, owner bool) string {
	var b strings.Builder
	if intro != "" {
		b.WriteString(html.EscapeString(intro))
		b.WriteString("\n\n")
	}
	b.WriteString("<b>Commands</b>\n")
	for _, c := range r.helpEntries(owner) {
		usage := "/" + c.Name
		if c.Usage != "" {
			usage += " " + c.Usage
		}
		lock := ""
		if c.Access == AccessOwnerOnly {
			lock = "🔒 "
		}
		fmt.Fprintf(&b, "%s<code>%s</code> - %s\n", lock, html.EscapeString(usage), html.EscapeString(c.Description))
	}
	return strings.TrimRight(b.String(), "\n")
}
