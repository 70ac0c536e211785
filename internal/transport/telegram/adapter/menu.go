package adapter

import (
	"context"
	"hash/fnv"

	tele "gopkg.in/telebot.v4"

	"calbot/internal/transport"
	"calbot/pkg/logx"
)

// UpdateMenuCommands publishes the bot command menu. It is a no-op when the
// list is unchanged since the last successful call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		list = append(list, tele.Command{Text: c.Command, Description: desc})
		h.Write([]byte(c.Command + "\x00" + desc + "\x00"))
	}
	sum := h.Sum64()
	if a.menuHash.Load() == sum {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return err
	}
	a.menuHash.Store(sum)
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
