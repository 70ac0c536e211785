package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	tele "gopkg.in/telebot.v4"

	"calbot/internal/transport"
)

// textLimit is counted in UTF-16 code units, as Telegram counts message length.
const textLimit = 4000

// SendText sends text, split into chunks under the Telegram size limit.
// The returned ref points at the first chunk. A failure after the first
// chunk is reported as transport.ErrPartialSend.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	id, err := sendChunks(ctx, splitText(text, textLimit), func(chunk string) (int, error) {
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return 0, classify(err)
		}
		return msg.ID, nil
	})
	ref := transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}
	return ref, err
}

// sendChunks sends chunks in order and returns the id of the first one.
func sendChunks(ctx context.Context, chunks []string, send func(string) (int, error)) (int, error) {
	first := 0
	for i, chunk := range chunks {
		err := ctx.Err()
		if err == nil {
			var id int
			id, err = send(chunk)
			if i == 0 {
				first = id
			}
		}
		if err != nil {
			if i > 0 {
				return first, fmt.Errorf("%w: %d of %d parts sent: %w", transport.ErrPartialSend, i, len(chunks), err)
			}
			return first, err
		}
	}
	return first, nil
}

// SendAlert satisfies logx.AlertSender.
func (a *Adapter) SendAlert(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, transport.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &transport.SendOptions{DisablePreview: true})
	return err
}

func classify(err error) error {
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrKickedFromGroup):
		return fmt.Errorf("%w: %w", transport.ErrRecipientGone, err)
	default:
		return err
	}
}

// splitText cuts s into chunks of at most limit UTF-16 code units, preferring
// a newline in the last two thirds of each window. Runes are never split.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if units(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end, n := start, 0
		for end < len(rs) {
			w := utf16.RuneLen(rs[end])
			if w < 0 {
				w = 1
			}
			if n+w > limit && end > start {
				break
			}
			n += w
			end++
		}
		if end < len(rs) {
			for i := end - 1; i-start >= (end-start)/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func units(rs []rune) int {
	n := 0
	for _, r := range rs {
		if w := utf16.RuneLen(r); w > 0 {
			n += w
		} else {
			n++
		}
	}
	return n
}
