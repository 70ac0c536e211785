// Package transport holds the chat-platform neutral types shared by the
// Telegram adapter, the command router and the notifier.
package transport

import (
	"context"
	"errors"
)

// Update is one inbound chat message.
type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic, 0 if none
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a full chat transport: inbound updates plus outbound sends.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

// ErrRecipientGone marks sends that cannot succeed on retry (blocked bot,
// deleted chat, deactivated user).
var ErrRecipientGone = errors.New("recipient unreachable")

// ErrPartialSend marks a multi-part message that failed after some parts
// were delivered. Retrying it would repeat the delivered parts.
var ErrPartialSend = errors.New("message partially delivered")
