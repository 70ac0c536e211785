// Package router turns inbound chat updates into command handler calls.
//
// Commands are flat ("/today", "/time 08:30"). Plain text in private chats
// goes to the fallback handler. Jobs are sharded by sender so one user's
// messages are handled in arrival order.
package router

import (
	"context"
	"hash/fnv"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"calbot/internal/runtime/supervisor"
	kit "calbot/internal/transport"
	"calbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Hidden commands work but are left out of the menu and /help.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string // empty for plain text
	Args    string
	Text    string
	ReqID   string
	IsOwner bool

	Sender kit.Sender
	Logger logx.Logger
}

// Reply sends text back to the request's chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type Config struct {
	Workers  int
	QueueCap int
	// Timeout applies to commands without their own.
	Timeout time.Duration
}

type Router struct {
	cfg     Config
	log     logx.Logger
	adapter kit.Sender

	mu       sync.RWMutex
	cmds     map[string]*Command
	ordered  []*Command
	fallback HandlerFunc
	owners   []int64

	runMu   sync.Mutex
	sup     *supervisor.Supervisor
	shards  []chan func()
	running bool
}

func New(cfg Config, adapter kit.Sender, owners []int64, log logx.Logger) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = max(runtime.NumCPU(), 2)
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Router{
		cfg:     cfg,
		log:     log,
		adapter: adapter,
		cmds:    map[string]*Command{},
		owners:  append([]int64(nil), owners...),
	}
}

// Register replaces the command set and publishes the menu if the adapter
// supports it.
func (r *Router) Register(ctx context.Context, cmds ...Command) {
	byName := map[string]*Command{}
	ordered := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = &c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				byName[a] = &c
			}
		}
		ordered = append(ordered, &c)
	}

	r.mu.Lock()
	r.cmds = byName
	r.ordered = ordered
	r.mu.Unlock()

	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildMenu(ordered)
		go func() {
			mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, menu); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

// SetFallback sets the handler for non-command text in private chats.
func (r *Router) SetFallback(h HandlerFunc) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// SetOwners replaces the owner list (config reload).
func (r *Router) SetOwners(ids []int64) {
	r.mu.Lock()
	r.owners = append([]int64(nil), ids...)
	r.mu.Unlock()
}

func (r *Router) Supervisor() *supervisor.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

// Run consumes updates until ctx ends or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(r.log))
	shards := make([]chan func(), r.cfg.Workers)
	for i := range shards {
		shards[i] = make(chan func(), r.cfg.QueueCap)
	}
	r.runMu.Lock()
	r.sup, r.shards, r.running = sup, shards, true
	r.runMu.Unlock()

	r.log.Info("router started", logx.Int("workers", len(shards)), logx.Int("queue_cap", r.cfg.QueueCap))

	for i, jobs := range shards {
		sup.GoRestart("router.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					job()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		r.runMu.Lock()
		r.running = false
		for _, jobs := range shards {
			close(jobs)
		}
		r.runMu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		r.log.Info("router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	owners := r.owners
	fallback := r.fallback
	var cmd *Command
	name, args, isCmd := splitCommand(text)
	if isCmd {
		cmd = r.cmds[name]
	}
	r.mu.RUnlock()

	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Text:    text,
		ReqID:   uuid.NewString()[:8],
		IsOwner: isOwner(msg.FromID, owners),
		Sender:  r.adapter,
	}

	var h HandlerFunc
	timeout := r.cfg.Timeout
	switch {
	case isCmd && cmd == nil:
		if msg.IsGroup {
			return
		}
		r.send(ctx, chat, "Unknown command. Try /help")
		return
	case isCmd:
		if cmd.Access == AccessOwnerOnly && !req.IsOwner {
			r.send(ctx, chat, "unauthorized")
			return
		}
		req.Command, req.Args = cmd.Name, args
		h = cmd.Handle
		if cmd.Timeout > 0 {
			timeout = cmd.Timeout
		}
	default:
		if msg.IsGroup || fallback == nil {
			return
		}
		h = fallback
	}

	req.Logger = r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", chat.ChatID),
		logx.Int64("from_id", req.FromID),
		logx.String("cmd", req.Command),
	)
	final := Chain(h, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(timeout))
	if !r.enqueue(msg.FromID, func() { _ = final(ctx, req) }) {
		r.send(ctx, chat, "busy, try again")
	}
}

func (r *Router) enqueue(from int64, job func()) bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running || len(r.shards) == 0 {
		return false
	}
	select {
	case r.shards[shardOf(from, len(r.shards))] <- job:
		return true
	default:
		return false
	}
}

func (r *Router) send(ctx context.Context, chat kit.ChatTarget, text string) {
	if _, err := r.adapter.SendText(ctx, chat, text, nil); err != nil {
		r.log.Debug("reply failed", logx.Int64("chat_id", chat.ChatID), logx.Err(err))
	}
}

// helpEntries lists the commands visible to a caller.
func (r *Router) helpEntries(owner bool) []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.ordered))
	for _, c := range r.ordered {
		if c.Hidden || (c.Access == AccessOwnerOnly && !owner) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// splitCommand parses "/name@bot args". ok is false for plain text.
func splitCommand(text string) (name, args string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	word, rest, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.ToLower(word), strings.TrimSpace(rest), word != ""
}

func shardOf(id int64, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(id, 10)))
	return int(h.Sum32() % uint32(n))
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
