package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "tgarchiver/internal/runtime/supervisor"
	"tgarchiver/internal/transport"
	"tgarchiver/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// ResolveRatePerSec bounds getChat calls; <= 0 means 1/s.
	ResolveRatePerSec int
}

// Adapter implements transport.Adapter over the Telegram Bot API.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	sink    atomic.Pointer[updateSink]
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and stop watcher. Created by
	// Start, cancelled by Stop.
	sup *rtsup.Supervisor

	resolveLimiter *rate.Limiter

	// droppedUpdates counts updates that were still waiting for room in out
	// when the adapter stopped.
	droppedUpdates atomic.Uint64
}

// updateSink is where handlers deliver updates. Delivery blocks until out
// has room or done is closed.
type updateSink struct {
	out  chan<- transport.Update
	done <-chan struct{}
}

var _ transport.Adapter = (*Adapter)(nil)

// New connects to Telegram (getMe) and returns an adapter. A bad token or an
// unreachable API is an error, and so is ctx ending before getMe returns.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := newAdapter(cfg, log)
	st := a.settings()
	st.Token = cfg.Token
	st.Poller = &tele.LongPoller{Timeout: timeout}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	type result struct {
		bot *tele.Bot
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := tele.NewBot(st)
		ch <- result{b, err}
	}()
	var res result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("telegram connect: %w", ctx.Err())
	case res = <-ch:
	}
	if res.err != nil {
		return nil, fmt.Errorf("telegram connect: %w", res.err)
	}
	a.attach(res.bot)

	if res.bot.Me != nil {
		log.Info("telegram connected", logx.String("bot", res.bot.Me.Username))
	}
	return a, nil
}

func newAdapter(cfg Config, log logx.Logger) *Adapter {
	rps := cfg.ResolveRatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &Adapter{
		cfg:            cfg,
		log:            log,
		resolveLimiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// settings holds the bot options that do not depend on the connection.
// Handlers run on the poll goroutine one update at a time so messages reach
// out in the order Telegram sent them.
func (a *Adapter) settings() tele.Settings {
	return tele.Settings{
		Synchronous: true,
		OnError: func(err error, c tele.Context) {
			a.log.Warn("telegram handler error", logx.Err(err))
		},
	}
}

func (a *Adapter) attach(b *tele.Bot) {
	a.bot = b
	a.registerHandlers()
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the current output channel; Start may swap it.
	a.bot.Handle(tele.OnChannelPost, func(c tele.Context) error {
		if up, ok := updateFromMessage(transport.UpdateChannelPost, c.Message()); ok {
			a.sendUpdate(up)
		}
		return nil
	})
	forward := func(c tele.Context) error {
		if up, ok := updateFromMessage(transport.UpdateMessage, c.Message()); ok {
			a.sendUpdate(up)
		}
		return nil
	}
	a.bot.Handle(tele.OnText, forward)
	a.bot.Handle(tele.OnMedia, forward)
}

// updateFromMessage converts a telebot message. Media messages carry their
// text in the caption.
func updateFromMessage(kind transport.UpdateKind, m *tele.Message) (transport.Update, bool) {
	if m == nil || m.Chat == nil {
		return transport.Update{}, false
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	return transport.Update{
		Kind:         kind,
		ChatID:       m.Chat.ID,
		ChatUsername: m.Chat.Username,
		MessageID:    int64(m.ID),
		Date:         time.Unix(m.Unixtime, 0).UTC(),
		Text:         text,
	}, true
}

// sendUpdate blocks the poll loop while out is full, so a slow archive
// delays later updates instead of losing them. Only a stop can drop one.
func (a *Adapter) sendUpdate(up transport.Update) {
	sk := a.sink.Load()
	if sk == nil {
		a.droppedUpdates.Add(1)
		return
	}
	select {
	case sk.out <- up:
		return
	default:
	}
	select {
	case sk.out <- up:
	case <-sk.done:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// A broken poll loop restarts; it never takes the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.sink.Store(&updateSink{out: out, done: sup.Context().Done()})
	a.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until bot.Stop. It can also return on its own in some
	// failure modes; restart it while the context is alive.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped() {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped on stop", logx.Uint64("count", n))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	// Cancel first: it releases a handler blocked on a full out, which
	// bot.Stop would otherwise wait on.
	sup.Cancel()
	a.sink.Store(nil)
	go a.bot.Stop()

	// Do not let a pending getUpdates long poll hold up shutdown.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	defer a.reportDropped()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// ResolveChat looks up "@name", "name" or a numeric chat id.
func (a *Adapter) ResolveChat(ctx context.Context, ident string) (transport.Chat, error) {
	username, id, err := parseChatIdent(ident)
	if err != nil {
		return transport.Chat{}, err
	}
	if err := a.resolveLimiter.Wait(ctx); err != nil {
		return transport.Chat{}, err
	}

	var chat *tele.Chat
	if username != "" {
		chat, err = a.bot.ChatByUsername(username)
	} else {
		chat, err = a.bot.ChatByID(id)
	}
	if err != nil {
		if errors.Is(err, tele.ErrChatNotFound) {
			return transport.Chat{}, fmt.Errorf("%w: %s", transport.ErrChatNotFound, ident)
		}
		return transport.Chat{}, fmt.Errorf("resolve %s: %w", ident, err)
	}
	if chat == nil {
		return transport.Chat{}, fmt.Errorf("%w: %s", transport.ErrChatNotFound, ident)
	}
	return transport.Chat{ID: chat.ID, Username: chat.Username, Title: chat.Title}, nil
}

// parseChatIdent returns either an "@"-prefixed username or a numeric id.
func parseChatIdent(ident string) (username string, id int64, err error) {
	s := strings.TrimSpace(ident)
	if s == "" || s == "@" {
		return "", 0, fmt.Errorf("empty chat identifier")
	}
	if n, perr := strconv.ParseInt(s, 10, 64); perr == nil {
		return "", n, nil
	}
	s = strings.TrimPrefix(s, "https://t.me/")
	s = strings.TrimPrefix(s, "t.me/")
	if !strings.HasPrefix(s, "@") {
		s = "@" + s
	}
	if strings.ContainsAny(s[1:], " /@") {
		return "", 0, fmt.Errorf("invalid chat identifier %q", ident)
	}
	return s, 0, nil
}

const telegramTextLimit = 4000

// splitTelegramText splits s into chunks of at most limit runes, preferring
// newline boundaries.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// avoid tiny chunks
				if rs[i] == '\n' && i-start >= limit/3 {
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

// SendText sends plain text to chatID, split into several messages when it
// exceeds the Telegram limit. It satisfies logx.Sender.
func (a *Adapter) SendText(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}
