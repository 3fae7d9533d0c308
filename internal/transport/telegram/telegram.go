// Package telegram implements the transport port on the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"deskbot/internal/runtime/supervisor"
	"deskbot/internal/transport"
	logx "deskbot/pkg/logx"
)

const Source = "telegram"

type Config struct {
	Token       string
	PollTimeout time.Duration
	// ProbeTimeout bounds the getMe connectivity call.
	ProbeTimeout time.Duration
}

// Adapter receives updates by long polling and sends through the Bot API.
type Adapter struct {
	cfg Config
	log logx.Logger
	api botAPI

	out     atomic.Value // chan<- transport.Update
	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	droppedUpdates uint64
}

// botAPI is the subset of *tele.Bot the adapter calls.
type botAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Raw(method string, payload interface{}) ([]byte, error)
	FileURLByID(fileID string) (string, error)
	Start()
	Stop()
}

var (
	_ transport.Channel  = (*Adapter)(nil)
	_ transport.Receiver = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a := newAdapter(cfg, log, b)
	a.registerHandlers(b)
	return a, nil
}

func newAdapter(cfg Config, log logx.Logger, api botAPI) *Adapter {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, api: api}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	return a
}

func (a *Adapter) registerHandlers(b *tele.Bot) {
	forward := func(c tele.Context) error {
		if m := c.Message(); m != nil {
			if up, ok := toUpdate(m); ok {
				a.emit(up)
			}
		}
		return nil
	}
	for _, ev := range []string{tele.OnText, tele.OnPhoto, tele.OnDocument, tele.OnVideo} {
		b.Handle(ev, forward)
	}
}

// toUpdate maps a Telegram message to a channel update. Messages without a
// sender, such as channel posts, are ignored.
func toUpdate(m *tele.Message) (transport.Update, bool) {
	if m == nil || m.Sender == nil || m.Chat == nil {
		return transport.Update{}, false
	}
	up := transport.Update{
		Source:       Source,
		EventID:      fmt.Sprintf("%d:%d", m.Chat.ID, m.ID),
		SenderID:     strconv.FormatInt(m.Sender.ID, 10),
		ChatID:       strconv.FormatInt(m.Chat.ID, 10),
		SenderName:   strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName),
		SenderHandle: m.Sender.Username,
		Text:         m.Text,
		Date:         m.Time(),
	}
	switch {
	case m.Photo != nil:
		up.Media, up.FileRef, up.Text = transport.MediaPhoto, m.Photo.FileID, m.Caption
	case m.Document != nil:
		up.Media, up.FileRef, up.Text = transport.MediaDocument, m.Document.FileID, m.Caption
	case m.Video != nil:
		up.Media, up.FileRef, up.Text = transport.MediaVideo, m.Video.FileID, m.Caption
	}
	if raw, err := json.Marshal(m); err == nil {
		up.Raw = raw
	}
	return up, true
}

func (a *Adapter) emit(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "telegram"))))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-t.C:
				a.reportDrops(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.api.Stop()
	})
	// Start blocks until Stop; restart it if it returns while still running.
	sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("polling started")
		a.api.Start()
		a.log.Info("polling stopped")
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithPublishFirstError(true),
		supervisor.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("inbound updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop ends polling. It waits at most two seconds, or less if ctx expires first.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go a.api.Stop()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

func parseTarget(target string) (tele.ChatID, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %q", transport.ErrInvalidTarget, target)
	}
	return tele.ChatID(id), nil
}

func (a *Adapter) SendText(ctx context.Context, target, text string) error {
	to, err := parseTarget(target)
	if err != nil {
		return err
	}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.api.Send(to, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (a *Adapter) SendPhoto(ctx context.Context, target, fileRef, caption string) error {
	return a.sendMedia(ctx, target, &tele.Photo{File: fileFrom(fileRef), Caption: caption})
}

func (a *Adapter) SendDocument(ctx context.Context, target, fileRef, caption string) error {
	return a.sendMedia(ctx, target, &tele.Document{File: fileFrom(fileRef), Caption: caption})
}

func (a *Adapter) SendVideo(ctx context.Context, target, fileRef, caption string) error {
	return a.sendMedia(ctx, target, &tele.Video{File: fileFrom(fileRef), Caption: caption})
}

func (a *Adapter) sendMedia(ctx context.Context, target string, what interface{}) error {
	to, err := parseTarget(target)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := a.api.Send(to, what); err != nil {
		return classify(err)
	}
	return nil
}

// fileFrom accepts a Telegram file id, an http(s) URL or a local path.
func fileFrom(ref string) tele.File {
	switch {
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		return tele.FromURL(ref)
	case strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, "./"):
		return tele.FromDisk(ref)
	default:
		return tele.File{FileID: ref}
	}
}

// Connectivity calls getMe under the probe timeout.
func (a *Adapter) Connectivity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := a.api.Raw("getMe", nil)
		errCh <- err
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("telegram getMe: %w", ctx.Err())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("telegram getMe: %w", classify(err))
		}
		return nil
	}
}

func (a *Adapter) ResolveDownloadURL(ctx context.Context, fileRef string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.HasPrefix(fileRef, "http://") || strings.HasPrefix(fileRef, "https://") {
		return fileRef, nil
	}
	u, err := a.api.FileURLByID(fileRef)
	if err != nil {
		return "", classify(err)
	}
	return u, nil
}

// classify maps Bot API errors onto the transport error set.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.RateLimitError{After: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &transport.RateLimitError{After: time.Duration(floodPtr.RetryAfter) * time.Second, Err: err}
	}
	switch {
	case errors.Is(err, tele.ErrBlockedByUser), errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser), errors.Is(err, tele.ErrKickedFromGroup):
		return fmt.Errorf("%w: %v", transport.ErrBlocked, err)
	case errors.Is(err, tele.ErrChatNotFound):
		return fmt.Errorf("%w: %v", transport.ErrRecipientNotFound, err)
	}
	return err
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring a newline
// in the last two thirds of each window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
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
