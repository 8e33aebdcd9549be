// Package dispatch turns a classified message into exactly one reply.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/chatrelay/internal/backend"
	"github.com/danmuck/chatrelay/internal/chatlog"
	"github.com/danmuck/chatrelay/internal/classify"
	"github.com/danmuck/chatrelay/internal/observability"
	"github.com/danmuck/chatrelay/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Asker answers free-form questions.
type Asker interface {
	Ask(ctx context.Context, question, phone string) (backend.Answer, error)
}

// Recorder persists sent exchanges.
type Recorder interface {
	Record(ctx context.Context, e chatlog.Exchange) error
}

// Reply is one outbound message.
type Reply struct {
	Recipient string
	Text      string
	Kind      classify.Kind
}

type Config struct {
	Replies Replies
	// ReplyRate limits replies per sender per second. Zero disables limiting.
	ReplyRate  float64
	ReplyBurst int
	Now        func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Replies: DefaultReplies(),
		Now:     time.Now,
	}
}

type Dispatcher struct {
	cfg      Config
	asker    Asker
	recorder Recorder

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New builds a Dispatcher. recorder may be nil.
func New(cfg Config, asker Asker, recorder Recorder) *Dispatcher {
	cfg.Replies = cfg.Replies.WithDefaults()
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ReplyBurst <= 0 {
		cfg.ReplyBurst = 1
	}
	return &Dispatcher{
		cfg:      cfg,
		asker:    asker,
		recorder: recorder,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Reply computes the reply for intent. It reports false for Ignorable.
// Backend failures become fallback texts; Reply never fails.
func (d *Dispatcher) Reply(ctx context.Context, msg transport.InboundMessage, intent classify.Intent) (Reply, bool) {
	out := Reply{Recipient: msg.Sender, Kind: intent.Kind}
	switch intent.Kind {
	case classify.Welcome:
		out.Text = d.cfg.Replies.WelcomeText(d.cfg.Now().Hour())
	case classify.Farewell:
		out.Text = d.cfg.Replies.FarewellText()
	case classify.Question:
		out.Text = d.ask(ctx, intent.Text, msg.Sender)
	default:
		return Reply{}, false
	}
	return out, true
}

func (d *Dispatcher) ask(ctx context.Context, question, sender string) string {
	if d.asker == nil {
		return d.cfg.Replies.BackendFailure
	}
	start := time.Now()
	answer, err := d.asker.Ask(ctx, question, sender)
	if err != nil {
		observability.RecordBackend("error", time.Since(start))
		log.Warn().Err(err).Str("sender", sender).Msg("dispatch.ask backend failed")
		return d.cfg.Replies.BackendFailure
	}
	if answer.Text == "" {
		observability.RecordBackend("empty", time.Since(start))
		return d.cfg.Replies.NoAnswer
	}
	observability.RecordBackend("ok", time.Since(start))
	return answer.Text
}

// Handle computes and sends the reply for one message. The only error it returns is
// a failed send; nothing is sent for Ignorable intents.
func (d *Dispatcher) Handle(ctx context.Context, send transport.Sender, msg transport.InboundMessage, intent classify.Intent) error {
	reply, ok := d.Reply(ctx, msg, intent)
	if !ok {
		return nil
	}
	if err := d.wait(ctx, reply.Recipient); err != nil {
		return err
	}
	err := send.SendText(ctx, reply.Recipient, reply.Text)
	observability.RecordReply(reply.Kind.String(), err == nil)
	if err != nil {
		return err
	}
	log.Info().
		Str("sender", reply.Recipient).
		Str("intent", reply.Kind.String()).
		Str("trigger", string(intent.Trigger)).
		Str("room", intent.Room).
		Msg("dispatch.Handle replied")
	d.record(ctx, msg, reply)
	return nil
}

func (d *Dispatcher) record(ctx context.Context, msg transport.InboundMessage, reply Reply) {
	if d.recorder == nil {
		return
	}
	err := d.recorder.Record(ctx, chatlog.Exchange{
		Sender:    reply.Recipient,
		Question:  msg.Text,
		Answer:    reply.Text,
		Intent:    reply.Kind.String(),
		CreatedAt: d.cfg.Now(),
	})
	if err != nil {
		log.Warn().Err(err).Str("sender", reply.Recipient).Msg("dispatch.record failed")
	}
}

// wait delays until sender's limiter admits one more reply.
func (d *Dispatcher) wait(ctx context.Context, sender string) error {
	if d.cfg.ReplyRate <= 0 {
		return nil
	}
	return d.limiter(sender).Wait(ctx)
}

func (d *Dispatcher) limiter(sender string) *rate.Limiter {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	l, ok := d.limiters[sender]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.cfg.ReplyRate), d.cfg.ReplyBurst)
		d.limiters[sender] = l
	}
	return l
}
