// Package notification tells human approvers that an action is waiting for
// them. Confirmation requests are posted to the configured webhook and Slack
// channels; the decision itself comes back through the HTTP or WebSocket
// gateway.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/officebus/internal/config"
	"github.com/jkaninda/officebus/internal/events"
	"github.com/jkaninda/officebus/internal/risk"
)

// Sender is the interface for a single notification channel backend.
type Sender interface {
	// Type returns the channel type identifier ("webhook", "slack").
	Type() string
	// Send delivers a message to the target specified by the channel config.
	Send(ctx context.Context, channel *Channel, msg *Message) error
}

// Message is the payload to be sent through a notification channel.
type Message struct {
	Subject  string            // Short headline.
	Body     string            // Plain text body.
	Metadata map[string]string // action_id, risk_tier, task_type, ...
}

// Channel is a configured notification target.
type Channel struct {
	Name    string
	Type    string
	Enabled bool
	Tiers   []risk.Tier // Tiers this channel is notified for.
	Config  map[string]string
}

// Wants reports whether the channel is notified for tier.
func (c *Channel) Wants(tier risk.Tier) bool {
	for _, t := range c.Tiers {
		if t == tier {
			return true
		}
	}
	return false
}

// Dispatcher routes notifications to the appropriate Sender based on channel type.
type Dispatcher struct {
	senders  map[string]Sender
	channels []Channel
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewDispatcher creates a notification dispatcher over channels.
func NewDispatcher(channels []Channel, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		senders:  make(map[string]Sender),
		channels: channels,
		logger:   logger,
	}
}

// FromConfig builds a dispatcher with a webhook sender and, when a bot token
// is configured, a Slack sender.
func FromConfig(cfg *config.NotificationConfig, logger *slog.Logger) (*Dispatcher, error) {
	channels := make([]Channel, 0, len(cfg.Channels))
	for _, cc := range cfg.Channels {
		ch := Channel{
			Name:    cc.Name,
			Type:    cc.Type,
			Enabled: cc.Enabled,
			Config:  cc.Config,
		}
		if len(cc.Tiers) == 0 {
			ch.Tiers = []risk.Tier{risk.Yellow, risk.Red}
		}
		for _, raw := range cc.Tiers {
			t := risk.Parse(raw)
			if !t.Valid() {
				return nil, fmt.Errorf("notification channel %q: unknown tier %q", cc.Name, raw)
			}
			ch.Tiers = append(ch.Tiers, t)
		}
		channels = append(channels, ch)
	}

	d := NewDispatcher(channels, logger)
	d.RegisterSender(NewWebhookSender(logger))
	if cfg.Slack != nil && cfg.Slack.BotToken != "" {
		d.RegisterSender(NewSlackSender(cfg.Slack.BotToken, logger))
	}
	return d, nil
}

// RegisterSender adds a channel backend. Call at startup only.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[s.Type()] = s
}

// Notify sends msg to every enabled channel that wants tier. Returns
// per-channel errors keyed by channel name (nil = success).
func (d *Dispatcher) Notify(ctx context.Context, tier risk.Tier, msg *Message) map[string]error {
	errs := make(map[string]error)

	for i := range d.channels {
		ch := &d.channels[i]
		if !ch.Enabled || !ch.Wants(tier) {
			continue
		}

		d.mu.RLock()
		sender, ok := d.senders[ch.Type]
		d.mu.RUnlock()
		if !ok {
			errs[ch.Name] = fmt.Errorf("no sender registered for channel type %q", ch.Type)
			continue
		}

		if err := sender.Send(ctx, ch, msg); err != nil {
			errs[ch.Name] = err
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("channel", ch.Name),
				slog.String("type", ch.Type),
				slog.String("error", err.Error()),
			)
			continue
		}
		errs[ch.Name] = nil
		d.logger.InfoContext(ctx, "notification sent",
			slog.String("channel", ch.Name),
			slog.String("type", ch.Type),
		)
	}

	return errs
}

// Subscriber is the part of the bus the notifier needs.
type Subscriber interface {
	Subscribe(name events.Name, h events.Handler) func()
}

// Notifier posts confirmation requests through a Dispatcher. Sends run in
// the background so a slow channel never delays the submitter.
type Notifier struct {
	dispatcher *Dispatcher
	timeout    time.Duration
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewNotifier creates a notifier with a per-request send timeout.
func NewNotifier(d *Dispatcher, logger *slog.Logger) *Notifier {
	return &Notifier{dispatcher: d, timeout: 15 * time.Second, logger: logger}
}

// Attach subscribes to YELLOW and RED confirmation requests.
func (n *Notifier) Attach(s Subscriber) func() {
	unsubs := []func(){
		s.Subscribe(events.YellowRequested, n.handle),
		s.Subscribe(events.RedRequested, n.handle),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (n *Notifier) handle(ctx context.Context, ev events.Event) error {
	msg := ConfirmationMessage(ev)
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()
		n.dispatcher.Notify(sendCtx, ev.Action.RiskTier, msg)
	}()
	return nil
}

// Wait blocks until in-flight notifications finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// ConfirmationMessage renders the approver-facing message for a
// confirmation request.
func ConfirmationMessage(ev events.Event) *Message {
	a := ev.Action
	subject := fmt.Sprintf("%s confirmation requested: %s", a.RiskTier, a.Type)

	var b strings.Builder
	fmt.Fprintf(&b, "Action %s (%s) is waiting for a %s decision.", a.ID, a.Type, a.RiskTier.Lower())
	if a.ActorID != "" {
		fmt.Fprintf(&b, "\nRequested by: %s", a.ActorID)
	}
	if a.SuiteID != "" || a.OfficeID != "" {
		fmt.Fprintf(&b, "\nSuite: %s  Office: %s", a.SuiteID, a.OfficeID)
	}

	return &Message{
		Subject: subject,
		Body:    b.String(),
		Metadata: map[string]string{
			"action_id": a.ID,
			"task_type": a.Type,
			"risk_tier": string(a.RiskTier),
			"actor_id":  a.ActorID,
			"suite_id":  a.SuiteID,
			"office_id": a.OfficeID,
		},
	}
}
