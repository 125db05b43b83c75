package hub

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
)

// PushSender delivers one web-push notification to a subscription.
type PushSender interface {
	Send(subscription json.RawMessage, title, body string) error
}

type pushSub struct {
	subscription json.RawMessage
	verified     bool
}

// PushService tracks client push subscriptions, gated behind a PIN the
// user confirms out of band before notifications flow.
type PushService struct {
	mu             sync.Mutex
	vapidPublicKey string
	sender         PushSender
	subs           map[string]*pushSub // clientID → subscription
	pins           map[string]string   // clientID → pending pin
	logger         *slog.Logger
}

// NewPushService creates a push service. sender may be nil during tests.
func NewPushService(vapidPublicKey string, sender PushSender, logger *slog.Logger) *PushService {
	if logger == nil {
		logger = slog.Default().With("component", "push")
	}
	return &PushService{
		vapidPublicKey: vapidPublicKey,
		sender:         sender,
		subs:           make(map[string]*pushSub),
		pins:           make(map[string]string),
		logger:         logger,
	}
}

// VAPIDPublicKey is advertised to clients for subscription creation.
func (p *PushService) VAPIDPublicKey() string { return p.vapidPublicKey }

// Subscribe registers a subscription and returns the verification PIN.
func (p *PushService) Subscribe(clientID string, subscription json.RawMessage) string {
	pin := newPin()
	p.mu.Lock()
	p.subs[clientID] = &pushSub{subscription: subscription}
	p.pins[clientID] = pin
	p.mu.Unlock()
	return pin
}

// VerifyPin confirms the PIN; only verified subscriptions receive pushes.
func (p *PushService) VerifyPin(clientID, pin string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	expected, ok := p.pins[clientID]
	if !ok || expected != pin {
		return false
	}
	delete(p.pins, clientID)
	if sub, ok := p.subs[clientID]; ok {
		sub.verified = true
		return true
	}
	return false
}

// SendVerification delivers the pending PIN to the client's own
// subscription so the user can read it back over the control channel.
func (p *PushService) SendVerification(clientID string) error {
	p.mu.Lock()
	sub, ok := p.subs[clientID]
	pin := p.pins[clientID]
	sender := p.sender
	p.mu.Unlock()
	if !ok || pin == "" {
		return fmt.Errorf("no pending subscription for client %s", clientID)
	}
	if sender == nil {
		return fmt.Errorf("push sender not configured")
	}
	return sender.Send(sub.subscription, "Hub verification", "Your verification PIN is "+pin)
}

// Unsubscribe drops the client's subscription.
func (p *PushService) Unsubscribe(clientID string) {
	p.mu.Lock()
	delete(p.subs, clientID)
	delete(p.pins, clientID)
	p.mu.Unlock()
}

// Send fans a notification out to every verified subscription. Delivery
// failures are logged and never interrupt the caller.
func (p *PushService) Send(agentID, title, body string) {
	p.mu.Lock()
	targets := make([]json.RawMessage, 0, len(p.subs))
	for _, sub := range p.subs {
		if sub.verified {
			targets = append(targets, sub.subscription)
		}
	}
	sender := p.sender
	p.mu.Unlock()

	if sender == nil || len(targets) == 0 {
		return
	}
	for _, target := range targets {
		if err := sender.Send(target, title, body); err != nil {
			p.logger.Warn("push delivery failed", "agent", agentID, "error", err)
		}
	}
}

func newPin() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "000000"
	}
	return fmt.Sprintf("%06d", n.Int64())
}
