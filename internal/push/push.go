package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"chatwave/internal/models"

	"github.com/SherClockHolmes/webpush-go"
)

const (
	defaultSubscriber = "mailto:admin@localhost"
	defaultTTL        = 24 * time.Hour
	maxBodyRunes      = 120
)

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber is the contact put into the VAPID token, a mailto: or https: URL.
	Subscriber string
	TTL        time.Duration
	HTTPClient *http.Client
}

type subscriptionStore interface {
	GetUser(ctx context.Context, id string) (models.User, error)
	ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error
}

type sessionCounter interface {
	SessionCount(userID string) int
}

// Notifier sends Web Push notifications about new messages to users that
// have no open session.
type Notifier struct {
	cfg      Config
	store    subscriptionStore
	sessions sessionCounter
}

// Payload is the JSON document the service worker receives.
type Payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// GenerateKeys returns a fresh VAPID key pair, base64url encoded.
func GenerateKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate VAPID keys: %w", err)
	}
	return publicKey, privateKey, nil
}

func NewNotifier(cfg Config, store subscriptionStore, sessions sessionCounter) (*Notifier, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, errors.New("VAPID key pair is required")
	}
	if cfg.Subscriber == "" {
		cfg.Subscriber = defaultSubscriber
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{cfg: cfg, store: store, sessions: sessions}, nil
}

// PublicKey is the application server key browsers subscribe with.
func (n *Notifier) PublicKey() string {
	return n.cfg.VAPIDPublicKey
}

// NotifyOffline pushes msg to every subscription of the listed users that are
// offline and have notifications enabled. Failures are logged and dropped.
func (n *Notifier) NotifyOffline(ctx context.Context, userIDs []string, msg models.ReceivedMessage) {
	payload, err := json.Marshal(newPayload(msg))
	if err != nil {
		slog.Error("failed to encode push payload", "message_id", msg.ID, "error", err)
		return
	}

	for _, userID := range userIDs {
		if n.sessions.SessionCount(userID) > 0 {
			continue
		}
		user, err := n.store.GetUser(ctx, userID)
		if err != nil {
			slog.Warn("push: user lookup failed", "user_id", userID, "error", err)
			continue
		}
		if !user.Settings.Notifications {
			continue
		}
		subs, err := n.store.ListPushSubscriptions(ctx, userID)
		if err != nil {
			slog.Warn("push: listing subscriptions failed", "user_id", userID, "error", err)
			continue
		}
		for _, sub := range subs {
			n.send(ctx, sub, payload)
		}
	}
}

func (n *Notifier) send(ctx context.Context, sub models.PushSubscription, payload []byte) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      n.cfg.HTTPClient,
		Subscriber:      n.cfg.Subscriber,
		TTL:             int(n.cfg.TTL.Seconds()),
		Urgency:         webpush.UrgencyHigh,
		VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
	})
	if err != nil {
		slog.Warn("push: send failed", "user_id", sub.UserID, "endpoint", sub.Endpoint, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// The browser dropped the subscription.
		if err := n.store.DeletePushSubscription(ctx, sub.UserID, sub.Endpoint); err != nil {
			slog.Warn("push: removing stale subscription failed", "user_id", sub.UserID, "error", err)
			return
		}
		slog.Info("push: removed stale subscription", "user_id", sub.UserID, "endpoint", sub.Endpoint)
	case resp.StatusCode >= 400:
		slog.Warn("push: rejected", "user_id", sub.UserID, "endpoint", sub.Endpoint, "status", resp.StatusCode)
	}
}

func newPayload(msg models.ReceivedMessage) Payload {
	chatID := msg.GroupID
	if chatID == "" {
		chatID = models.PrivateChatID(msg.SenderID, msg.ReceiverID)
	}
	body := msg.Content
	if body == "" && msg.Attachment != nil {
		body = "sent " + msg.Attachment.Name
	}
	if utf8.RuneCountInString(body) > maxBodyRunes {
		body = string([]rune(body)[:maxBodyRunes-1]) + "…"
	}
	return Payload{
		Title:     msg.Sender.Username,
		Body:      body,
		ChatID:    chatID,
		MessageID: msg.ID,
	}
}
