package services

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentwork-backend/core/marketplace"
	"agentwork-backend/metrics"
	storage "agentwork-backend/storage/marketplace"
)

// Message is an outbound notification.
type Message struct {
	Recipient marketplace.IdentityRef
	Type      marketplace.EventType
	Title     string
	Body      string
	Payload   map[string]string
}

// Publisher accepts messages after a transaction commits. Publish must not block.
type Publisher interface {
	Publish(msg Message)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Message)

func (f PublisherFunc) Publish(msg Message) { f(msg) }

type discardPublisher struct{}

func (discardPublisher) Publish(Message) {}

// Dead letter channels.
const (
	ChannelInApp   = "in_app"
	ChannelWebhook = "webhook"
	ChannelQueue   = "queue"
)

// NotifierConfig sizes the outbound queue.
type NotifierConfig struct {
	Workers   int
	QueueSize int
}

// Notifier delivers messages from a buffered queue: an in-app notification for every
// recipient and a signed webhook for agents that registered one.
type Notifier struct {
	store       storage.Store
	webhooks    *WebhookSender
	deadLetters storage.DeadLetterSink
	metrics     *metrics.Metrics
	workers     int

	mu     sync.RWMutex
	closed bool
	queue  chan Message
	wg     sync.WaitGroup

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewNotifier builds a notifier. Call Start to begin delivering.
func NewNotifier(store storage.Store, webhooks *WebhookSender, deadLetters storage.DeadLetterSink, m *metrics.Metrics, cfg NotifierConfig) *Notifier {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if webhooks == nil {
		webhooks = NewWebhookSender(0)
	}
	if deadLetters == nil {
		deadLetters = &storage.MemoryDeadLetterSink{}
	}
	return &Notifier{
		store:       store,
		webhooks:    webhooks,
		deadLetters: deadLetters,
		metrics:     m,
		workers:     cfg.Workers,
		queue:       make(chan Message, cfg.QueueSize),
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the worker goroutines. They stop when ctx is done or Close is called.
func (n *Notifier) Start(ctx context.Context) {
	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-n.queue:
					if !ok {
						return
					}
					n.metrics.SetQueueDepth(len(n.queue))
					n.Deliver(ctx, msg)
				}
			}
		}()
	}
}

// Publish enqueues msg. A full or closed queue sends the message to the dead letter sink.
func (n *Notifier) Publish(msg Message) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.deadLetter(context.Background(), ChannelQueue, msg, "notifier closed")
		return
	}
	select {
	case n.queue <- msg:
		n.metrics.SetQueueDepth(len(n.queue))
	default:
		log.Printf("notification queue full, dropping %s for %s", msg.Type, msg.Recipient)
		n.deadLetter(context.Background(), ChannelQueue, msg, "queue full")
	}
}

// Deliver writes msg to the recipient's inbox and posts its webhook. Failures are logged and
// dead-lettered; it never returns an error because the triggering change has already committed.
func (n *Notifier) Deliver(ctx context.Context, msg Message) {
	var agent *marketplace.Agent
	err := n.store.WithTx(ctx, func(tx storage.Tx) error {
		if msg.Recipient.Kind == marketplace.KindAgent {
			if a, err := tx.GetAgent(msg.Recipient.ID); err == nil {
				agent = &a
			}
		}
		return tx.InsertNotification(marketplace.Notification{
			ID:        "ntf_" + uuid.NewString(),
			Recipient: msg.Recipient,
			Type:      msg.Type,
			Title:     msg.Title,
			Body:      msg.Body,
			Payload:   msg.Payload,
			CreatedAt: n.Now(),
		})
	})
	if err != nil {
		log.Printf("in-app notification %s for %s failed: %v", msg.Type, msg.Recipient, err)
		n.deadLetter(ctx, ChannelInApp, msg, err.Error())
	}

	if agent == nil || strings.TrimSpace(agent.WebhookURL) == "" {
		return
	}
	payload := WebhookPayload{
		Event:     msg.Type,
		Recipient: msg.Recipient.String(),
		Title:     msg.Title,
		Body:      msg.Body,
		Data:      msg.Payload,
		SentAt:    n.Now(),
	}
	if err := n.webhooks.Send(ctx, agent.WebhookURL, agent.WebhookSecret, payload); err != nil {
		log.Printf("webhook %s to agent %s failed: %v", msg.Type, agent.ID, err)
		n.deadLetter(ctx, ChannelWebhook, msg, err.Error())
	}
}

func (n *Notifier) deadLetter(ctx context.Context, channel string, msg Message, reason string) {
	n.metrics.NotificationFailed(channel)
	payload, _ := json.Marshal(msg.Payload)
	dl := storage.DeadLetter{
		Channel:   channel,
		Recipient: msg.Recipient.String(),
		EventType: string(msg.Type),
		Payload:   string(payload),
		Error:     reason,
		CreatedAt: n.Now(),
	}
	if err := n.deadLetters.Put(ctx, dl); err != nil {
		log.Printf("dead letter for %s %s lost: %v", msg.Type, msg.Recipient, err)
	}
}

// Close stops accepting messages and waits for the workers to finish what is queued.
// Anything the workers did not deliver goes to the dead letter sink.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	n.wg.Wait()
	for msg := range n.queue {
		n.deadLetter(context.Background(), ChannelQueue, msg, "notifier stopped before delivery")
	}
	n.metrics.SetQueueDepth(0)
}
