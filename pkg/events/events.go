package events

import (
	"sync"
	"time"
)

// NotificationType represents the type of conductor notification
type NotificationType string

const (
	NotifyPhaseStart NotificationType = "phase.start"
	NotifyPhaseEnd   NotificationType = "phase.end"
	NotifyPhaseError NotificationType = "phase.error"

	NotifyPowerCorrected NotificationType = "power_state.corrected"

	NotifyAllocationActive NotificationType = "allocation.active"
	NotifyAllocationError  NotificationType = "allocation.error"

	NotifyProvisionSet NotificationType = "provision_state.changed"
)

// Notification carries the public identifier of the affected entity and
// the action name; consumers must treat delivery as best-effort.
type Notification struct {
	Type      NotificationType
	Timestamp time.Time
	NodeUUID  string
	Action    string
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives notifications
type Subscriber chan *Notification

// Broker manages notification subscriptions and distribution. Publish
// is fire-and-forget: it never blocks an orchestration operation and
// never returns an error; a subscriber whose buffer is full simply
// misses the notification.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Notification
	stopCh      chan struct{}
}

// NewBroker creates a new notification broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Notification, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes a notification to all subscribers.
func (b *Broker) Publish(event *Notification) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Broker backlog full; notifications are best-effort.
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
