package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gallery-checkout/internal/models"
	"gallery-checkout/internal/payment"
)

// FakeProvider is a scripted payment.Provider that counts its calls
type FakeProvider struct {
	mu sync.Mutex

	ProviderName string
	IntentErr    error
	RefundErr    error
	VerifyErr    error
	// Event is returned by VerifyWebhookEvent when set; otherwise the payload is decoded.
	Event *models.ProviderEvent

	IntentCalls      int
	RefundCalls      int
	IntentKeys       []string
	RefundKeys       []string
	RefundTargets    []string
	RefundAmounts    []*int64
	IntentMetadata   []map[string]string
	IntentAmounts    []int64
	IntentCurrencies []string
}

var _ payment.Provider = (*FakeProvider)(nil)

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{ProviderName: models.ProviderStripe}
}

func (p *FakeProvider) Name() string {
	return p.ProviderName
}

func (p *FakeProvider) CreatePaymentIntent(_ context.Context, amountMinor int64, currency string, metadata map[string]string, idempotencyKey string) (*payment.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.IntentCalls++
	p.IntentKeys = append(p.IntentKeys, idempotencyKey)
	p.IntentMetadata = append(p.IntentMetadata, metadata)
	p.IntentAmounts = append(p.IntentAmounts, amountMinor)
	p.IntentCurrencies = append(p.IntentCurrencies, currency)
	if p.IntentErr != nil {
		return nil, &models.ProviderError{Op: "create payment intent", Err: p.IntentErr}
	}
	id := fmt.Sprintf("pi_test_%d", p.IntentCalls)
	return &payment.Intent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (p *FakeProvider) CreateRefund(_ context.Context, paymentID string, amountMinor *int64, idempotencyKey string) (*payment.Refund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RefundCalls++
	p.RefundKeys = append(p.RefundKeys, idempotencyKey)
	p.RefundTargets = append(p.RefundTargets, paymentID)
	p.RefundAmounts = append(p.RefundAmounts, amountMinor)
	if p.RefundErr != nil {
		return nil, &models.ProviderError{Op: "create refund", Err: p.RefundErr}
	}
	id := fmt.Sprintf("re_test_%d", p.RefundCalls)
	raw, _ := json.Marshal(map[string]string{"id": id, "object": "refund", "status": "succeeded"})
	return &payment.Refund{ID: id, Raw: models.JSONRaw(raw)}, nil
}

// VerifyWebhookEvent accepts any signature equal to "valid"
func (p *FakeProvider) VerifyWebhookEvent(payload []byte, signatureHeader string) (*models.ProviderEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.VerifyErr != nil {
		return nil, p.VerifyErr
	}
	if signatureHeader != "valid" {
		return nil, payment.ErrInvalidSignature
	}
	if p.Event != nil {
		evt := *p.Event
		return &evt, nil
	}

	var wire struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object models.EventObject `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrInvalidSignature, err)
	}
	return &models.ProviderEvent{
		Provider: p.ProviderName,
		ID:       wire.ID,
		Type:     wire.Type,
		Object:   wire.Data.Object,
		Raw:      models.JSONRaw(payload),
	}, nil
}

// Calls returns the intent and refund call counts
func (p *FakeProvider) Calls() (intents, refunds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.IntentCalls, p.RefundCalls
}

// SentNotification is one recorded confirmation
type SentNotification struct {
	Recipient string
	Subject   string
	Body      string
}

// FakeNotifier records confirmations; it can fail or panic on demand.
type FakeNotifier struct {
	mu    sync.Mutex
	Sent  []SentNotification
	Err   error
	Panic bool
}

func (n *FakeNotifier) SendConfirmation(_ context.Context, recipient, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Panic {
		panic("notifier exploded")
	}
	if n.Err != nil {
		return n.Err
	}
	n.Sent = append(n.Sent, SentNotification{Recipient: recipient, Subject: subject, Body: body})
	return nil
}

// Messages returns a copy of the recorded confirmations
func (n *FakeNotifier) Messages() []SentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]SentNotification(nil), n.Sent...)
}

// FakeEvents records published domain events by type
type FakeEvents struct {
	mu    sync.Mutex
	Types []string
	Err   error
}

func (e *FakeEvents) record(eventType string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return e.Err
	}
	e.Types = append(e.Types, eventType)
	return nil
}

func (e *FakeEvents) PublishOrderCreated(_ context.Context, _ *models.Order, _ []models.OrderItem) error {
	return e.record(models.EventTypeOrderCreated)
}

func (e *FakeEvents) PublishOrderProcessing(_ context.Context, _ *models.Order, _ string) error {
	return e.record(models.EventTypeOrderProcessing)
}

func (e *FakeEvents) PublishPaymentRefunded(_ context.Context, _ *models.PaymentRecord, _ string) error {
	return e.record(models.EventTypePaymentRefunded)
}

// Published returns a copy of the recorded event types
func (e *FakeEvents) Published() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.Types...)
}

// FakeLocker is an in-process event lock; Err simulates an unavailable Redis.
type FakeLocker struct {
	mu    sync.Mutex
	held  map[string]*sync.Mutex
	Err   error
	Locks int
}

func (l *FakeLocker) LockEvent(_ context.Context, provider, eventID string) (func(), error) {
	l.mu.Lock()
	if l.Err != nil {
		l.mu.Unlock()
		return nil, l.Err
	}
	if l.held == nil {
		l.held = make(map[string]*sync.Mutex)
	}
	key := eventKey(provider, eventID)
	m, ok := l.held[key]
	if !ok {
		m = &sync.Mutex{}
		l.held[key] = m
	}
	l.Locks++
	l.mu.Unlock()

	m.Lock()
	return m.Unlock, nil
}
