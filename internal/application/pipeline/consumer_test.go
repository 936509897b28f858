package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/meridian-chat/meridian/internal/adapters/redis"
	"github.com/meridian-chat/meridian/internal/domain"
	"github.com/meridian-chat/meridian/internal/domain/models"
	"github.com/meridian-chat/meridian/internal/ports"
)

type consumerFixture struct {
	consumer *Consumer
	log      *redis.MemoryLog
	messages *mockMessageRepo
	receipts *mockReceiptRepo
	convs    *mockConversationRepo
	replay   *redis.MemoryReplay
	fanout   *ChanFanoutQueue
}

func newConsumerFixture(t *testing.T) *consumerFixture {
	t.Helper()

	f := &consumerFixture{
		log:      redis.NewMemoryLog(),
		messages: newMockMessageRepo(),
		receipts: &mockReceiptRepo{},
		convs:    newMockConversationRepo(),
		replay:   redis.NewMemoryReplay(100),
		fanout:   NewFanoutQueue(64),
	}
	cfg := ConsumerConfig{MaxRetries: 3, PollInterval: 10 * time.Millisecond, BatchSize: 10}
	f.consumer = NewConsumer(0, cfg, f.log, mockTx{}, f.messages, f.receipts, f.convs, f.replay, f.fanout)
	return f
}

func testEnvelope(messageID string) *models.Envelope {
	return &models.Envelope{
		MessageID:      messageID,
		ConversationID: "conv_1",
		SenderID:       "alice",
		CreatedAt:      time.Now().UTC(),
		IdempotencyKey: "client_" + messageID,
		CorrelationID:  "corr_1",
		Metadata: models.EnvelopeMetadata{
			Content:      "hello",
			ContentType:  models.MessageTypeText,
			Priority:     models.PriorityNormal,
			RecipientIDs: []string{"alice", "bob", "carol"},
		},
	}
}

// appendAndRead pushes one envelope through the log and hands its claimed
// record to the test, mimicking what Run does per entry.
func (f *consumerFixture) appendAndRead(t *testing.T, env *models.Envelope) *ports.StreamRecord {
	t.Helper()
	ctx := context.Background()
	if _, err := f.log.Append(ctx, 0, env); err != nil {
		t.Fatalf("append: %v", err)
	}
	records, err := f.log.Read(ctx, 0, "test-consumer", 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	return records[0]
}

func (f *consumerFixture) drainEvents() []*ports.FanoutEvent {
	var events []*ports.FanoutEvent
	for {
		select {
		case ev := <-f.fanout.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestConsumer_Handle_PersistsAndFansOut(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()

	record := f.appendAndRead(t, testEnvelope("msg_001"))
	f.consumer.handle(ctx, record)

	stored := f.messages.stored()
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(stored))
	}
	if stored[0].ID != "msg_001" || stored[0].Content != "hello" {
		t.Errorf("unexpected stored message: %+v", stored[0])
	}

	// Sent receipts for every recipient except the sender.
	if len(f.receipts.recorded) != 2 {
		t.Fatalf("expected 2 sent receipts, got %d", len(f.receipts.recorded))
	}
	for _, r := range f.receipts.recorded {
		if r.State != models.ReceiptSent {
			t.Errorf("expected sent receipt, got %q", r.State)
		}
		if r.RecipientUserID == "alice" {
			t.Error("sender should not receive a receipt")
		}
	}

	if len(f.convs.touched) != 1 || f.convs.touched[0] != "msg_001" {
		t.Errorf("expected last-message pointer update, got %v", f.convs.touched)
	}

	events := f.drainEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 fanout events, got %d", len(events))
	}
	if events[0].Type != EventNewMessage || len(events[0].RecipientIDs) != 2 {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != EventMessageSent || len(events[1].RecipientIDs) != 1 || events[1].RecipientIDs[0] != "alice" {
		t.Errorf("unexpected sender confirmation: %+v", events[1])
	}

	replayed, ok, err := f.replay.Since(ctx, "conv_1", "")
	if err != nil || !ok || len(replayed) != 1 {
		t.Errorf("expected replay cache to hold the message: ok=%v len=%d err=%v", ok, len(replayed), err)
	}

	count, _ := f.log.PendingCount(ctx, 0)
	if count != 0 {
		t.Errorf("expected entry acked, %d still pending", count)
	}
}

func TestConsumer_Handle_DuplicateAcksWithoutFanout(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()

	first := f.appendAndRead(t, testEnvelope("msg_001"))
	f.consumer.handle(ctx, first)
	f.drainEvents()

	// A redelivery with the same idempotency key but a fresh server ID.
	dup := testEnvelope("msg_002")
	dup.IdempotencyKey = "client_msg_001"
	record := f.appendAndRead(t, dup)
	f.consumer.handle(ctx, record)

	if len(f.messages.stored()) != 1 {
		t.Errorf("duplicate should not create a second row, have %d", len(f.messages.stored()))
	}
	if events := f.drainEvents(); len(events) != 0 {
		t.Errorf("duplicate should not fan out, got %d events", len(events))
	}
	count, _ := f.log.PendingCount(ctx, 0)
	if count != 0 {
		t.Errorf("duplicate should still be acked, %d pending", count)
	}
}

func TestConsumer_Handle_TransientFailureRetriesInPlace(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()

	f.messages.failWith = domain.ErrPersistenceTransient
	f.messages.failFor = 1

	record := f.appendAndRead(t, testEnvelope("msg_001"))
	if f.consumer.handle(ctx, record) {
		t.Fatal("transient failure should stop the batch")
	}

	// The entry was neither acked nor re-appended; it stays pending and is
	// redelivered with an incremented delivery count.
	count, _ := f.log.PendingCount(ctx, 0)
	if count != 1 {
		t.Fatalf("expected the entry still pending, got %d", count)
	}
	records, err := f.log.Pending(ctx, 0, "test-consumer", 10)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected 1 pending record, got %d (err %v)", len(records), err)
	}
	if records[0].Deliveries != 2 {
		t.Errorf("expected delivery count 2 on redelivery, got %d", records[0].Deliveries)
	}

	// The second attempt succeeds and acks.
	if !f.consumer.handle(ctx, records[0]) {
		t.Fatal("retry should succeed")
	}
	if len(f.messages.stored()) != 1 {
		t.Errorf("expected message persisted on retry, have %d", len(f.messages.stored()))
	}
	if len(f.log.DeadLetters(0)) != 0 {
		t.Error("no dead letters expected")
	}
	count, _ = f.log.PendingCount(ctx, 0)
	if count != 0 {
		t.Errorf("expected entry acked after retry, %d pending", count)
	}
}

func TestConsumer_Handle_RetryBudgetExhausted(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()

	f.messages.failWith = domain.ErrPersistenceTransient

	record := f.appendAndRead(t, testEnvelope("msg_001"))
	for attempt := 0; attempt <= f.consumer.cfg.MaxRetries; attempt++ {
		if f.consumer.handle(ctx, record) {
			break
		}
		records, err := f.log.Pending(ctx, 0, "test-consumer", 10)
		if err != nil || len(records) != 1 {
			t.Fatalf("expected redelivery after attempt %d, got %d (err %v)", attempt, len(records), err)
		}
		record = records[0]
	}

	dead := f.log.DeadLetters(0)
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter after retry budget, got %d", len(dead))
	}
	if dead[0].Metadata.RetryCount != f.consumer.cfg.MaxRetries+1 {
		t.Errorf("expected retry count %d on dead letter, got %d",
			f.consumer.cfg.MaxRetries+1, dead[0].Metadata.RetryCount)
	}
	if f.messages.upserts != f.consumer.cfg.MaxRetries+1 {
		t.Errorf("expected %d attempts, got %d", f.consumer.cfg.MaxRetries+1, f.messages.upserts)
	}
	if len(f.messages.stored()) != 0 {
		t.Error("nothing should be persisted")
	}
	if events := f.drainEvents(); len(events) != 0 {
		t.Errorf("dead-lettered message should not fan out, got %d events", len(events))
	}
	count, _ := f.log.PendingCount(ctx, 0)
	if count != 0 {
		t.Errorf("dead-lettered entry should leave the pending list, %d left", count)
	}
}

func TestConsumer_Handle_PermanentFailureDeadLettersImmediately(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()

	f.messages.failWith = fmt.Errorf("%w: conversation row gone", domain.ErrPersistencePermanent)

	record := f.appendAndRead(t, testEnvelope("msg_001"))
	f.consumer.handle(ctx, record)

	if len(f.log.DeadLetters(0)) != 1 {
		t.Fatalf("expected immediate dead letter, got %d", len(f.log.DeadLetters(0)))
	}
	if f.messages.upserts != 1 {
		t.Errorf("expected a single attempt, got %d", f.messages.upserts)
	}
	count, _ := f.log.PendingCount(ctx, 0)
	if count != 0 {
		t.Errorf("dead-lettered entry should be removed from pending, %d left", count)
	}
}

func TestConsumer_DrainPending(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()

	// Claim two entries without acking, simulating a crash between persist
	// and ack.
	for i := 0; i < 2; i++ {
		env := testEnvelope(fmt.Sprintf("msg_%03d", i))
		if _, err := f.log.Append(ctx, 0, env); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := f.log.Read(ctx, 0, f.consumer.name, 10, 50*time.Millisecond); err != nil {
		t.Fatalf("claim: %v", err)
	}

	clear, err := f.consumer.drainPending(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !clear {
		t.Fatal("drain should report a clear pending list")
	}

	if len(f.messages.stored()) != 2 {
		t.Errorf("expected both pending entries persisted, got %d", len(f.messages.stored()))
	}
	count, _ := f.log.PendingCount(ctx, 0)
	if count != 0 {
		t.Errorf("expected empty pending list after drain, got %d", count)
	}
}

func TestConsumer_Run_ProcessesUntilCanceled(t *testing.T) {
	f := newConsumerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.consumer.Run(ctx)
		close(done)
	}()

	if _, err := f.log.Append(context.Background(), 0, testEnvelope("msg_001")); err != nil {
		t.Fatalf("append: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for len(f.messages.stored()) == 0 {
		select {
		case <-deadline:
			t.Fatal("message was not processed in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on cancel")
	}
}

// A transient failure on the head entry must not let later entries overtake
// it: the failed entry retries in place and fanout order matches append
// order.
func TestConsumer_Run_TransientFailurePreservesOrder(t *testing.T) {
	f := newConsumerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.messages.failWith = domain.ErrPersistenceTransient
	f.messages.failFor = 1

	for _, env := range []*models.Envelope{testEnvelope("msg_a"), testEnvelope("msg_b")} {
		if _, err := f.log.Append(context.Background(), 0, env); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		f.consumer.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(f.messages.stored()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("both messages were not processed in time, have %d", len(f.messages.stored()))
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	var order []string
	for _, ev := range f.drainEvents() {
		if ev.Type == EventNewMessage {
			order = append(order, ev.Message.ID)
		}
	}
	if len(order) != 2 || order[0] != "msg_a" || order[1] != "msg_b" {
		t.Errorf("expected fanout order [msg_a msg_b], got %v", order)
	}
	if len(f.log.DeadLetters(0)) != 0 {
		t.Error("no dead letters expected")
	}
}

func TestFanoutQueue_DropsWhenFull(t *testing.T) {
	q := NewFanoutQueue(1)
	defer q.Close()

	q.Enqueue(&ports.FanoutEvent{Type: EventNewMessage, ConversationID: "conv_1"})
	q.Enqueue(&ports.FanoutEvent{Type: EventNewMessage, ConversationID: "conv_2"})

	var received []*ports.FanoutEvent
	for {
		select {
		case ev := <-q.Events():
			received = append(received, ev)
			continue
		default:
		}
		break
	}
	if len(received) != 1 {
		t.Fatalf("expected the overflow event dropped, got %d events", len(received))
	}
	if received[0].ConversationID != "conv_1" {
		t.Errorf("expected the first event kept, got %s", received[0].ConversationID)
	}
}

func TestWorkers_RunStopsAllConsumers(t *testing.T) {
	f := newConsumerFixture(t)
	cfg := ConsumerConfig{MaxRetries: 3, PollInterval: 10 * time.Millisecond, BatchSize: 10}

	workers := NewWorkers(4, cfg, func(p int) *Consumer {
		return NewConsumer(p, cfg, f.log, mockTx{}, f.messages, f.receipts, f.convs, f.replay, f.fanout)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		workers.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop on cancel")
	}
}
