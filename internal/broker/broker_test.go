package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	mu        sync.Mutex
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type recordingHandler struct {
	deals  []models.DealEvent
	bars   []models.Bar
	want   int
	cancel context.CancelFunc
	mu     sync.Mutex
}

func (h *recordingHandler) seen() {
	if len(h.deals)+len(h.bars) >= h.want {
		h.cancel()
	}
}

func (h *recordingHandler) OnDeal(_ context.Context, d models.DealEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deals = append(h.deals, d)
	h.seen()
	return errors.New("ledger write failed")
}

func (h *recordingHandler) OnBar(_ context.Context, b models.Bar) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bars = append(h.bars, b)
	h.seen()
	return nil
}

func TestKafkaGateway_Submit(t *testing.T) {
	w := &fakeWriter{}
	g := newKafkaGateway(w, "option.commands", zerolog.Nop())
	cmd := models.OrderCommand{ID: "c1", StrategyID: "s1", OpType: models.OpSellOpen, OrderCode: "10008555.SHO",
		Volume: 2, Remark: "s1|abc|", CreatedAt: time.Date(2025, 5, 26, 10, 0, 0, 0, time.UTC)}

	require.NoError(t, g.Submit(context.Background(), cmd))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "s1", string(w.msgs[0].Key))

	var decoded models.OrderCommand
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, cmd.OrderCode, decoded.OrderCode)
	assert.Equal(t, models.OpSellOpen, decoded.OpType)

	w.err = errors.New("leader not available")
	assert.Error(t, g.Submit(context.Background(), cmd))
	require.NoError(t, g.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaGateway_Validates(t *testing.T) {
	_, err := NewKafkaGateway(KafkaConfig{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewKafkaGateway(KafkaConfig{Brokers: []string{"localhost:9092"}}, zerolog.Nop())
	assert.Error(t, err)

	g, err := NewKafkaGateway(DefaultKafkaConfig(), zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, g.Close())
}

func TestKafkaFeed_DispatchesAndCommits(t *testing.T) {
	deal, _ := json.Marshal(models.DealEvent{InstrumentID: "10008555", ExchangeID: "SHO", Direction: models.CodeSell,
		OffsetFlag: models.OffsetOpen, Volume: 5, Price: 0.05, Remark: "s1|a|"})
	bar, _ := json.Marshal(models.Bar{Symbol: "510050.SH", Close: 2.55})

	deals := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte("{not json")},
		{Offset: 2, Value: deal},
	}}
	bars := &fakeReader{msgs: []kafka.Message{{Offset: 7, Value: bar}}}
	feed := &KafkaFeed{deals: deals, bars: bars, logger: zerolog.Nop()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := &recordingHandler{want: 2, cancel: cancel}

	require.NoError(t, feed.Run(ctx, h))
	require.Len(t, h.deals, 1)
	assert.Equal(t, int64(5), h.deals[0].Volume)
	require.Len(t, h.bars, 1)
	assert.Equal(t, 2.55, h.bars[0].Close)

	// Poison and failed messages are committed too.
	assert.Eventually(t, func() bool { return len(deals.Committed()) == 2 }, time.Second, 10*time.Millisecond)
	assert.NoError(t, feed.Close())
}

func TestDecodeDeal_Rejects(t *testing.T) {
	_, err := DecodeDeal([]byte(`{"instrument_id":"","volume":1}`))
	assert.Error(t, err)
	_, err = DecodeDeal([]byte(`{"instrument_id":"x","volume":0}`))
	assert.Error(t, err)
	_, err = DecodeBar([]byte(`{"close":1}`))
	assert.Error(t, err)
}

func TestCircuitBreakerGateway_Trips(t *testing.T) {
	calls := 0
	failing := GatewayFunc(func(context.Context, models.OrderCommand) error {
		calls++
		return errors.New("gateway timeout")
	})
	cb := NewCircuitBreakerGatewayWithSettings(failing, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  2,
		FailureRatio: 0.5,
	}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		assert.Error(t, cb.Submit(context.Background(), models.OrderCommand{}))
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	err := cb.Submit(context.Background(), models.OrderCommand{})
	var unavailable *UnavailableError
	assert.ErrorAs(t, err, &unavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, calls)
}

func TestPaperGateway_Records(t *testing.T) {
	p := NewPaperGateway(zerolog.Nop())
	require.NoError(t, p.Submit(context.Background(), models.OrderCommand{ID: "c1"}))
	require.NoError(t, p.Submit(context.Background(), models.OrderCommand{ID: "c2"}))

	got := p.Commands()
	require.Len(t, got, 2)
	assert.Equal(t, "c2", got[1].ID)
}
