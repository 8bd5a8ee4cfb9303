package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"vaultlottery/internal/metrics"
	"vaultlottery/internal/models"
)

type recordingSink struct {
	got []models.Event
	err error
}

func (r *recordingSink) Publish(_ context.Context, ev models.Event) error {
	r.got = append(r.got, ev)
	return r.err
}

func TestPublisher(t *testing.T) {
	failing := &recordingSink{err: errors.New("unavailable")}
	ok := &recordingSink{}
	p := NewPublisher(failing, nil, ok)

	evs := []models.Event{
		{Seq: 1, Kind: models.EventVaultCreated},
		{Seq: 2, Kind: models.EventDeposited},
	}
	p.Publish(context.Background(), evs)

	assert.Len(t, failing.got, 2)
	require.Len(t, ok.got, 2, "a failing sink must not starve the others")
	assert.Equal(t, uint64(2), ok.got[1].Seq)
}

func TestNilPublisher(t *testing.T) {
	var p *Publisher
	p.Publish(context.Background(), []models.Event{{Seq: 1}})
}

func TestMetricsSink(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	sink := MetricsSink{Metrics: m}

	require.NoError(t, sink.Publish(context.Background(), models.Event{Kind: models.EventDeposited, Amount: 3}))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Deposited))
}

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var out kgo.ProduceResults
	for _, r := range rs {
		f.records = append(f.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func (f *fakeProducer) Close() { f.closed = true }

func TestKafkaSink(t *testing.T) {
	t.Run("publishes JSON keyed by vault", func(t *testing.T) {
		fp := &fakeProducer{}
		sink := &KafkaSink{client: fp, topic: "lottery-events"}

		ev := models.Event{Seq: 4, Kind: models.EventWinnerDrawn, Vault: "v1", WinnerID: 2}
		require.NoError(t, sink.Publish(context.Background(), ev))
		require.Len(t, fp.records, 1)

		rec := fp.records[0]
		assert.Equal(t, "lottery-events", rec.Topic)
		assert.Equal(t, []byte("v1"), rec.Key)
		assert.Equal(t, "kind", rec.Headers[0].Key)

		var decoded models.Event
		require.NoError(t, json.Unmarshal(rec.Value, &decoded))
		assert.Equal(t, uint64(2), decoded.WinnerID)

		sink.Close()
		assert.True(t, fp.closed)
	})

	t.Run("surfaces produce errors", func(t *testing.T) {
		sink := &KafkaSink{client: &fakeProducer{err: errors.New("broker down")}, topic: "t"}
		require.Error(t, sink.Publish(context.Background(), models.Event{Seq: 1}))
	})

	t.Run("requires brokers and topic", func(t *testing.T) {
		_, err := NewKafkaSink(nil, "t")
		require.Error(t, err)
		_, err = NewKafkaSink([]string{"localhost:9092"}, "")
		require.Error(t, err)
	})
}
