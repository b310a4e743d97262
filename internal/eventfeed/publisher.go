// Package eventfeed is the optional franz-go producer that republishes
// DecisionTable winner transitions for downstream consumers (analytics,
// alerting) that want a stream rather than a point-in-time /v1/routes
// read. Fanout push events are not published. Off by default.
package eventfeed

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"time"

	"github.com/route-beacon/bgpcore/internal/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

// Event is the wire shape of one republished decision event.
type Event struct {
	Kind      string    `json:"kind"` // add, replace, delete
	AFI       string    `json:"afi"`
	SAFI      string    `json:"safi"`
	Prefix    string    `json:"prefix"`
	NextHop   string    `json:"next_hop,omitempty"`
	ASPath    []uint32  `json:"as_path,omitempty"`
	PeerID    uint32    `json:"peer_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher owns one franz-go producer client and a fixed target topic.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

// NewPublisher constructs a Publisher. tlsCfg/saslMech may be nil to
// disable either.
func NewPublisher(brokers []string, clientID, topic string, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) (*Publisher, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchMaxBytes(1 << 20),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

// Publish republishes one event asynchronously; a produce failure is
// logged and counted, never surfaced to the caller — a dropped event-feed
// message never invalidates the routing state it describes.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("eventfeed: marshal failed", zap.Error(err))
		metrics.EventFeedErrorsTotal.WithLabelValues("marshal").Inc()
		return
	}

	record := &kgo.Record{Topic: p.topic, Key: []byte(ev.Prefix), Value: payload}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("eventfeed: produce failed", zap.Error(err))
			metrics.EventFeedErrorsTotal.WithLabelValues("produce").Inc()
			return
		}
		metrics.EventFeedPublishedTotal.WithLabelValues(ev.AFI, ev.SAFI, ev.Kind).Inc()
	})
}

// Close flushes any buffered records and shuts the client down.
func (p *Publisher) Close() {
	p.client.Close()
}
