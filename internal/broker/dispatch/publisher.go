package dispatch

import (
	"context"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/labflow/internal/broker/jsoncodec"
	"github.com/drblury/labflow/internal/broker/result"
)

// Message metadata keys set on published messages.
const (
	MetadataMessageID    = "labflow_message_id"
	MetadataInstrumentID = "labflow_instrument_id"
	MetadataSampleID     = "labflow_sample_id"
	MetadataProtocol     = "labflow_protocol"
)

// NATSPublisherFactory allows overriding the publisher creation for testing.
var NATSPublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// HTTPPublisherFactory allows overriding the publisher creation for testing.
var HTTPPublisherFactory = func(cfg wmhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmhttp.NewPublisher(cfg, logger)
}

// PublisherPipeline delivers canonical messages by publishing them to a
// watermill topic. The message UUID is the delivery message id, so a broker
// further downstream can deduplicate on it as well.
type PublisherPipeline struct {
	publisher message.Publisher
	topic     string
}

// NewPublisherPipeline wraps an existing watermill publisher.
func NewPublisherPipeline(publisher message.Publisher, topic string) *PublisherPipeline {
	return &PublisherPipeline{publisher: publisher, topic: topic}
}

func (p *PublisherPipeline) Deliver(ctx context.Context, msg result.ResultMessage) error {
	payload, err := jsoncodec.Marshal(msg)
	if err != nil {
		return Fatal("encode canonical message", err)
	}

	out := message.NewMessage(msg.MessageID, payload)
	out.SetContext(ctx)
	out.Metadata.Set(MetadataMessageID, msg.MessageID)
	out.Metadata.Set(MetadataInstrumentID, msg.InstrumentID)
	out.Metadata.Set(MetadataSampleID, msg.SampleID)
	out.Metadata.Set(MetadataProtocol, string(msg.Protocol))

	return p.publisher.Publish(p.topic, out)
}

// Close releases the underlying publisher.
func (p *PublisherPipeline) Close() error {
	return p.publisher.Close()
}

// NewNATSPipeline connects to a NATS server and delivers messages on the
// given subject.
func NewNATSPipeline(url, topic string, logger watermill.LoggerAdapter) (*PublisherPipeline, error) {
	publisher, err := NATSPublisherFactory(
		wmnats.PublisherConfig{
			URL:       url,
			Marshaler: &wmnats.NATSMarshaler{},
			NatsOptions: []nats.Option{
				nats.Name("labflow-dispatch"),
				nats.Timeout(10 * time.Second),
				nats.RetryOnFailedConnect(true),
			},
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nats publisher: %w", err)
	}
	return NewPublisherPipeline(publisher, topic), nil
}

// NewHTTPPipeline delivers messages by POSTing them to baseURL + topic.
func NewHTTPPipeline(baseURL, topic string, logger watermill.LoggerAdapter) (*PublisherPipeline, error) {
	publisher, err := HTTPPublisherFactory(
		wmhttp.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return wmhttp.DefaultMarshalMessageFunc(baseURL+topic, msg)
			},
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http publisher: %w", err)
	}
	return NewPublisherPipeline(publisher, topic), nil
}
