package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/pushgate/broker"
	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/metrics"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

const tickContentType = "application/json"

// TickHandler process one raw upstream tick
type TickHandler func(ctxt context.Context, raw []byte) error

// TickSource upstream market data feed
type TickSource interface {
	// Name source name used in logs and metrics
	Name() string
	// Start begin receiving ticks. Each received tick is passed to handler. The source
	// stops once ctxt is cancelled.
	Start(ctxt context.Context, wg *sync.WaitGroup, handler TickHandler) error
}

// DecodeTick parse and validate a JSON encoded price tick
func DecodeTick(validate *validator.Validate, raw []byte) (common.PriceTick, error) {
	var tick common.PriceTick
	if err := json.Unmarshal(raw, &tick); err != nil {
		return common.PriceTick{}, fmt.Errorf("malformed tick: %w", err)
	}
	if err := validate.Struct(&tick); err != nil {
		return common.PriceTick{}, fmt.Errorf("invalid tick: %w", err)
	}
	return tick, nil
}

// Adapter converts upstream ticks into market topic publishes
type Adapter struct {
	common.Component
	topicPrefix string
	publisher   broker.TopicBroker
	validate    *validator.Validate
}

// GetAdapter define a new ingestion adapter
func GetAdapter(publisher broker.TopicBroker, topicPrefix string) (*Adapter, error) {
	if topicPrefix == "" {
		return nil, fmt.Errorf("ingest topic prefix can not be empty")
	}
	return &Adapter{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "ingest", "component": "adapter", "instance": topicPrefix,
			},
		},
		topicPrefix: topicPrefix,
		publisher:   publisher,
		validate:    validator.New(),
	}, nil
}

// TopicFor the market topic a product's ticks are published on
func (a *Adapter) TopicFor(productID string) string {
	return a.topicPrefix + productID
}

// HandlerFor build the tick handler for one source
func (a *Adapter) HandlerFor(source string) TickHandler {
	return func(ctxt context.Context, raw []byte) error {
		tick, err := DecodeTick(a.validate, raw)
		if err != nil {
			metrics.TicksIngested.WithLabelValues(source, "malformed").Inc()
			log.WithError(err).WithFields(a.LogTags).WithField("source", source).Warn(
				"Skipping upstream tick",
			)
			return err
		}
		payload, err := json.Marshal(&tick)
		if err != nil {
			metrics.TicksIngested.WithLabelValues(source, "malformed").Inc()
			return err
		}
		if err := a.publisher.PublishAsync(
			ctxt, a.TopicFor(tick.ProductID), tickContentType, payload,
		); err != nil {
			metrics.TicksIngested.WithLabelValues(source, "rejected").Inc()
			log.WithError(err).WithFields(a.LogTags).WithField("source", source).Error(
				"Failed to publish upstream tick",
			)
			return err
		}
		metrics.TicksIngested.WithLabelValues(source, "published").Inc()
		return nil
	}
}

// Run start every source, feeding this adapter
func (a *Adapter) Run(ctxt context.Context, wg *sync.WaitGroup, sources ...TickSource) error {
	for _, source := range sources {
		if err := source.Start(ctxt, wg, a.HandlerFor(source.Name())); err != nil {
			log.WithError(err).WithFields(a.LogTags).Errorf("Failed to start source %s", source.Name())
			return err
		}
		log.WithFields(a.LogTags).Infof("Started tick source %s", source.Name())
	}
	return nil
}
