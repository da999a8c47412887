package notify

import (
	"encoding/json"
	"time"

	"relaychat/logger"

	"github.com/Shopify/sarama"
)

// Notifier hands notification events to the email/push subsystem over
// Kafka. Strictly fire-and-forget: the messaging core never blocks on
// or observes delivery.
type Notifier struct {
	producer sarama.AsyncProducer
	topic    string
}

type event struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	TS      int64           `json:"ts"`
}

func NewNotifier(brokers []string, topic string) (*Notifier, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = 3

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	n := &Notifier{producer: producer, topic: topic}
	go func() {
		for perr := range producer.Errors() {
			logger.Warnf("[notify] drop event err=%v", perr.Err)
		}
	}()
	return n, nil
}

// Notify enqueues the event and returns immediately.
func (n *Notifier) Notify(kind string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Warnf("[notify] marshal kind=%s err=%v", kind, err)
		return
	}
	data, _ := json.Marshal(event{Kind: kind, Payload: raw, TS: time.Now().UnixMilli()})
	select {
	case n.producer.Input() <- &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(kind),
		Value: sarama.ByteEncoder(data),
	}:
	default:
		// producer backed up; notifications are best-effort
		logger.Warnf("[notify] input full, drop kind=%s", kind)
	}
}

func (n *Notifier) Close() error {
	return n.producer.Close()
}

// Nop is used when Kafka is disabled in config.
type Nop struct{}

func (Nop) Notify(string, any) {}

// Sender is what the gateway depends on.
type Sender interface {
	Notify(kind string, payload any)
}
