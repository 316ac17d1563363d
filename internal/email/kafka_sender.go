package email

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"device-auth-service/internal/otp"
)

type producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSender queues messages for cmd/mailworker. A nil error means the job
// reached the broker, not that the email was delivered.
type KafkaSender struct {
	producer producer
	topic    string
	logger   *zap.Logger
}

func NewKafkaSender(p producer, topic string, logger *zap.Logger) *KafkaSender {
	return &KafkaSender{producer: p, topic: topic, logger: logger}
}

func (s *KafkaSender) SendCode(ctx context.Context, msg otp.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.producer.ProduceMessage(ctx, s.topic, []byte(msg.ToEmail), payload, map[string]string{
		"job": "otp_email",
	}); err != nil {
		return fmt.Errorf("failed to queue email: %w", err)
	}
	s.logger.Debug("email job queued", zap.String("topic", s.topic))
	return nil
}

// DecodeJob parses a message produced by KafkaSender.
func DecodeJob(value []byte) (otp.Message, error) {
	var msg otp.Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return otp.Message{}, fmt.Errorf("invalid email job: %w", err)
	}
	if msg.ToEmail == "" || msg.Code == "" {
		return otp.Message{}, fmt.Errorf("invalid email job: missing recipient or code")
	}
	return msg, nil
}
