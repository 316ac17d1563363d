package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"device-auth-service/internal/client"
	"device-auth-service/internal/config"
	"device-auth-service/internal/email"
	"device-auth-service/internal/util"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		util.Fatal("Failed to load config", util.ErrorField(err))
	}
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	if !cfg.Kafka.Enabled {
		util.Fatal("mailworker requires KAFKA_ENABLED=true")
	}

	sender := email.NewHTTPSender(cfg.Email, util.Named("email"))
	if !sender.Configured() {
		util.Fatal("Email API is not configured")
	}

	consumer, err := client.NewKafkaConsumer(cfg, cfg.Kafka.EmailTopic, cfg.Kafka.GroupID, util.Named("kafka"))
	if err != nil {
		util.Fatal("Failed to create Kafka consumer", util.ErrorField(err))
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := email.NewWorker(consumer, sender, email.WorkerConfig{
		MaxAge:      cfg.OTP.TTL,
		MaxAttempts: 3,
	}, clockwork.NewRealClock(), util.Named("mailworker"))

	util.Info("Mail worker started",
		util.String("topic", cfg.Kafka.EmailTopic),
		util.String("group_id", cfg.Kafka.GroupID),
	)
	if err := worker.Run(ctx); err != nil {
		util.Error("Mail worker stopped", util.ErrorField(err))
		return
	}
	util.Info("Mail worker stopped")
}
