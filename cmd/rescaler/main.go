package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/giobyte8/rescaler/internal/config"
	"github.com/giobyte8/rescaler/internal/consumer"
	"github.com/giobyte8/rescaler/internal/imaging"
	"github.com/giobyte8/rescaler/internal/logging"
	"github.com/giobyte8/rescaler/internal/services"
	"github.com/giobyte8/rescaler/internal/telemetry"
	variantsgen "github.com/giobyte8/rescaler/internal/variants_gen"
)

func prepareAMQPUri() string {
	rb_host := os.Getenv("RABBITMQ_HOST")
	rb_port := os.Getenv("RABBITMQ_PORT")
	rb_user := os.Getenv("RABBITMQ_USER")
	rb_pass := os.Getenv("RABBITMQ_PASS")

	return fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		rb_user,
		rb_pass,
		rb_host,
		rb_port,
	)
}

func prepareAMQPConsumer(
	cfg config.Config,
	telemetry *telemetry.TelemetrySvc,
) (consumer.MessageConsumer, error) {
	var amqpCfg consumer.AMQPConfig
	amqpCfg.AMQPUri = prepareAMQPUri()
	amqpCfg.Exchange = os.Getenv("AMQP_EXCHANGE")
	amqpCfg.ScaleQueueName = os.Getenv("AMQP_QUEUE_SCALE_REQUESTS")
	amqpCfg.VariantsDelQueueName = os.Getenv("AMQP_QUEUE_VARIANTS_DEL_REQUESTS")

	variantsSvc, err := prepareVariantsService(cfg, telemetry)
	if err != nil {
		return nil, err
	}

	return consumer.NewAMQPConsumer(amqpCfg, variantsSvc, telemetry)
}

func prepareVariantsService(
	cfg config.Config,
	telemetry *telemetry.TelemetrySvc,
) (*services.VariantsService, error) {
	if cfg.DirOriginalsRoot == "" {
		return nil, fmt.Errorf(
			"missing required DIR_ORIGINALS_ROOT for variants service",
		)
	}

	codec, err := imaging.NewCodec(
		cfg.Scaling.Engine,
		cfg.Scaling.Interpolation,
	)
	if err != nil {
		return nil, err
	}

	pipeline := variantsgen.NewPipeline(
		codec,
		cfg.Scaling.AllowedExtensions,
		telemetry.Metrics(),
	)

	return services.NewVariantsService(
		services.VariantsConfig{
			DirOriginalsRoot: cfg.DirOriginalsRoot,
			Widths:           cfg.Scaling.Widths,
			Quality:          cfg.Scaling.Quality,
		},
		pipeline,
	), nil
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Setup(os.Stdout, os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info(
		"Starting Rescaler service...",
		"engine", cfg.Scaling.Engine,
		"widths", cfg.Scaling.Widths,
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Init telemetry services
	telemetrySvc, err := telemetry.NewTelemetrySvc(ctx, telemetry.Options{
		OtelEnabled:       cfg.Telemetry.OtelEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
	})
	if err != nil {
		slog.Error("Failed to initialize Telemetry services", "error", err)
		os.Exit(1)
	}

	amqpConsumer, err := prepareAMQPConsumer(cfg, telemetrySvc)
	if err != nil {
		slog.Error("Failed to create AMQP consumer", "error", err)
		os.Exit(1)
	}

	if err := amqpConsumer.Start(ctx); err != nil {
		slog.Error("Failed to start AMQP consumer", "error", err)
		os.Exit(1)
	}
	slog.Info("Rescaler service is running. Press Ctrl+C to stop.")

	// Graceful shutdown (listen for OS signals)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sigChan:
		slog.Info("Received OS signal, shutting down...", "signal", s.String())
	case <-ctx.Done():
		slog.Info(
			"Parent context cancelled, shutting down...",
			"reason",
			ctx.Err(),
		)
	}

	// --- --- --- --- --- --- --- --- --- --- --- ---
	// Perform graceful shutdown operations
	// before cancelling context

	amqpConsumer.Stop()
	if err := telemetrySvc.Shutdown(ctx); err != nil {
		slog.Error("Failed to shutdown telemetry services", "error", err)
	}

	// Trigger context cancellation
	cancel()
	slog.Info("Rescaler service exited gracefully.")
}
