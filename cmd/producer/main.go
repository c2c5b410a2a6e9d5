package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"streamcast/internal/core/domain"
	"streamcast/internal/infrastructure/media"
	"streamcast/internal/infrastructure/monitoring"
	"streamcast/internal/infrastructure/producer"
	"streamcast/pkg/config"
	"streamcast/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config.yaml")
	url := flag.String("url", "", "consumer websocket URL (overrides producer.url)")
	frames := flag.Int64("frames", 0, "stop after this many frames, 0 streams forever")
	autoplay := flag.Bool("autoplay", true, "send frames before the consumer sends PLAY")
	flag.Parse()

	_ = godotenv.Load()

	cfg, cfgErr := config.Load(*configPath)
	if cfgErr != nil {
		defaults := config.DefaultConfig()
		logger.New(defaults.Logging.Level, defaults.Logging.Format).Sugar().
			Fatalw("failed to load config", "path", *configPath, "error", cfgErr)
	}
	if *url != "" {
		cfg.Producer.URL = *url
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	source, err := media.NewPatternSource(cfg.Stream.DefaultWidth, cfg.Stream.DefaultHeight, cfg.Stream.TargetFPS, *frames)
	if err != nil {
		log.Fatalw("failed to create sample source", "error", err)
	}
	encoder := media.NewJPEGEncoder(source, cfg.Stream.DefaultWidth, cfg.Stream.DefaultHeight)
	defer encoder.Close()

	clk := clock.New()
	client := producer.NewClient(producer.Config{
		URL:              cfg.Producer.URL,
		ReconnectBackoff: cfg.Producer.ReconnectBackoff,
		DialTimeout:      cfg.Producer.DialTimeout,
		WriteTimeout:     cfg.Producer.WriteTimeout,
	}, clk, monitoring.NewLogNotifier(log), log)

	pump := producer.NewPump(client, encoder, producer.PumpConfig{
		Format:       encoder.Format(cfg.Stream.TargetFPS),
		CodecConfig:  encoder.CodecConfig(),
		Quality:      cfg.QoS.DefaultQuality,
		StartPlaying: *autoplay,
	}, clk, log)
	client.OnControl(pump.HandleControl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Infow("Starting streamcast producer",
		"url", cfg.Producer.URL,
		"width", cfg.Stream.DefaultWidth,
		"height", cfg.Stream.DefaultHeight,
		"fps", cfg.Stream.TargetFPS,
	)
	client.Start(ctx)

	err = pump.Run(ctx)
	switch {
	case errors.Is(err, domain.ErrSourceExhausted):
		log.Infow("all frames sent", "sent", pump.Sent(), "skipped", pump.Skipped())
	case errors.Is(err, context.Canceled):
		log.Info("Received shutdown signal")
	case err != nil:
		log.Errorw("producer failed", "error", err)
	}

	if err := client.Close(); err != nil {
		log.Errorw("Error closing producer client", "error", err)
	}
	log.Infow("streamcast producer stopped", "sent", pump.Sent(), "skipped", pump.Skipped())

	if err != nil && !errors.Is(err, domain.ErrSourceExhausted) && !errors.Is(err, context.Canceled) {
		_ = zapLogger.Sync()
		os.Exit(1)
	}
}
