package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/modwatch/nsfwbot/pkg/channels"
	"github.com/modwatch/nsfwbot/pkg/classify"
	"github.com/modwatch/nsfwbot/pkg/config"
	"github.com/modwatch/nsfwbot/pkg/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "nsfwbot",
		Short:        "Matrix bot that classifies shared images and moderates NSFW content",
		RunE:         run,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	classifier := classify.NewHTTPClassifier(classify.HTTPOptions{
		Endpoint:          cfg.Classifier.Endpoint,
		Token:             cfg.Classifier.Token,
		Timeout:           time.Duration(cfg.Classifier.TimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.Classifier.RequestsPerSecond,
	})

	channel, err := channels.NewMatrix(cfg, classifier)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return channel.Start(ctx)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.InfoCF("metrics", "Serving prometheus metrics", map[string]any{"addr": addr})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.ErrorCF("metrics", "Metrics listener failed", map[string]any{"error": err.Error()})
	}
}
