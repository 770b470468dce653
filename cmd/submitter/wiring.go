package main

import (
	"context"
	"errors"
	"strings"

	"github.com/austindbirch/crpt_submit/internal/client"
	"github.com/austindbirch/crpt_submit/internal/config"
	"github.com/austindbirch/crpt_submit/internal/dispatch"
	"github.com/austindbirch/crpt_submit/internal/health"
	"github.com/austindbirch/crpt_submit/internal/logging"
	"github.com/austindbirch/crpt_submit/internal/ratelimit"
)

func clientOptions(cfg config.Config, logger *logging.Logger, reporters []dispatch.Reporter) []client.Option {
	opts := []client.Option{
		client.WithBaseURL(cfg.API.BaseURL),
		client.WithConnectTimeout(cfg.API.ConnectTimeout),
		client.WithRequestTimeout(cfg.API.RequestTimeout),
		client.WithLimiterMode(ratelimit.Mode(cfg.RateLimit.Mode)),
		client.WithLogger(logger),
	}
	if cfg.API.InsecureTLS {
		opts = append(opts, client.WithInsecureTLS())
	}
	if cfg.Pool.QueueSize > 0 {
		opts = append(opts, client.WithQueueSize(cfg.Pool.QueueSize))
	}
	if cfg.Auth.TokenCache {
		opts = append(opts, client.WithTokenCache(cfg.Auth.CacheSkew))
	}
	if len(reporters) > 0 {
		opts = append(opts, client.WithReporters(reporters...))
	}
	return opts
}

type statser interface {
	Stats() dispatch.Stats
}

func dispatcherCheck(s statser) health.Checker {
	return health.CheckFunc(func(context.Context) error {
		if s.Stats().Closed {
			return errors.New("dispatcher closed")
		}
		return nil
	})
}

// nsqLogger routes go-nsq's internal logging through the service logger.
type nsqLogger struct {
	log *logging.Logger
}

func (l nsqLogger) Output(_ int, s string) error {
	msg := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(msg, "ERR"):
		l.log.Plain().WithField("component", "nsq").Error(msg)
	case strings.HasPrefix(msg, "WRN"):
		l.log.Plain().WithField("component", "nsq").Warn(msg)
	default:
		l.log.Plain().WithField("component", "nsq").Debug(msg)
	}
	return nil
}
