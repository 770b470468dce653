package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/austindbirch/crpt_submit/internal/config"
	"github.com/austindbirch/crpt_submit/internal/fakeapi"
	"github.com/austindbirch/crpt_submit/internal/logging"
)

func main() {
	cfg := config.FromEnv()
	logger := logging.New("fake-crpt")
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	key, err := loadPrivateKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid JWT_PRIVATE_KEY")
	}
	if key == nil {
		logger.Plain().Info("no JWT_PRIVATE_KEY, generating a signing key")
	}

	srv, err := fakeapi.New(serverConfig(cfg.FakeAPI, key, os.Getenv("FAKE_CRPT_REJECT_SIGNATURES"), logger))
	if err != nil {
		logger.Plain().WithError(err).Fatal("fake api setup failed")
	}

	httpSrv := &http.Server{
		Addr:              cfg.FakeAPI.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":       httpSrv.Addr,
			"fail_first": cfg.FakeAPI.FailFirstN,
			"rate":       cfg.FakeAPI.RateLimit,
			"latency":    cfg.FakeAPI.Latency.String(),
		}).Info("fake-crpt listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("fake-crpt server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	c := srv.Counts()
	logger.Plain().WithFields(map[string]any{
		"key":    c.Key,
		"token":  c.Token,
		"create": c.Create,
	}).Info("fake-crpt stopped")
}

func serverConfig(fc config.FakeAPI, key *rsa.PrivateKey, rejected string, logger *logging.Logger) fakeapi.Config {
	cfg := fakeapi.Config{
		PrivateKey: key,
		TokenTTL:   fc.TokenTTL,
		RateLimit:  rate.Limit(fc.RateLimit),
		Burst:      fc.Burst,
		FailFirst:  fc.FailFirstN,
		Latency:    fc.Latency,
		Logger:     logger,
	}
	if deny := splitList(rejected); len(deny) > 0 {
		cfg.AcceptSignature = func(sig string) bool {
			_, bad := deny[sig]
			return !bad
		}
	}
	return cfg
}

func splitList(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out[p] = struct{}{}
		}
	}
	return out
}

// loadPrivateKey parses a PKCS1 or PKCS8 RSA key. An empty string returns
// nil so the server generates one.
func loadPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	if pemData == "" {
		return nil, nil
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}
