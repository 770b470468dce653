package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/austindbirch/crpt_submit/internal/config"
	"github.com/austindbirch/crpt_submit/internal/logging"
	"github.com/austindbirch/crpt_submit/internal/metrics"
)

// nsqdHTTPAddr derives the nsqd HTTP address from its TCP address; nsqd
// listens for HTTP one port above TCP by default.
func nsqdHTTPAddr(tcpAddr string) (string, error) {
	host, port, err := net.SplitHostPort(tcpAddr)
	if err != nil {
		return "", err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("nsqd port %q: %w", port, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(p+1)), nil
}

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// readBacklog returns channel depths for topic from an nsqd /stats body.
func readBacklog(r io.Reader, topic string) (map[string]int64, error) {
	var st nsqStats
	if err := json.NewDecoder(r).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode nsq stats: %w", err)
	}
	depths := map[string]int64{}
	for _, t := range st.Topics {
		if t.Name != topic {
			continue
		}
		for _, ch := range t.Channels {
			depths[ch.Name] = ch.Depth
		}
	}
	return depths, nil
}

// monitorBacklog polls nsqd for the documents and DLQ topic depths until
// ctx ends.
func monitorBacklog(ctx context.Context, cfg config.NSQ, logger *logging.Logger, every time.Duration) {
	addr, err := nsqdHTTPAddr(cfg.NsqdTCPAddr)
	if err != nil {
		logger.Plain().WithError(err).Warn("backlog monitor disabled")
		return
	}
	httpClient := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://%s/stats?format=json", addr)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, topic := range []string{cfg.DocumentsTopic, cfg.DLQTopic} {
			depths, err := pollBacklog(ctx, httpClient, url+"&topic="+topic, topic)
			if err != nil {
				logger.Plain().WithError(err).Debug("nsq stats unavailable")
				break
			}
			for ch, d := range depths {
				metrics.UpdateNSQBacklog(topic, ch, float64(d))
			}
		}
	}
}

func pollBacklog(ctx context.Context, c *http.Client, url, topic string) (map[string]int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nsq stats: status %d", resp.StatusCode)
	}
	return readBacklog(resp.Body, topic)
}
