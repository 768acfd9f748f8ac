package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/tonerelay/internal/config"
	"github.com/austindbirch/tonerelay/internal/logging"
	"github.com/austindbirch/tonerelay/internal/metrics"
)

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// BacklogMonitor polls nsqd /stats and exports topic depths.
type BacklogMonitor struct {
	cfg    config.NSQ
	client *http.Client
	log    *logging.Logger
}

func NewBacklogMonitor(cfg config.NSQ, log *logging.Logger) *BacklogMonitor {
	if log == nil {
		log = logging.New("tonerelay-backlog")
	}
	return &BacklogMonitor{cfg: cfg, client: &http.Client{Timeout: 5 * time.Second}, log: log}
}

// Run polls until ctx is cancelled.
func (b *BacklogMonitor) Run(ctx context.Context) error {
	interval := b.cfg.StatsInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := b.Poll(ctx); err != nil {
			b.log.Plain().WithError(err).Warn("nsq stats poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches stats once.
func (b *BacklogMonitor) Poll(ctx context.Context) error {
	base := b.cfg.NsqdHTTPAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/stats?format=json", nil)
	if err != nil {
		return fmt.Errorf("build stats request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsq stats returned status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.Name != b.cfg.SubmissionTopic && topic.Name != b.cfg.EscalationTopic {
			continue
		}
		for _, ch := range topic.Channels {
			if topic.Name == b.cfg.SubmissionTopic && ch.Name == b.cfg.SubmissionChannel {
				metrics.UpdateIntakeBacklog(float64(ch.Depth))
			}
			metrics.UpdateNSQTopicDepth(topic.Name, ch.Name, float64(ch.Depth))
		}
	}
	return nil
}
