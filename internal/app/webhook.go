package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
	"github.com/omeyang/xcoord/pkg/distributed/xjob"
	"github.com/omeyang/xcoord/pkg/resilience/xretry"
)

// DefaultRequestTimeout 单次下游请求的默认超时。
const DefaultRequestTimeout = 30 * time.Second

// WebhookProcessor 把工作项 POST 到下游 HTTP 端点。
//
// 2xx 视为成功；408、429 和 5xx 以及传输错误为瞬时错误，其余 4xx 为永久错误。
type WebhookProcessor struct {
	client   *http.Client
	endpoint string
	job      string
}

var _ xjob.Processor = (*WebhookProcessor)(nil)

// NewWebhookProcessor 创建 WebhookProcessor。client 为 nil 时使用带超时的默认客户端。
func NewWebhookProcessor(job, endpoint string, timeout time.Duration, client *http.Client) *WebhookProcessor {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &WebhookProcessor{client: client, endpoint: endpoint, job: job}
}

type webhookPayload struct {
	Job        string `json:"job"`
	ItemID     string `json:"item_id"`
	PayloadRef string `json:"payload_ref"`
	RetryCount int    `json:"retry_count"`
}

// Process 实现 xjob.Processor。
func (p *WebhookProcessor) Process(ctx context.Context, item xclaim.WorkItem) error {
	body, err := json.Marshal(webhookPayload{
		Job:        p.job,
		ItemID:     item.ID,
		PayloadRef: item.PayloadRef,
		RetryCount: item.RetryCount,
	})
	if err != nil {
		return xretry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return xretry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.ID)

	resp, err := p.client.Do(req)
	if err != nil {
		return xretry.Transient(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return xretry.Transient(fmt.Errorf("webhook %s: status %d", p.job, code))
	default:
		return xretry.Permanent(fmt.Errorf("webhook %s: status %d", p.job, code))
	}
}
