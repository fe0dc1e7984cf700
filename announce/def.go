package announce

import (
	"context"
	"time"

	"OnnxAsyncDet/logger"
	"OnnxAsyncDet/pool"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultInterval = 5 * time.Second

// Heartbeat is the liveness report posted to the registrar. It carries the
// full pool snapshot so a dispatcher can prefer instances with free capacity.
type Heartbeat struct {
	ID        string     `json:"id"`
	Port      int        `json:"port"`
	Stats     pool.Stats `json:"stats"`
	Timestamp int64      `json:"timestamp"`
}

type Ack struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

// Announcer periodically reports this instance to an external registrar so a
// dispatcher can route frames to live detection nodes. Registration is
// best-effort: a dead registrar never affects the serving path.
type Announcer struct {
	url      string
	port     int
	interval time.Duration
	id       string
	svc      *pool.AsyncDetector
	client   *resty.Client
}

func New(url string, port int, interval time.Duration, svc *pool.AsyncDetector) *Announcer {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Announcer{
		url:      url,
		port:     port,
		interval: interval,
		id:       uuid.NewString(),
		svc:      svc,
		client:   resty.New().SetTimeout(interval),
	}
}

// ID is the instance identity used in every heartbeat, fixed for the lifetime
// of the Announcer.
func (a *Announcer) ID() string {
	return a.id
}

// Run sends one heartbeat immediately and then one per interval until the
// context is cancelled. Failures are logged and retried on the next tick.
func (a *Announcer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.send(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("announcer stopped")
			return
		case <-ticker.C:
			a.send(ctx)
		}
	}
}

func (a *Announcer) send(ctx context.Context) {
	hb := Heartbeat{
		ID:        a.id,
		Port:      a.port,
		Stats:     a.svc.GetStats(),
		Timestamp: time.Now().Unix(),
	}
	var ack Ack
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(hb).
		SetResult(&ack).
		Post(a.url)
	if err != nil {
		logger.Log().Warn("heartbeat failed", zap.Error(err))
		return
	}
	if resp.IsError() {
		logger.Log().Warn("registrar rejected heartbeat",
			zap.String("status", resp.Status()), zap.String("body", resp.String()))
		return
	}
	if !ack.Success {
		logger.Log().Warn("registrar did not acknowledge heartbeat",
			zap.String("id", a.id))
	}
}
