// Package events はジョブの状態変化を外部に通知します。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix は NATS サブジェクトの接頭辞です。実際のサブジェクトは <prefix>.<status> になります。
const SubjectPrefix = "epubpdf.jobs"

// Event はジョブの状態変化 1 件です。
type Event struct {
	JobID   string    `json:"jobId"`
	OwnerID string    `json:"ownerId"`
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Subject はイベントの送信先サブジェクトを返します。
func (e Event) Subject() string {
	return SubjectPrefix + "." + e.Status
}

// Publisher はイベントを送信します。送信の失敗でジョブ処理を止めてはいけません。
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop は何も送信しない Publisher です。
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// NATS は NATS のコア publish でイベントを送信します。
type NATS struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// ConnectNATS は url に接続して Publisher を返します。
func ConnectNATS(url, name string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{conn: nc, logger: logger}, nil
}

// Publish はイベントを JSON にして送信します。
func (p *NATS) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.conn.Publish(e.Subject(), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Subject(), err)
	}
	p.logger.Debug("job event published",
		slog.String("subject", e.Subject()),
		slog.String("job_id", e.JobID),
	)
	return nil
}

// Close は未送信のメッセージを送り切ってから接続を閉じます。
func (p *NATS) Close() error {
	return p.conn.Drain()
}
