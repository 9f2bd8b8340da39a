package jobs

import (
	"context"
	"fmt"
	"sync"
)

// Handler はキューから取り出したジョブ ID を処理します。失敗はジョブに記録し、呼び出し元へは返しません。
type Handler func(ctx context.Context, jobID string)

// Queue はジョブ ID を FIFO で 1 件ずつ処理系に渡します。
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	// Run は ctx が終了するまでジョブを 1 件ずつ handle に渡します。
	Run(ctx context.Context, handle Handler) error
}

// MemoryQueue はプロセス内の上限なし FIFO キューです。消費者は 1 つだけです。
type MemoryQueue struct {
	mu      sync.Mutex
	pending []string
	signal  chan struct{}
}

// NewMemoryQueue は空のキューを作成します。
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{signal: make(chan struct{}, 1)}
}

// Enqueue は jobID を末尾に追加します。ブロックしません。
func (q *MemoryQueue) Enqueue(_ context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("empty job id")
	}
	q.mu.Lock()
	q.pending = append(q.pending, jobID)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Len は待機中の件数を返します。
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *MemoryQueue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false
	}
	id := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]
	return id, true
}

// Run は ctx が終了するまで先頭から順に 1 件ずつ処理します。
func (q *MemoryQueue) Run(ctx context.Context, handle Handler) error {
	for {
		if id, ok := q.next(); ok {
			handle(ctx, id)
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.signal:
		}
	}
}

// InlineQueue は Enqueue の呼び出し元でそのまま処理する同期モード用のキューです。
// 状態遷移と副作用は非同期モードと同じです。
type InlineQueue struct {
	mu     sync.Mutex
	handle Handler
}

// NewInlineQueue は handle を即時実行するキューを作成します。
func NewInlineQueue(handle Handler) *InlineQueue {
	return &InlineQueue{handle: handle}
}

// Enqueue は呼び出し元のキャンセルに影響されないコンテキストで即時に処理します。
func (q *InlineQueue) Enqueue(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("empty job id")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handle(context.WithoutCancel(ctx), jobID)
	return nil
}

// Run は何もせず ctx の終了を待ちます。
func (q *InlineQueue) Run(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return nil
}
