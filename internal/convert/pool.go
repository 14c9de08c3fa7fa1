package convert

import "context"

// WorkerPool は同期実行用の固定容量プールです。メディア変換はCPU・メモリ負荷が
// 高いため、I/Oバウンドなプールより意図的に小さく設定します。
// プールはジョブのデータを一切保持せず、実行スロットのみを管理します。
type WorkerPool struct {
	slots chan struct{}
}

// NewWorkerPool は指定スロット数のプールを作成します。size が1未満の場合は1になります。
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{slots: make(chan struct{}, size)}
}

// Size はプールの最大並列数を返します。
func (p *WorkerPool) Size() int {
	return cap(p.slots)
}

// Run はスロットを獲得して fn を実行します。空きスロットがない場合は
// 獲得できるまでブロックし、コンテキストのキャンセルで待機を打ち切ります。
func (p *WorkerPool) Run(ctx context.Context, fn func() error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.slots }()
	return fn()
}
