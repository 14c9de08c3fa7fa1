package jobs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Probe はブローカーのバッキングストアに対する死活確認です。
// 結果は呼び出しをまたいでキャッシュされません。接続の断続的な変動で
// 古い可用性情報を使わないよう、ディスパッチのたびに再確認します。
type Probe struct {
	rdb     *redis.Client
	timeout time.Duration
}

// NewProbe は Probe を作成します。timeout が0以下の場合は500msになります。
func NewProbe(rdb *redis.Client, timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Probe{rdb: rdb, timeout: timeout}
}

// Available はブローカーが利用可能かどうかを返します。タイムアウト・接続拒否を含む
// あらゆる失敗は false として扱い、決してエラーとして伝播しません。
// 呼び出しは timeout で制限され、リクエストスレッドを長くブロックしません。
func (p *Probe) Available(ctx context.Context) bool {
	if p == nil || p.rdb == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.rdb.Ping(ctx).Err() == nil
}
