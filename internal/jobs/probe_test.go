package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestProbeUnreachableBroker(t *testing.T) {
	// 到達不能なアドレス。失敗はエラーではなく false として返る。
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	defer client.Close()

	probe := NewProbe(client, 200*time.Millisecond)

	start := time.Now()
	if probe.Available(context.Background()) {
		t.Fatal("unreachable broker must report unavailable")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("probe took too long: %v", elapsed)
	}
}

func TestProbeNilClient(t *testing.T) {
	if NewProbe(nil, 0).Available(context.Background()) {
		t.Fatal("nil client must report unavailable")
	}
	var probe *Probe
	if probe.Available(context.Background()) {
		t.Fatal("nil probe must report unavailable")
	}
}
