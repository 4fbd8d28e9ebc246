package engine

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/mem"
)

// DefaultSettleStages are the post-eviction waits. Each stage starts with a
// GC pass; a stage ends early once memory has recovered.
var DefaultSettleStages = []time.Duration{1000 * time.Millisecond, 1500 * time.Millisecond}

const settlePoll = 100 * time.Millisecond

// memAvailable returns available system memory in bytes.
type memAvailable func() (uint64, error)

func systemMemAvailable() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// settle waits for released native memory to be reclaimed. baseline is the
// available memory measured before eviction and released the total size of
// the released model files. Without telemetry the full stages are slept.
func (e *Engine) settle(ctx context.Context, baseline uint64, released int64) {
	start := time.Now()
	defer func() { settleSeconds.Observe(time.Since(start).Seconds()) }()

	recovered := func() bool {
		if e.memAvailable == nil || baseline == 0 || released <= 0 {
			return false
		}
		now, err := e.memAvailable()
		return err == nil && now >= baseline+uint64(released)
	}
	for i, stage := range e.settleStages {
		runtime.GC()
		deadline := time.Now().Add(stage)
		for {
			if recovered() {
				e.log.Debug().Int("stage", i+1).Dur("waited", time.Since(start)).Msg("memory recovered after eviction")
				return
			}
			left := time.Until(deadline)
			if left <= 0 {
				break
			}
			t := time.NewTimer(min(left, settlePoll))
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
	e.log.Debug().Dur("waited", time.Since(start)).Msg("post-eviction settle complete")
}
