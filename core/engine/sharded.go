package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// defaultShardCount picks the shard count for the sharded scheduler:
// at least four shards, growing with available parallelism.
func defaultShardCount() int {
	n := runtime.GOMAXPROCS(0)
	if n < 4 {
		return 4
	}
	return n
}

// shardedScheduler spreads scheduled tasks across independent timer loops
// so a burst of co-scheduled timers never serializes behind one goroutine.
// A task id always routes to the same shard.
type shardedScheduler struct {
	shards []*timerScheduler
}

func newShardedScheduler(shardCount int, dispatch func(ctx context.Context, exec *execution), log *slog.Logger) *shardedScheduler {
	if shardCount <= 0 {
		shardCount = defaultShardCount()
	}
	shards := make([]*timerScheduler, shardCount)
	for i := range shards {
		shards[i] = newTimerScheduler(dispatch, log)
	}
	return &shardedScheduler{shards: shards}
}

func (s *shardedScheduler) shardFor(id uuid.UUID) *timerScheduler {
	h := fnv.New32a()
	h.Write(id[:])
	return s.shards[int(h.Sum32())%len(s.shards)]
}

func (s *shardedScheduler) schedule(exec *execution, runAt time.Time) {
	s.shardFor(exec.id).schedule(exec, runAt)
}

func (s *shardedScheduler) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, shard := range s.shards {
		g.Go(func() error {
			return shard.run(ctx)
		})
	}
	return g.Wait()
}

func (s *shardedScheduler) pending() int {
	n := 0
	for _, shard := range s.shards {
		n += shard.pending()
	}
	return n
}

func (s *shardedScheduler) remaining() []*execution {
	var out []*execution
	for _, shard := range s.shards {
		out = append(out, shard.remaining()...)
	}
	return out
}
