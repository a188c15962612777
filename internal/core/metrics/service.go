// Package metrics keeps the daily registration counters shown on the
// dashboard: registrations started, success rate and mean duration.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/logger"
	rds "github.com/RegularizePGFN/regularize-bot/internal/platform/redis"

	supa "github.com/antoineross/supabase-go"
)

const (
	fieldStarted   = "started"
	fieldCompleted = "completed"
	fieldFailed    = "failed"
	fieldSeconds   = "seconds"

	refreshFunction = "calculate_daily_metrics"
	counterTTL      = 35 * 24 * time.Hour
)

// Counters is a per-day bag of integer counters.
type Counters interface {
	Incr(ctx context.Context, day string, deltas map[string]int64) error
	Read(ctx context.Context, day string) (map[string]int64, error)
}

// Snapshot mirrors one row of the metrics table.
type Snapshot struct {
	Date          string  `json:"date"`
	Registrations int64   `json:"cadastros_hoje"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	SuccessRate   float64 `json:"taxa_sucesso"`
	MeanMinutes   float64 `json:"tempo_medio"`
}

// rpcCaller is the slice of the Supabase client used to run the storage-side
// recomputation.
type rpcCaller interface {
	Rpc(name string, count string, rpcBody interface{}) string
}

// rpcError is the body PostgREST sends back for a failed function call.
type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Service struct {
	counters Counters
	remote   rpcCaller
	loc      *time.Location
	now      func() time.Time
	log      *logger.Logger
}

// New builds the service. client may be nil, in which case Refresh only
// recomputes the local snapshot.
func New(counters Counters, client *supa.Client) *Service {
	s := &Service{
		counters: counters,
		loc:      saoPaulo(),
		now:      time.Now,
		log:      logger.New("Metrics"),
	}
	if client != nil {
		s.remote = client
	}
	return s
}

func (s *Service) day(t time.Time) string { return t.In(s.loc).Format("2006-01-02") }

// Started counts a registration against today. Counter failures are logged,
// never returned: metrics must not fail a registration.
func (s *Service) Started(ctx context.Context) {
	if err := s.counters.Incr(ctx, s.day(s.now()), map[string]int64{fieldStarted: 1}); err != nil {
		s.log.LogWarnf("count started registration: %v", err)
	}
}

// Finished records a terminal registration and, on success, asks storage to
// recompute its metrics row.
func (s *Service) Finished(ctx context.Context, ok bool, elapsed time.Duration) {
	deltas := map[string]int64{fieldFailed: 1}
	if ok {
		deltas = map[string]int64{fieldCompleted: 1, fieldSeconds: int64(elapsed.Round(time.Second) / time.Second)}
	}
	if err := s.counters.Incr(ctx, s.day(s.now()), deltas); err != nil {
		s.log.LogWarnf("count finished registration: %v", err)
	}
	if ok {
		if err := s.refreshRemote(); err != nil {
			s.log.LogWarnf("refresh remote metrics: %v", err)
		}
	}
}

func (s *Service) Snapshot(ctx context.Context, day time.Time) (Snapshot, error) {
	d := s.day(day)
	c, err := s.counters.Read(ctx, d)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read metrics for %s: %w", d, err)
	}
	return compute(d, c), nil
}

// Refresh triggers the storage-side recomputation and returns today's
// snapshot. A failed recomputation is returned as an error.
func (s *Service) Refresh(ctx context.Context) (Snapshot, error) {
	if err := s.refreshRemote(); err != nil {
		return Snapshot{}, fmt.Errorf("refresh metrics: %w", err)
	}
	return s.Snapshot(ctx, s.now())
}

// refreshRemote runs the storage-side recomputation. The function returns
// void, so success is an empty reply; a failure comes back as a PostgREST
// error object.
func (s *Service) refreshRemote() error {
	if s.remote == nil {
		return nil
	}
	out := strings.TrimSpace(s.remote.Rpc(refreshFunction, "", nil))
	if out == "" {
		s.log.LogDebugf("%s returned no body", refreshFunction)
		return nil
	}
	var e rpcError
	if err := json.Unmarshal([]byte(out), &e); err == nil && e.Message != "" {
		return fmt.Errorf("%s failed: %s (code %s)", refreshFunction, e.Message, e.Code)
	}
	return nil
}

// compute derives the dashboard figures from raw counters. Success rate is
// over finished registrations; mean duration is over completed ones.
func compute(day string, c map[string]int64) Snapshot {
	snap := Snapshot{
		Date:          day,
		Registrations: c[fieldStarted],
		Completed:     c[fieldCompleted],
		Failed:        c[fieldFailed],
	}
	if finished := snap.Completed + snap.Failed; finished > 0 {
		snap.SuccessRate = round2(float64(snap.Completed) * 100 / float64(finished))
	}
	if snap.Completed > 0 {
		snap.MeanMinutes = round2(float64(c[fieldSeconds]) / 60 / float64(snap.Completed))
	}
	return snap
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

func saoPaulo() *time.Location {
	if loc, err := time.LoadLocation("America/Sao_Paulo"); err == nil {
		return loc
	}
	return time.FixedZone("BRT", -3*60*60)
}

// RedisCounters stores one hash per day under metrics:<date>.
type RedisCounters struct {
	redis *rds.Service
}

func NewRedisCounters(r *rds.Service) *RedisCounters { return &RedisCounters{redis: r} }

func (r *RedisCounters) Incr(ctx context.Context, day string, deltas map[string]int64) error {
	k := "metrics:" + day
	pipe := r.redis.Client().TxPipeline()
	for field, n := range deltas {
		pipe.HIncrBy(ctx, k, field, n)
	}
	pipe.Expire(ctx, k, counterTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisCounters) Read(ctx context.Context, day string) (map[string]int64, error) {
	raw, err := r.redis.Client().HGetAll(ctx, "metrics:"+day).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}
