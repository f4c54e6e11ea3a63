package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PlanCommitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "districtr_plan_commits_total",
		Help: "Committed assignment batches by source (assign, staged, undo, redo)",
	}, []string{"source"})
	PlanUnitsChanged = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "districtr_plan_units_changed",
		Help:    "Units whose zone changed in one commit",
		Buckets: []float64{1, 10, 100, 1000, 10000, 100000},
	})
	ShattersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "districtr_shatters_total",
		Help: "Total parents shattered into children",
	})
	ShatterFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "districtr_shatter_fail_total",
		Help: "Total shatter attempts rejected or failed at child lookup",
	})
	HealsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "districtr_heals_total",
		Help: "Total shattered parents healed back",
	})
	LocalPersistFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "districtr_local_persist_fail_total",
		Help: "Total local store writes that failed (degraded mode)",
	})
	SavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "districtr_saves_total",
		Help: "Save attempts by terminal state (done, fatal, conflict)",
	}, []string{"state"})
	SaveDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "districtr_save_duration_ms",
		Help:    "Push plus verify duration in milliseconds",
		Buckets: []float64{5, 10, 20, 50, 100, 200, 500, 1000, 5000},
	})
	VerifyMismatchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "districtr_verify_mismatch_total",
		Help: "Total post-write verifications that found differing entries",
	})
	ConflictResolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "districtr_conflict_resolutions_total",
		Help: "Conflict resolutions applied by kind",
	}, []string{"resolution"})
	APIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "districtr_api_requests_total",
		Help: "Document API requests by route and status code",
	}, []string{"route", "code"})
	APIPushRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "districtr_api_push_rejected_total",
		Help: "Pushes rejected by the server for a stale version",
	})
	RedisHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "districtr_redis_hits_total",
		Help: "Total redis document cache hits",
	})
	RedisMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "districtr_redis_misses_total",
		Help: "Total redis document cache misses",
	})
	GeometryLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "districtr_geometry_lookups_total",
		Help: "Child lookups by cache outcome (hit, miss, error)",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(PlanCommitsTotal)
	prometheus.MustRegister(PlanUnitsChanged)
	prometheus.MustRegister(ShattersTotal)
	prometheus.MustRegister(ShatterFailTotal)
	prometheus.MustRegister(HealsTotal)
	prometheus.MustRegister(LocalPersistFailTotal)
	prometheus.MustRegister(SavesTotal)
	prometheus.MustRegister(SaveDurationMs)
	prometheus.MustRegister(VerifyMismatchTotal)
	prometheus.MustRegister(ConflictResolutionsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIPushRejectedTotal)
	prometheus.MustRegister(RedisHitsTotal)
	prometheus.MustRegister(RedisMissesTotal)
	prometheus.MustRegister(GeometryLookupsTotal)
}

// 文档注释：返回 Prometheus 指标监听器
// 背景：统一暴露注册指标到 /metrics 路径，供 Prometheus 抓取；在主入口挂载。
func Handler() http.Handler { return promhttp.Handler() }
