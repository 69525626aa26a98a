package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quiz_sync"

var (
	// HTTPRequests route 为注册的路由模板，未匹配的请求统一记为 unmatched
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status class",
		},
		[]string{"method", "route", "status"},
	)

	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2.5, 8),
		},
		[]string{"method", "route"},
	)

	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_requests_in_flight",
		Help:      "HTTP requests currently being served",
	})

	// CacheRefreshes kind: full | unit, result: ok | error
	CacheRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_refresh_total",
			Help:      "Sync cache rebuilds and unit refreshes",
		},
		[]string{"kind", "result"},
	)

	CacheRefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_refresh_duration_seconds",
			Help:      "Duration of sync cache rebuilds and unit refreshes",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	CacheUnits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_units",
		Help:      "Units currently held in the sync cache",
	})

	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submitted_answers_total",
			Help:      "Answers written through submit endpoints",
		},
		[]string{"kind"},
	)

	HubMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_messages_total",
			Help:      "Push channel messages by type and direction",
		},
		[]string{"type", "direction"},
	)

	HubConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hub_connections",
		Help:      "Open push channel connections on this instance",
	})

	HubOnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hub_online_users",
		Help:      "Users considered online by presence tracking",
	})
)

var registerOnce sync.Once

// Init 注册指标，可重复调用
func Init() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		HTTPRequests,
		HTTPLatency,
		HTTPInFlight,
		CacheRefreshes,
		CacheRefreshDuration,
		CacheUnits,
		Submissions,
		HubMessages,
		HubConnections,
		HubOnlineUsers,
	)
}

// MetricsMiddleware 跳过 /metrics 自身的抓取请求
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		HTTPInFlight.Inc()
		defer HTTPInFlight.Dec()

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequests.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
		HTTPLatency.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
