package gateway

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/odin-protocol/gateway/pkg/oerr"
)

// tenantFor identifies the caller for rate and quota accounting: the
// tenant header when present, otherwise the client host.
func tenantFor(r *http.Request) string {
	if t := r.Header.Get(HeaderTenant); t != "" {
		return t
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// readBody reads the request body up to the configured cap. Exceeding it
// is a client error, not a truncation.
func readBody(r *http.Request, maxBytes int64) ([]byte, *oerr.Error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return nil, oerr.Newf(CodeInvalidJSON, "read body: %v", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, oerr.Newf(CodeTooLarge, "body exceeds %d bytes", maxBytes)
	}
	return body, nil
}

// rateLimiter hands out one token bucket per tenant.
type rateLimiter struct {
	qps   float64
	mu    sync.Mutex
	rates map[string]*rate.Limiter
}

func newRateLimiter(qps float64) *rateLimiter {
	return &rateLimiter{qps: qps, rates: make(map[string]*rate.Limiter)}
}

// Allow consumes one token for tenant. A zero qps disables limiting.
func (rl *rateLimiter) Allow(tenant string) bool {
	if rl.qps <= 0 {
		return true
	}
	rl.mu.Lock()
	lim, ok := rl.rates[tenant]
	if !ok {
		burst := int(rl.qps)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rl.qps), burst)
		rl.rates[tenant] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// quotaCounter tracks monthly request counts per tenant. Counters reset
// when the calendar month changes.
type quotaCounter struct {
	limit int64
	now   func() time.Time

	mu     sync.Mutex
	month  string
	counts map[string]int64
}

func newQuotaCounter(limit int64) *quotaCounter {
	return &quotaCounter{limit: limit, now: time.Now, counts: make(map[string]int64)}
}

// Take consumes one request from tenant's monthly budget. A zero limit
// disables quota accounting.
func (q *quotaCounter) Take(tenant string) bool {
	if q.limit <= 0 {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	month := q.now().UTC().Format("2006-01")
	if month != q.month {
		q.month = month
		q.counts = make(map[string]int64)
	}
	if q.counts[tenant] >= q.limit {
		return false
	}
	q.counts[tenant]++
	return true
}
