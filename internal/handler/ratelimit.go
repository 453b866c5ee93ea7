package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	// clientIdleTTL is how long a caller's budget survives without requests.
	clientIdleTTL       = 10 * time.Minute
	clientSweepInterval = 5 * time.Minute
)

// clientBudget is the request budget of one caller, usually a telematics
// gateway or an auditor's workstation.
type clientBudget struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

type clientBudgets struct {
	mu      sync.Mutex
	clients map[string]*clientBudget
	rps     rate.Limit
	burst   int
}

func (b *clientBudgets) allow(client string, now time.Time) bool {
	b.mu.Lock()
	cb, ok := b.clients[client]
	if !ok {
		cb = &clientBudget{tokens: rate.NewLimiter(b.rps, b.burst)}
		b.clients[client] = cb
	}
	cb.lastSeen = now
	b.mu.Unlock()
	return cb.tokens.AllowN(now, 1)
}

func (b *clientBudgets) sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for client, cb := range b.clients {
		if now.Sub(cb.lastSeen) > clientIdleTTL {
			delete(b.clients, client)
		}
	}
}

// RateLimiter bounds how fast one client address may call the API. Seals
// for a tenant serialise on its chain head, so a single gateway replaying a
// backlog would otherwise starve every other caller of that tenant.
// Refused requests get 429 with Retry-After. rps <= 0 turns the limit off;
// idle clients are forgotten until ctx ends.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst < 1 {
		burst = rps
	}

	budgets := &clientBudgets{
		clients: make(map[string]*clientBudget),
		rps:     rate.Limit(rps),
		burst:   burst,
	}

	go func() {
		ticker := time.NewTicker(clientSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				budgets.sweep(now)
			}
		}
	}()

	return func(c *gin.Context) {
		if budgets.allow(c.ClientIP(), time.Now()) {
			c.Next()
			return
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		throttledTotal.WithLabelValues(path).Inc()
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "too many requests from this client",
		})
	}
}
