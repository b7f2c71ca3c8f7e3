// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package negotiator

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const rateLimitWindow = time.Minute

// RateLimiter enforces a per-client requests-per-minute budget. With a
// reachable Redis it runs a sliding window over a sorted set, shared by
// every instance of the service; without one it degrades to an
// in-process fixed window. Redis errors fail open: a rate limiter
// outage must never take the decision service down with it.
//
// A limit of zero or less disables limiting entirely.
type RateLimiter struct {
	client *redis.Client
	limit  int
	logger *log.Logger

	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

type rateLimitEntry struct {
	count     int
	resetTime time.Time
}

// NewRateLimiter connects to Redis when a URL is given. Parse and
// connection failures fall back to in-process limiting, never an error.
func NewRateLimiter(redisURL string, limitPerMinute int, logger *log.Logger) *RateLimiter {
	if logger == nil {
		logger = log.New(os.Stdout, "[RATELIMIT] ", log.LstdFlags)
	}
	r := &RateLimiter{
		limit:   limitPerMinute,
		logger:  logger,
		entries: make(map[string]*rateLimitEntry),
	}
	if redisURL == "" {
		logger.Printf("no redis configured, using in-process rate limiting")
		return r
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Printf("invalid redis URL: %v, using in-process rate limiting", err)
		return r
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Printf("redis unreachable: %v, using in-process rate limiting", err)
		_ = client.Close()
		return r
	}

	r.client = client
	return r
}

// Allow reports whether clientID may make another request now. A nil
// return admits the request; the error names the exceeded budget.
func (r *RateLimiter) Allow(ctx context.Context, clientID string) error {
	if r == nil || r.limit <= 0 {
		return nil
	}
	if r.client == nil {
		return r.allowLocal(clientID)
	}
	return r.allowRedis(ctx, clientID)
}

func (r *RateLimiter) allowRedis(ctx context.Context, clientID string) error {
	now := time.Now()
	key := rateLimitKey(clientID)

	pipe := r.client.Pipeline()

	// Drop timestamps that slid out of the window, count what is left,
	// then record this request.
	minScore := now.Add(-rateLimitWindow).Unix()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*rateLimitWindow)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Printf("redis rate limit check failed for %s: %v (failing open)", clientID, err)
		return nil
	}

	if count := countCmd.Val(); count >= int64(r.limit) {
		return fmt.Errorf("rate limit exceeded: %d requests/minute (limit: %d)", count, r.limit)
	}
	return nil
}

func (r *RateLimiter) allowLocal(clientID string) error {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[clientID]
	if !ok || now.After(entry.resetTime) {
		r.entries[clientID] = &rateLimitEntry{count: 1, resetTime: now.Add(rateLimitWindow)}
		return nil
	}

	entry.count++
	if entry.count > r.limit {
		return fmt.Errorf("rate limit exceeded: %d requests/minute (limit: %d)", entry.count, r.limit)
	}
	return nil
}

// Status returns the request count in the current window and when the
// window resets, for rate limit response headers.
func (r *RateLimiter) Status(ctx context.Context, clientID string) (int, time.Time) {
	now := time.Now()
	resetTime := now.Truncate(time.Minute).Add(time.Minute)
	if r == nil {
		return 0, resetTime
	}

	if r.client == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if entry, ok := r.entries[clientID]; ok && now.Before(entry.resetTime) {
			return entry.count, entry.resetTime
		}
		return 0, resetTime
	}

	minScore := now.Add(-rateLimitWindow).Unix()
	count, err := r.client.ZCount(ctx, rateLimitKey(clientID), fmt.Sprintf("%d", minScore), "+inf").Result()
	if err != nil {
		r.logger.Printf("redis rate limit status failed for %s: %v", clientID, err)
		return 0, resetTime
	}
	return int(count), resetTime
}

// Limit returns the per-minute request cap, zero when disabled.
func (r *RateLimiter) Limit() int {
	if r == nil {
		return 0
	}
	return r.limit
}

// Close releases the Redis connection.
func (r *RateLimiter) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func rateLimitKey(clientID string) string {
	return "ratelimit:" + clientID
}
