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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisLimiter(t *testing.T, limit int) *RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(fmt.Sprintf("redis://%s", mr.Addr()), limit, discardLogger())
	require.NotNil(t, rl.client, "expected a live redis connection")
	t.Cleanup(func() { _ = rl.Close() })
	return rl
}

// ============================================================================
// Construction and fallback
// ============================================================================

func TestNewRateLimiter_NoRedisUsesInProcessFallback(t *testing.T) {
	rl := NewRateLimiter("", 5, discardLogger())

	assert.Nil(t, rl.client)
	assert.NoError(t, rl.Allow(context.Background(), "acme"))
}

func TestNewRateLimiter_InvalidURLUsesInProcessFallback(t *testing.T) {
	rl := NewRateLimiter("not a redis url", 2, discardLogger())
	require.Nil(t, rl.client)

	// The fallback still enforces the budget.
	ctx := context.Background()
	assert.NoError(t, rl.Allow(ctx, "acme"))
	assert.NoError(t, rl.Allow(ctx, "acme"))
	assert.Error(t, rl.Allow(ctx, "acme"))
}

func TestNewRateLimiter_UnreachableRedisUsesInProcessFallback(t *testing.T) {
	rl := NewRateLimiter("redis://127.0.0.1:1", 5, discardLogger())

	assert.Nil(t, rl.client)
	assert.NoError(t, rl.Allow(context.Background(), "acme"))
}

// ============================================================================
// Redis sliding window
// ============================================================================

func TestRateLimiter_AllowsRequestsWithinLimit(t *testing.T) {
	rl := redisLimiter(t, 10)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.NoError(t, rl.Allow(ctx, "acme"), "request %d should be allowed", i+1)
	}
}

func TestRateLimiter_DeniesRequestsOverLimit(t *testing.T) {
	rl := redisLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Allow(ctx, "acme"), "request %d should be allowed", i+1)
	}

	err := rl.Allow(ctx, "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")
	assert.Contains(t, err.Error(), "limit: 3")

	// Still denied on the next attempt.
	assert.Error(t, rl.Allow(ctx, "acme"))
}

func TestRateLimiter_IsolatesClients(t *testing.T) {
	rl := redisLimiter(t, 2)
	ctx := context.Background()

	require.NoError(t, rl.Allow(ctx, "acme"))
	require.NoError(t, rl.Allow(ctx, "acme"))
	require.Error(t, rl.Allow(ctx, "acme"))

	// A different client has its own window.
	assert.NoError(t, rl.Allow(ctx, "globex"))
}

func TestRateLimiter_ConcurrentRequestsWithinLimit(t *testing.T) {
	rl := redisLimiter(t, 50)
	ctx := context.Background()

	var denied int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rl.Allow(ctx, "acme"); err != nil {
				atomic.AddInt64(&denied, 1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt64(&denied), "40 concurrent requests under a limit of 50 should all pass")
}

func TestRateLimiter_FailsOpenWhenRedisGoesDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(fmt.Sprintf("redis://%s", mr.Addr()), 1, discardLogger())
	require.NotNil(t, rl.client)
	defer rl.Close()

	ctx := context.Background()
	require.NoError(t, rl.Allow(ctx, "acme"))
	require.Error(t, rl.Allow(ctx, "acme"))

	// Availability beats enforcement once redis is gone.
	mr.Close()
	assert.NoError(t, rl.Allow(ctx, "acme"))
}

// ============================================================================
// In-process fallback window
// ============================================================================

func TestRateLimiter_InProcessEnforcesFixedWindow(t *testing.T) {
	rl := NewRateLimiter("", 3, discardLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Allow(ctx, "acme"), "request %d should be allowed", i+1)
	}

	err := rl.Allow(ctx, "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")

	// Expire the window and the budget is fresh.
	rl.mu.Lock()
	rl.entries["acme"].resetTime = time.Now().Add(-time.Second)
	rl.mu.Unlock()

	assert.NoError(t, rl.Allow(ctx, "acme"))
}

func TestRateLimiter_ZeroLimitDisablesLimiting(t *testing.T) {
	rl := NewRateLimiter("", 0, discardLogger())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		assert.NoError(t, rl.Allow(ctx, "acme"))
	}
}

func TestRateLimiter_NilReceiverIsSafe(t *testing.T) {
	var rl *RateLimiter

	assert.NoError(t, rl.Allow(context.Background(), "acme"))
	count, reset := rl.Status(context.Background(), "acme")
	assert.Zero(t, count)
	assert.False(t, reset.IsZero())
	assert.NoError(t, rl.Close())
}

// ============================================================================
// Status
// ============================================================================

func TestRateLimiter_StatusReportsWindowUsage(t *testing.T) {
	rl := redisLimiter(t, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Allow(ctx, "acme"))
	}

	count, reset := rl.Status(ctx, "acme")
	assert.Equal(t, 3, count)
	assert.True(t, reset.After(time.Now()), "reset time should be in the future")

	count, _ = rl.Status(ctx, "globex")
	assert.Zero(t, count, "untouched client should report an empty window")
}

func TestRateLimiter_StatusInProcess(t *testing.T) {
	rl := NewRateLimiter("", 10, discardLogger())
	ctx := context.Background()

	require.NoError(t, rl.Allow(ctx, "acme"))
	require.NoError(t, rl.Allow(ctx, "acme"))

	count, reset := rl.Status(ctx, "acme")
	assert.Equal(t, 2, count)
	assert.True(t, reset.After(time.Now()))

	count, _ = rl.Status(ctx, "globex")
	assert.Zero(t, count)
}
