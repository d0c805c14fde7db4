package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"whatsbot/internal/domain"
)

func TestDedupStore_AdmitOnce(t *testing.T) {
	d := NewDedupStore(time.Hour)

	assert.True(t, d.Admit(domain.ProviderWAHA, "msg-1"))
	assert.False(t, d.Admit(domain.ProviderWAHA, "msg-1"))
	assert.True(t, d.Seen(domain.ProviderWAHA, "msg-1"))
}

func TestDedupStore_ScopedByProvider(t *testing.T) {
	d := NewDedupStore(time.Hour)

	assert.True(t, d.Admit(domain.ProviderMeta, "wamid.1"))
	assert.True(t, d.Admit(domain.ProviderWAHA, "wamid.1"))
	assert.False(t, d.Seen(domain.ProviderTwilio, "wamid.1"))
}

func TestDedupStore_EmptyIDAlwaysAdmitted(t *testing.T) {
	d := NewDedupStore(time.Hour)
	assert.True(t, d.Admit(domain.ProviderTwilio, ""))
	assert.True(t, d.Admit(domain.ProviderTwilio, ""))
	assert.Equal(t, 0, d.Len())
}

func TestDedupStore_Expiry(t *testing.T) {
	clock := newFakeClock()
	d := NewDedupStore(time.Hour)
	d.now = clock.Now

	d.Record(domain.ProviderWAHA, "a")
	clock.Advance(59 * time.Minute)
	assert.True(t, d.Seen(domain.ProviderWAHA, "a"))

	clock.Advance(time.Minute)
	assert.False(t, d.Seen(domain.ProviderWAHA, "a"))
	assert.True(t, d.Admit(domain.ProviderWAHA, "a"))
}

func TestDedupStore_PrunesExpired(t *testing.T) {
	clock := newFakeClock()
	d := NewDedupStore(time.Hour)
	d.now = clock.Now

	for _, id := range []string{"a", "b", "c"} {
		d.Record(domain.ProviderMeta, id)
	}
	clock.Advance(2 * time.Hour)
	d.Record(domain.ProviderMeta, "d")

	assert.Equal(t, 1, d.Len())
}

func TestDedupStore_Forget(t *testing.T) {
	d := NewDedupStore(time.Hour)
	d.Record(domain.ProviderWAHA, "x")
	d.Forget(domain.ProviderWAHA, "x")
	assert.True(t, d.Admit(domain.ProviderWAHA, "x"))
}

func TestDedupStore_ConcurrentAdmit(t *testing.T) {
	d := NewDedupStore(time.Hour)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Admit(domain.ProviderWAHA, "same") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
}
