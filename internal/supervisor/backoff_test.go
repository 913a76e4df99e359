package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay_DoublesPerAttempt(t *testing.T) {
	base := time.Second
	max := time.Minute

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for attempts, expected := range want {
		assert.Equal(t, expected, backoffDelay(base, max, uint32(attempts)), "attempts=%d", attempts)
	}
}

func TestBackoffDelay_CapsAtMax(t *testing.T) {
	assert.Equal(t, time.Minute, backoffDelay(time.Second, time.Minute, 6))
	assert.Equal(t, time.Minute, backoffDelay(time.Second, time.Minute, 31))
}

func TestBackoffDelay_LargeAttemptsDoNotOverflow(t *testing.T) {
	got := backoffDelay(time.Second, time.Minute, 4000)
	assert.Equal(t, time.Minute, got)
	assert.Positive(t, got)
}
