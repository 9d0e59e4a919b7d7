package stresstest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 10 * time.Second}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 0},
		{-1, 0},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{20, 10 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.retry), "retry %d", tt.retry)
	}
}

func TestBackoff_MatchesClosedForm(t *testing.T) {
	b := Backoff{Base: 50 * time.Millisecond, Cap: 3 * time.Second}

	prev := time.Duration(0)
	for n := 1; n <= MaxRetriesLimit; n++ {
		want := b.Base * time.Duration(1<<(n-1))
		if want > b.Cap {
			want = b.Cap
		}
		got := b.Delay(n)
		assert.Equal(t, want, got, "retry %d", n)
		assert.GreaterOrEqual(t, got, prev, "delay must not decrease")
		prev = got
	}
}

func TestBackoff_NoCapDoesNotOverflow(t *testing.T) {
	b := Backoff{Base: time.Hour}

	d := b.Delay(200)
	assert.Greater(t, d, time.Duration(0))
	assert.GreaterOrEqual(t, d, b.Delay(199))
}

func TestBackoff_ZeroBase(t *testing.T) {
	b := Backoff{Cap: time.Second}
	assert.Equal(t, time.Duration(0), b.Delay(3))
	assert.Equal(t, time.Duration(0), b.TotalDelay(3))
}

func TestBackoff_TotalDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Cap: 300 * time.Millisecond}
	// 100 + 200 + 300 + 300
	assert.Equal(t, 900*time.Millisecond, b.TotalDelay(4))
	assert.Equal(t, time.Duration(0), b.TotalDelay(0))
}
