package util

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanent(t *testing.T) {
	attempts := 0
	sentinel := errors.New("stop")

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		return Permanent(sentinel)
	})

	if !errors.Is(err, sentinel) {
		t.Fatalf("Retry error = %v, want %v", err, sentinel)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
}

func TestRateLimiterNil(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	if rl != nil {
		t.Fatal("NewRateLimiter(0) should return nil")
	}
	if err := rl.Wait(context.Background()); err != nil {
		t.Errorf("nil limiter Wait() = %v, want nil", err)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(60, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Wait #%d: %v", i, err)
		}
	}
	if err := rl.Wait(ctx); err == nil {
		t.Error("fourth Wait within burst window should block until ctx deadline")
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "debug", "text").Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text logger output = %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "warn", "json").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info record logged at warn level: %q", buf.String())
	}
}

func TestTradingCalendarMarketOpen(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	cal, err := NewTradingCalendar(loc)
	if err != nil {
		t.Fatalf("NewTradingCalendar: %v", err)
	}

	// Wednesday.
	day := time.Date(2024, 3, 6, 0, 0, 0, 0, loc)
	sess := cal.RegularSession(day)
	if !sess.IsOpen || sess.Date != "2024-03-06" {
		t.Fatalf("RegularSession = %+v", sess)
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", time.Date(2024, 3, 6, 9, 0, 0, 0, loc), false},
		{"within delay", time.Date(2024, 3, 6, 9, 40, 0, 0, loc), false},
		{"after delay", time.Date(2024, 3, 6, 9, 46, 0, 0, loc), true},
		{"after close", time.Date(2024, 3, 6, 16, 1, 0, 0, loc), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cal.IsMarketOpen(sess, tt.at, 15*time.Minute); got != tt.want {
				t.Errorf("IsMarketOpen(%s) = %v, want %v", tt.at.Format("15:04"), got, tt.want)
			}
		})
	}

	closed := sess
	closed.IsOpen = false
	if cal.IsMarketOpen(closed, time.Date(2024, 3, 6, 12, 0, 0, 0, loc), 0) {
		t.Error("closed session reported open")
	}

	if cal.RegularSession(time.Date(2024, 3, 9, 12, 0, 0, 0, loc)).IsOpen {
		t.Error("Saturday session reported open")
	}
}
