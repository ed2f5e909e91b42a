package worker

import "time"

// Backoff — exponential backoff между попытками.
type Backoff struct {
	// Initial — задержка перед второй попыткой (default: 2s).
	Initial time.Duration

	// Max — верхняя граница задержки (default: 2m).
	Max time.Duration
}

// Delay возвращает задержку после попытки attempt (начиная с 1):
// Initial * 2^(attempt-1), но не больше Max.
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = 2 * time.Second
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = 2 * time.Minute
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}
