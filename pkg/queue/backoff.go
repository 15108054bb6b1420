package queue

import (
	"math/rand"
	"time"
	"unicode/utf8"
)

// backoff returns the retry delay for the n-th failed attempt, doubling
// from one second up to the ceiling.
func backoff(attempts int, ceiling time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := time.Second
	for i := 1; i < attempts && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

func jitter(r *rand.Rand, span time.Duration) time.Duration {
	if r == nil || span <= 0 {
		return 0
	}
	return time.Duration(r.Int63n(int64(span) + 1)) //nolint:gosec
}

// truncateError clips the message stored in last_error to maxBytes without
// splitting a multi-byte rune.
func truncateError(err error, maxBytes int) string {
	if err == nil || maxBytes <= 0 {
		return ""
	}
	msg := err.Error()
	if len(msg) <= maxBytes {
		return msg
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
