package jobqueue

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// NewTestQueue returns a queue backed by an in-memory Redis server that is
// closed with the test.
func NewTestQueue(t testing.TB, workers int) (*Queue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return NewQueue(client, workers), mr
}
