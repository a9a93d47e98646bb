package kafka

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestGetWriterConcurrentFirstUse(t *testing.T) {
	p := NewProducer("kafka:9092", "test-client", zap.NewNop())
	defer p.Close()

	// One shared producer serves every engine loop; first-time writer creation
	// for the same topic must be safe from concurrent goroutines.
	const workers = 8
	writers := make([]interface{}, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			writers[i] = p.getWriter("session-events")
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Same(t, writers[0], writers[i], "all goroutines must share one writer per topic")
	}

	other := p.getWriter("other-topic")
	assert.NotSame(t, writers[0], other)
}
