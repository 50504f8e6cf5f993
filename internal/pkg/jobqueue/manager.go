package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"
)

// Manager runs the job queue together with the periodic enqueues.
type Manager struct {
	queue   *Queue
	cron    *cron.Cron
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewManager creates a manager around the queue.
func NewManager(queue *Queue) *Manager {
	return &Manager{
		queue:  queue,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		stopCh: make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Schedule enqueues a job of the given type on every tick of the cron spec.
func (m *Manager) Schedule(spec string, jobType JobType, payload func() map[string]interface{}) error {
	_, err := m.cron.AddFunc(spec, func() {
		var p map[string]interface{}
		if payload != nil {
			p = payload()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := m.queue.EnqueueJob(ctx, jobType, p); err != nil {
			log.Errorf("[JobQueue Manager] Scheduled %s not enqueued: %v", jobType, err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", jobType, spec, err)
	}
	log.Infof("[JobQueue Manager] Scheduled %s with %q", jobType, spec)
	return nil
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()
	m.cron.Start()

	m.wg.Add(1)
	go m.depthWorker(30 * time.Second)

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	cronCtx := m.cron.Stop()
	close(m.stopCh)
	m.running = false
	m.wg.Wait()
	<-cronCtx.Done()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// depthWorker refreshes the queue depth gauges.
func (m *Manager) depthWorker(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.queue.GetQueueSize(ctx); err != nil {
				log.Debugf("[JobQueue Manager] Queue size unavailable: %v", err)
			}
			_, _ = m.queue.GetDelayedSize(ctx)
		}
	}
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
