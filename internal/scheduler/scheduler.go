package scheduler

import (
	"context"
	"errors"
	"log"
	stdsync "sync"
	"time"

	"github.com/mwhitfield/calsyncd/internal/store"
	"github.com/mwhitfield/calsyncd/internal/sync"
)

const (
	cleanupInterval  = 24 * time.Hour
	logRetentionDays = 30
	syncTimeout      = 10 * time.Minute // Maximum time for a single sync pass
)

// Job represents a scheduled sync job.
type Job struct {
	connectionID string
	interval     time.Duration
	ticker       *time.Ticker
	stopCh       chan struct{}
}

// Scheduler manages background sync jobs.
type Scheduler struct {
	db     *store.DB
	engine *sync.Engine

	mu        stdsync.RWMutex
	jobs      map[string]*Job
	syncLocks map[string]*stdsync.Mutex // Per-connection locks to prevent concurrent syncs
	wg        stdsync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
}

// New creates a new scheduler.
func New(db *store.DB, engine *sync.Engine) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:        db,
		engine:    engine,
		jobs:      make(map[string]*Job),
		syncLocks: make(map[string]*stdsync.Mutex),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start loads all enabled connections and starts their sync jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	connections, err := s.db.GetEnabledConnections()
	if err != nil {
		return err
	}

	for _, conn := range connections {
		interval := time.Duration(conn.SyncInterval) * time.Second
		s.AddJob(conn.ID, interval)
	}

	// Start cleanup goroutine
	s.wg.Add(1)
	go s.cleanupRoutine()

	log.Printf("Scheduler started with %d jobs", len(connections))
	return nil
}

// Stop gracefully shuts down all jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	// Cancel context to stop all jobs
	s.cancel()

	// Stop all job tickers
	s.mu.Lock()
	for _, job := range s.jobs {
		close(job.stopCh)
		job.ticker.Stop()
	}
	s.jobs = make(map[string]*Job)
	s.mu.Unlock()

	// Wait for all goroutines to finish
	s.wg.Wait()
	log.Println("Scheduler stopped")
}

// AddJob adds or replaces a sync job for a connection.
func (s *Scheduler) AddJob(connectionID string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Remove existing job if any
	if existingJob, exists := s.jobs[connectionID]; exists {
		close(existingJob.stopCh)
		existingJob.ticker.Stop()
	}

	job := &Job{
		connectionID: connectionID,
		interval:     interval,
		ticker:       time.NewTicker(interval),
		stopCh:       make(chan struct{}),
	}

	s.jobs[connectionID] = job

	s.wg.Add(1)
	go s.runJob(job)

	log.Printf("Added sync job for connection %s with interval %v", connectionID, interval)
}

// RemoveJob removes a sync job.
func (s *Scheduler) RemoveJob(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, exists := s.jobs[connectionID]; exists {
		close(job.stopCh)
		job.ticker.Stop()
		delete(s.jobs, connectionID)
		log.Printf("Removed sync job for connection %s", connectionID)
	}
}

// UpdateJobInterval updates the interval for an existing job.
func (s *Scheduler) UpdateJobInterval(connectionID string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, exists := s.jobs[connectionID]; exists {
		// Stop old ticker and create new one
		job.ticker.Stop()
		job.interval = interval
		job.ticker = time.NewTicker(interval)
		log.Printf("Updated sync interval for connection %s to %v", connectionID, interval)
	}
}

// TriggerSync manually triggers a sync for a connection.
func (s *Scheduler) TriggerSync(connectionID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeSync(connectionID)
	}()
}

// GetJobCount returns the number of active jobs.
func (s *Scheduler) GetJobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// runJob runs the sync job loop.
func (s *Scheduler) runJob(job *Job) {
	defer s.wg.Done()

	// Run immediately on start
	s.executeSync(job.connectionID)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-job.stopCh:
			return
		case <-job.ticker.C:
			s.executeSync(job.connectionID)
		}
	}
}

// getSyncLock returns the mutex for a connection, creating one if needed.
func (s *Scheduler) getSyncLock(connectionID string) *stdsync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, exists := s.syncLocks[connectionID]; exists {
		return lock
	}

	lock := &stdsync.Mutex{}
	s.syncLocks[connectionID] = lock
	return lock
}

// executeSync runs a sync pass for a connection.
func (s *Scheduler) executeSync(connectionID string) {
	// Try to acquire the lock without blocking - skip if a pass is running
	lock := s.getSyncLock(connectionID)
	if !lock.TryLock() {
		log.Printf("Skipping sync for connection %s - another sync is already in progress", connectionID)
		return
	}
	defer lock.Unlock()

	conn, err := s.db.GetConnectionByID(connectionID)
	if err != nil {
		log.Printf("Failed to get connection %s: %v", connectionID, err)
		return
	}

	// Skip if disabled
	if !conn.Enabled {
		return
	}

	log.Printf("Starting sync for connection %s (%s)", conn.Name, connectionID)

	ctx, cancel := context.WithTimeout(s.ctx, syncTimeout)
	defer cancel()

	result, err := s.engine.TriggerSync(ctx, connectionID, sync.ModeAuto)
	if err != nil {
		if errors.Is(err, store.ErrSyncInProgress) {
			log.Printf("Skipping sync for connection %s - pass claimed elsewhere", connectionID)
			return
		}
		log.Printf("Sync failed for connection %s: %v", conn.Name, err)
		return
	}

	if result.Success {
		log.Printf("Sync completed for connection %s: %d created, %d updated, %d deleted, %d conflicted in %v",
			conn.Name, result.Created, result.Updated, result.Deleted, result.Conflicted, result.Duration)
	} else {
		log.Printf("Sync finished with errors for connection %s: %s", conn.Name, result.Message)
	}
}

// cleanupRoutine runs periodic cleanup of old sync logs.
func (s *Scheduler) cleanupRoutine() {
	defer s.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOldLogs()
		}
	}
}

// cleanupOldLogs deletes sync logs older than retention period.
func (s *Scheduler) cleanupOldLogs() {
	cutoff := time.Now().AddDate(0, 0, -logRetentionDays)
	deleted, err := s.db.CleanOldSyncLogs(cutoff)
	if err != nil {
		log.Printf("Failed to clean old sync logs: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("Cleaned %d old sync logs", deleted)
	}
}
