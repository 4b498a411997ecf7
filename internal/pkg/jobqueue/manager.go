package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/LLMReady/internal/pkg/billing"
)

const reconcileLockKey = "billing_reconcile_lock"

// releaseLockScript deletes the lock only while it still holds the caller's
// token. KEYS[1] = lock key, ARGV[1] = token.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrReconcileRunning is returned when another instance holds the reconcile lock.
var ErrReconcileRunning = errors.New("reconciliation already running")

// Reconciler runs one backup reconciliation pass.
type Reconciler interface {
	Reconcile(ctx context.Context) (*billing.ReconciliationReport, error)
}

// UsageResetter rolls free-tier usage over into the current month.
type UsageResetter interface {
	ResetMonthlyUsage(ctx context.Context) (int64, error)
}

// ManagerConfig wires the manager's collaborators and intervals.
type ManagerConfig struct {
	Client             redis.Cmdable
	Queue              *Queue
	Reconciler         Reconciler
	UsageResetter      UsageResetter
	ReconcileInterval  time.Duration
	UsageResetInterval time.Duration
}

// Manager manages the notification queue and the billing background tasks
type Manager struct {
	client             redis.Cmdable
	queue              *Queue
	reconciler         Reconciler
	usage              UsageResetter
	reconcileInterval  time.Duration
	usageResetInterval time.Duration
	stopCh             chan struct{}
	wg                 sync.WaitGroup
	mu                 sync.Mutex
	running            bool
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = time.Hour
	}
	if cfg.UsageResetInterval <= 0 {
		cfg.UsageResetInterval = 6 * time.Hour
	}
	return &Manager{
		client:             cfg.Client,
		queue:              cfg.Queue,
		reconciler:         cfg.Reconciler,
		usage:              cfg.UsageResetter,
		reconcileInterval:  cfg.ReconcileInterval,
		usageResetInterval: cfg.UsageResetInterval,
		stopCh:             make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
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

	if m.queue != nil {
		m.queue.Start()
	}

	if m.reconciler != nil {
		m.wg.Add(1)
		go m.every("reconcile", m.reconcileInterval, func(ctx context.Context) error {
			_, err := m.RunReconcileOnce(ctx)
			if errors.Is(err, ErrReconcileRunning) {
				log.Debug("[JobQueue Manager] Reconcile skipped, lock held elsewhere")
				return nil
			}
			return err
		})
	}

	if m.usage != nil {
		m.wg.Add(1)
		go m.every("usage reset", m.usageResetInterval, m.runUsageResetOnce)
	}

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
	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	if m.queue != nil {
		m.queue.Stop()
	}
	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started %s worker (interval: %s)", name, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			log.Infof("[JobQueue Manager] %s worker stopping", name)
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := fn(ctx); err != nil {
				log.Errorf("[JobQueue Manager] %s error: %v", name, err)
			}
			cancel()
		}
	}
}

// RunReconcileOnce runs a single reconciliation pass guarded by a Redis lock
// so only one instance reconciles at a time.
func (m *Manager) RunReconcileOnce(ctx context.Context) (*billing.ReconciliationReport, error) {
	if m.reconciler == nil {
		return nil, errors.New("reconciler not configured")
	}

	if m.client != nil {
		token := uuid.NewString()
		ok, err := m.client.SetNX(ctx, reconcileLockKey, token, m.reconcileInterval).Result()
		switch {
		case err != nil:
			log.Warnf("[JobQueue Manager] Reconcile lock unavailable, running unlocked: %v", err)
		case !ok:
			return nil, ErrReconcileRunning
		default:
			defer m.releaseReconcileLock(context.WithoutCancel(ctx), token)
		}
	}

	report, err := m.reconciler.Reconcile(ctx)
	if report != nil {
		log.Infof("[JobQueue Manager] Reconcile run %s checked=%d diverged=%d applied=%d failed=%d", report.RunID, report.Checked, report.Diverged, report.Applied, report.Failed)
	}
	return report, err
}

// releaseReconcileLock leaves a lock that expired and was taken by another
// instance in place.
func (m *Manager) releaseReconcileLock(ctx context.Context, token string) {
	released, err := releaseLockScript.Run(ctx, m.client, []string{reconcileLockKey}, token).Int()
	if err != nil {
		log.Warnf("[JobQueue Manager] Failed to release reconcile lock: %v", err)
		return
	}
	if released == 0 {
		log.Warnf("[JobQueue Manager] Reconcile lock was taken over before release")
	}
}

func (m *Manager) runUsageResetOnce(ctx context.Context) error {
	n, err := m.usage.ResetMonthlyUsage(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Infof("[JobQueue Manager] Reset monthly usage on %d ledgers", n)
	}
	return nil
}
