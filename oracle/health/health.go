package health

import (
	"context"
	"sync"
	"time"

	"github.com/GPTx-global/flightsurety-oracle/oracle/log"
)

// HealthCheck is a single named check.
type HealthCheck interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthStatus is the outcome of the latest run of a check.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"lastCheck"`
	LastError string    `json:"lastError,omitempty"`
}

// HealthChecker runs its checks periodically and keeps their latest status.
type HealthChecker struct {
	checks   map[string]HealthCheck
	mutex    sync.RWMutex
	interval time.Duration
	timeout  time.Duration
	status   map[string]HealthStatus
}

func NewHealthChecker(interval time.Duration) *HealthChecker {
	return &HealthChecker{
		checks:   make(map[string]HealthCheck),
		status:   make(map[string]HealthStatus),
		interval: interval,
		timeout:  interval,
	}
}

// AddCheck registers check. A check is considered healthy until it first runs.
func (hc *HealthChecker) AddCheck(check HealthCheck) {
	hc.mutex.Lock()
	defer hc.mutex.Unlock()

	name := check.Name()
	hc.checks[name] = check
	hc.status[name] = HealthStatus{
		Healthy:   true,
		LastCheck: time.Now(),
	}

	log.Debug("health check added", "check", name)
}

// Start runs every check immediately and then every interval until ctx is done.
func (hc *HealthChecker) Start(ctx context.Context) {
	log.Debug("health checker started", "interval", hc.interval.String())

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	hc.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			hc.RunChecks(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunChecks runs every check concurrently and waits for all of them.
func (hc *HealthChecker) RunChecks(ctx context.Context) {
	hc.mutex.RLock()
	checks := make([]HealthCheck, 0, len(hc.checks))
	for _, check := range hc.checks {
		checks = append(checks, check)
	}
	hc.mutex.RUnlock()

	var wg sync.WaitGroup
	for _, check := range checks {
		wg.Add(1)
		go func(check HealthCheck) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
			defer cancel()

			err := check.Check(checkCtx)
			status := HealthStatus{
				Healthy:   err == nil,
				LastCheck: time.Now(),
			}
			if err != nil {
				status.LastError = err.Error()
				log.Error("health check failed", "check", check.Name(), "err", err.Error())
			}

			hc.mutex.Lock()
			hc.status[check.Name()] = status
			hc.mutex.Unlock()
		}(check)
	}
	wg.Wait()
}

func (hc *HealthChecker) GetStatus() map[string]HealthStatus {
	hc.mutex.RLock()
	defer hc.mutex.RUnlock()

	result := make(map[string]HealthStatus, len(hc.status))
	for name, status := range hc.status {
		result[name] = status
	}

	return result
}

func (hc *HealthChecker) IsHealthy() bool {
	hc.mutex.RLock()
	defer hc.mutex.RUnlock()

	for _, status := range hc.status {
		if !status.Healthy {
			return false
		}
	}

	return true
}

// CheckFunc adapts a function into a HealthCheck.
type CheckFunc struct {
	name      string
	checkFunc func(ctx context.Context) error
}

func NewCheckFunc(name string, checkFunc func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{
		name:      name,
		checkFunc: checkFunc,
	}
}

func (c *CheckFunc) Check(ctx context.Context) error {
	return c.checkFunc(ctx)
}

func (c *CheckFunc) Name() string {
	return c.name
}
