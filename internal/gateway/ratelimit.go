package gateway

import (
	"context"
	"net"
	"slices"
	"sync"
	"time"
)

const (
	authFailWindow  = 5 * time.Minute
	authMaxFailures = 10
	maxTrackedHosts = 10000
)

// failureLimiter refuses a host once it has accumulated max failed
// authentication attempts inside window.
type failureLimiter struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu    sync.Mutex
	hosts map[string][]time.Time // host → failure times, oldest first
}

func newFailureLimiter(window time.Duration, max int) *failureLimiter {
	return &failureLimiter{
		window: window,
		max:    max,
		now:    time.Now,
		hosts:  make(map[string][]time.Time),
	}
}

func hostOf(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil && host != "" {
		return host
	}
	return remoteAddr
}

// expireLocked drops failures older than the window for host and reports
// how many remain.
func (l *failureLimiter) expireLocked(host string, cutoff time.Time) int {
	times := slices.DeleteFunc(l.hosts[host], func(t time.Time) bool { return !t.After(cutoff) })
	if len(times) == 0 {
		delete(l.hosts, host)
		return 0
	}
	l.hosts[host] = times
	return len(times)
}

func (l *failureLimiter) allow(remoteAddr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expireLocked(hostOf(remoteAddr), l.now().Add(-l.window)) < l.max
}

func (l *failureLimiter) recordFailure(remoteAddr string) {
	host := hostOf(remoteAddr)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.hosts[host]; !ok && len(l.hosts) >= maxTrackedHosts {
		l.evictOldestLocked()
	}
	l.hosts[host] = append(l.hosts[host], l.now())
}

// evictOldestLocked forgets the host whose first failure is the oldest.
func (l *failureLimiter) evictOldestLocked() {
	var victim string
	var first time.Time
	for host, times := range l.hosts {
		if len(times) == 0 {
			continue
		}
		if victim == "" || times[0].Before(first) {
			victim, first = host, times[0]
		}
	}
	if victim != "" {
		delete(l.hosts, victim)
	}
}

func (l *failureLimiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	for host := range l.hosts {
		l.expireLocked(host, cutoff)
	}
}

// run prunes expired entries every interval until ctx is done.
func (l *failureLimiter) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune()
		}
	}
}
