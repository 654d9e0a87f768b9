package infra

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultReadDelay paces idempotent queries.
	DefaultReadDelay = 1 * time.Second

	// DefaultWriteDelay paces mutating actions.
	DefaultWriteDelay = 5 * time.Second

	// DefaultDropWindow is how long a process registration stays valid in
	// the coordination file without being refreshed.
	DefaultDropWindow = 10 * time.Minute

	// multiplicityCheckInterval bounds how often the coordination file is
	// re-read.
	multiplicityCheckInterval = 2 * time.Minute
)

// Throttle paces requests against one site. Reads and writes pace
// independently behind separate locks, so a slow edit cadence never starves
// queries. Multiple OS processes hitting the same site coordinate through an
// advisory plain-text file: each registers itself and backs off
// proportionally to the number of co-running processes.
type Throttle struct {
	site      string
	ctrlPath  string
	pid       int
	dropAfter time.Duration

	readMu    sync.Mutex
	readDelay time.Duration
	lastRead  time.Time

	writeMu    sync.Mutex
	writeDelay time.Duration
	lastWrite  time.Time

	procMu      sync.Mutex
	processes   int
	lastChecked time.Time
}

// NewThrottle creates a throttle for site. dir holds the coordination file;
// empty dir disables multi-process coordination.
func NewThrottle(site, dir string, readDelay, writeDelay time.Duration) *Throttle {
	if readDelay <= 0 {
		readDelay = DefaultReadDelay
	}
	if writeDelay <= 0 {
		writeDelay = DefaultWriteDelay
	}
	t := &Throttle{
		site:       site,
		pid:        os.Getpid(),
		dropAfter:  DefaultDropWindow,
		readDelay:  readDelay,
		writeDelay: writeDelay,
		processes:  1,
	}
	if dir != "" {
		t.ctrlPath = filepath.Join(dir, "throttle.ctrl")
	}
	return t
}

// Wait blocks until the pacing delay for the request class has elapsed since
// the previous request of that class, scaled by the number of co-running
// processes. It returns early only on context cancellation.
func (t *Throttle) Wait(ctx context.Context, write bool) error {
	procs := t.multiplicity()

	mu, last, delay := &t.readMu, &t.lastRead, t.readDelay
	if write {
		mu, last, delay = &t.writeMu, &t.lastWrite, t.writeDelay
	}

	mu.Lock()
	defer mu.Unlock()

	pause := delay*time.Duration(procs) - time.Since(*last)
	if pause > 0 {
		timer := time.NewTimer(pause)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	*last = time.Now()
	return nil
}

// multiplicity returns how many processes are currently registered for this
// site, refreshing our own registration. Without a coordination file it is
// always 1.
func (t *Throttle) multiplicity() int {
	if t.ctrlPath == "" {
		return 1
	}

	t.procMu.Lock()
	defer t.procMu.Unlock()

	if time.Since(t.lastChecked) < multiplicityCheckInterval && t.processes > 0 {
		return t.processes
	}

	entries := t.readCtrl()
	now := time.Now()

	count := 1
	kept := entries[:0]
	for _, e := range entries {
		if now.Sub(e.stamp) > t.dropAfter {
			continue // stale registration, prune
		}
		if e.pid == t.pid && e.site == t.site {
			continue // replaced by our fresh line below
		}
		kept = append(kept, e)
		if e.site == t.site {
			count++
		}
	}
	kept = append(kept, ctrlEntry{pid: t.pid, stamp: now, site: t.site})
	t.writeCtrl(kept)

	t.processes = count
	t.lastChecked = now
	return count
}

// Close removes this process's registration from the coordination file.
func (t *Throttle) Close() {
	if t.ctrlPath == "" {
		return
	}
	t.procMu.Lock()
	defer t.procMu.Unlock()

	entries := t.readCtrl()
	kept := entries[:0]
	for _, e := range entries {
		if e.pid == t.pid && e.site == t.site {
			continue
		}
		kept = append(kept, e)
	}
	t.writeCtrl(kept)
}

type ctrlEntry struct {
	pid   int
	stamp time.Time
	site  string
}

// readCtrl parses "<pid> <unix-timestamp> <site-string>" lines. Malformed
// lines are dropped silently; the file is advisory.
func (t *Throttle) readCtrl() []ctrlEntry {
	f, err := os.Open(t.ctrlPath)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []ctrlEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 3)
		if len(fields) != 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		unix, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, ctrlEntry{pid: pid, stamp: time.Unix(unix, 0), site: fields[2]})
	}
	return entries
}

func (t *Throttle) writeCtrl(entries []ctrlEntry) {
	if err := os.MkdirAll(filepath.Dir(t.ctrlPath), 0o700); err != nil {
		return
	}
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%d %d %s\n", e.pid, e.stamp.Unix(), e.site)
	}
	_ = os.WriteFile(t.ctrlPath, []byte(sb.String()), 0o644)
}
