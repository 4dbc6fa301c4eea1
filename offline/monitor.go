package offline

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_terminal/config"
	"bitbucket.org/mmdatafocus/pos_terminal/models"
)

const probeTimeout = 2500 * time.Millisecond

// Probes holds one check per dependency. A nil probe counts as unreachable.
type Probes struct {
	Internet       Probe
	PaymentGateway Probe
	PrimaryStore   Probe
	ReadReplica    Probe
	FiscalService  Probe
	AuxiliaryCloud Probe
}

// ProbeResults is the outcome of one probe cycle.
type ProbeResults struct {
	Internet       bool `json:"internet"`
	PaymentGateway bool `json:"payment_gateway"`
	PrimaryStore   bool `json:"primary_store"`
	ReadReplica    bool `json:"read_replica"`
	FiscalService  bool `json:"fiscal_service"`
	AuxiliaryCloud bool `json:"auxiliary_cloud"`
}

// DeriveMode collapses the probe results into a single operation mode.
// Priority order, first match wins.
func DeriveMode(r ProbeResults) models.OperationMode {
	switch {
	case r.Internet && r.PaymentGateway && r.PrimaryStore:
		return models.OperationModeOnline
	case r.PrimaryStore:
		return models.OperationModeDegraded
	case r.ReadReplica:
		return models.OperationModeReadOnly
	default:
		return models.OperationModeOffline
	}
}

// Monitor probes the terminal's dependencies on an interval, records mode
// transitions in the connectivity log and kicks the sync engine whenever the
// terminal regains a mode that allows writing to the primary store.
type Monitor struct {
	store      *Store
	probes     Probes
	terminalId string
	logger     *logrus.Logger
	interval   time.Duration

	// onSyncable is invoked (on its own goroutine) on transition into a
	// syncable mode. Wired to Engine.TriggerSync.
	onSyncable func(ctx context.Context, terminalId string)

	mu       sync.Mutex
	lastMode models.OperationMode
	lastSeen ProbeResults
}

func NewMonitor(store *Store, terminalId string, probes Probes, onSyncable func(ctx context.Context, terminalId string)) *Monitor {
	interval := 15 * time.Second
	if v := strings.TrimSpace(os.Getenv("POS_PROBE_INTERVAL_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			interval = time.Duration(n) * time.Second
		}
	}
	return &Monitor{
		store:      store,
		probes:     probes,
		terminalId: terminalId,
		logger:     config.GetLogger(),
		interval:   interval,
		onSyncable: onSyncable,
	}
}

// Run probes until ctx is cancelled. One cycle runs immediately on start so a
// freshly booted terminal learns its mode without waiting a full interval.
func (m *Monitor) Run(ctx context.Context) {
	for {
		m.Cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval):
		}
	}
}

// Cycle runs every probe concurrently, each under its own timeout, derives
// the mode and records a transition if it changed. Probe panics and errors
// both read as "unreachable"; a hanging dependency costs at most the probe
// timeout and never blocks the other probes.
func (m *Monitor) Cycle(ctx context.Context) models.OperationMode {
	results := m.runProbes(ctx)
	mode := DeriveMode(results)

	m.mu.Lock()
	previous := m.lastMode
	m.lastMode = mode
	m.lastSeen = results
	m.mu.Unlock()

	if previous == "" {
		// First cycle after boot: recover the previously recorded mode so a
		// restart while offline still produces a came_online entry later.
		if entry, err := models.LatestModeChange(ctx, m.store.DB(), m.terminalId); err == nil && entry != nil {
			previous = entry.NewMode
		}
	}

	if previous != "" && previous == mode {
		return mode
	}
	m.recordTransition(ctx, previous, mode)

	if mode.AllowsSync() && m.onSyncable != nil {
		go m.onSyncable(ctx, m.terminalId)
	}
	return mode
}

// Status returns the last derived mode and probe results.
func (m *Monitor) Status() (models.OperationMode, ProbeResults) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastMode == "" {
		return models.OperationModeOffline, m.lastSeen
	}
	return m.lastMode, m.lastSeen
}

func (m *Monitor) runProbes(ctx context.Context) ProbeResults {
	var (
		wg      sync.WaitGroup
		results ProbeResults
	)
	checks := []struct {
		probe Probe
		out   *bool
	}{
		{m.probes.Internet, &results.Internet},
		{m.probes.PaymentGateway, &results.PaymentGateway},
		{m.probes.PrimaryStore, &results.PrimaryStore},
		{m.probes.ReadReplica, &results.ReadReplica},
		{m.probes.FiscalService, &results.FiscalService},
		{m.probes.AuxiliaryCloud, &results.AuxiliaryCloud},
	}
	for _, check := range checks {
		if check.probe == nil {
			continue
		}
		wg.Add(1)
		go func(probe Probe, out *bool) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			// Collect via a channel so a probe that ignores its context can
			// not hold the cycle past the timeout; the lingering goroutine
			// finishes in the background and its late result is dropped.
			done := make(chan bool, 1)
			go func() {
				defer func() {
					if recover() != nil {
						// A panicking probe reads as unreachable.
						done <- false
					}
				}()
				done <- probe(probeCtx) == nil
			}()
			select {
			case ok := <-done:
				*out = ok
			case <-probeCtx.Done():
			}
		}(check.probe, check.out)
	}
	wg.Wait()
	return results
}

func (m *Monitor) recordTransition(ctx context.Context, previous, current models.OperationMode) {
	event := models.ConnectivityEventStatusChange
	var offlineDuration time.Duration
	switch {
	case current == models.OperationModeOffline:
		event = models.ConnectivityEventWentOffline
	case previous == models.OperationModeOffline && current.AllowsSync():
		event = models.ConnectivityEventCameOnline
		if last, err := models.LatestModeChange(ctx, m.store.DB(), m.terminalId); err == nil && last != nil {
			offlineDuration = time.Since(last.CreatedAt)
		}
	}

	backlog, err := m.store.BacklogSize(ctx, m.terminalId)
	if err != nil {
		config.LogError(m.logger, "monitor.go", "recordTransition", "BacklogSize", m.terminalId, err)
	}

	entry := models.ConnectivityLog{
		TerminalId:        m.terminalId,
		Event:             event,
		PreviousMode:      previous,
		NewMode:           current,
		OfflineDurationMs: offlineDuration.Milliseconds(),
		BacklogSize:       backlog,
	}
	if err := m.store.DB().WithContext(ctx).Create(&entry).Error; err != nil {
		config.LogError(m.logger, "monitor.go", "recordTransition", "create log entry", entry, err)
	}

	config.LogInfo(m.logger, "monitor.go", "recordTransition", "mode change", map[string]any{
		"terminal_id": m.terminalId,
		"previous":    previous,
		"current":     current,
		"backlog":     backlog,
	}, string(event))
}
