// Package daemon wires every other package into the single cooperative
// main loop: tick the drive engine, read sensors, ask the evaluator for a
// decision, dispatch a webhook when warranted, and persist state — all
// cooldown and rate-limit enforcement lives here, not scattered across
// the components it governs.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/normanking/pulse/internal/audit"
	"github.com/normanking/pulse/internal/bus"
	"github.com/normanking/pulse/internal/clock"
	"github.com/normanking/pulse/internal/config"
	"github.com/normanking/pulse/internal/drive"
	"github.com/normanking/pulse/internal/evaluator"
	"github.com/normanking/pulse/internal/generate"
	"github.com/normanking/pulse/internal/guardrail"
	"github.com/normanking/pulse/internal/lockfile"
	"github.com/normanking/pulse/internal/logging"
	"github.com/normanking/pulse/internal/metrics"
	"github.com/normanking/pulse/internal/mutate"
	"github.com/normanking/pulse/internal/overlay"
	"github.com/normanking/pulse/internal/sensor"
	"github.com/normanking/pulse/internal/server"
	"github.com/normanking/pulse/internal/state"
	"github.com/normanking/pulse/internal/version"
	"github.com/normanking/pulse/internal/webhook"
)

// Daemon owns the long-running process: one drive engine, one evaluator,
// one mutator, one health server, and the loop that ties them together.
type Daemon struct {
	cfg *config.Config
	clk clock.Clock

	engine     *drive.Engine
	eval       evaluator.Evaluator
	ruleEval   *evaluator.RuleEvaluator
	guardrails *guardrail.Guardrails
	mutator    *mutate.Mutator
	bus        *bus.Bus
	stateStore *state.Store
	auditLog   *audit.Log
	webhookCli *webhook.Client
	httpServer *server.Server
	cronSched  *cron.Cron
	processLk  *lockfile.ProcessLock
	sensorPool *sensor.Pool
	sensors    []sensor.Sensor

	mu            sync.Mutex
	st            state.File
	loopCount     int
	suggestedTask string
	startTime     time.Time
	lastSensors   map[string]any
	evalDegraded  bool
}

// New builds a Daemon from cfg. It does not touch disk or the network
// until Run is called.
func New(cfg *config.Config) (*Daemon, error) {
	clk := clock.NewReal()
	b := bus.New()
	engine := drive.New(&cfg.Drives, clk, b)
	g := guardrail.New(&cfg.Guardrails)
	ruleEval := evaluator.NewRule(&cfg.Drives)

	var eval evaluator.Evaluator = ruleEval
	if cfg.Evaluator.Mode == "model" {
		logging.WithComponent("daemon").Warn("evaluator.mode is 'model' but no ModelClient is wired; falling back to rule mode")
	}

	auditLog := audit.New(filepath.Join(cfg.State.Dir, "audit.jsonl"), cfg.State.AuditMaxBytes)
	queuePath := filepath.Join(cfg.State.Dir, "mutations.json")
	stateStore := state.New(filepath.Join(cfg.State.Dir, "state.json"))

	d := &Daemon{
		cfg:        cfg,
		clk:        clk,
		engine:     engine,
		eval:       eval,
		ruleEval:   ruleEval,
		guardrails: g,
		bus:        b,
		stateStore: stateStore,
		auditLog:   auditLog,
		sensorPool: sensor.NewPool(4),
		startTime:  clk.Now(),
	}

	d.mutator = mutate.New(engine, d, g, auditLog, clk, queuePath)

	if cfg.Webhook.URL != "" {
		d.webhookCli = webhook.New(cfg.Webhook.URL, cfg.Webhook.Token, cfg.Webhook.AuthHeader, cfg.Webhook.Timeout, cfg.Webhook.MaxRetries)
	}

	d.httpServer = server.New(fmt.Sprintf("%s:%d", cfg.Daemon.Host, cfg.Daemon.Port), server.Deps{
		Engine:             engine,
		Mutator:            d.mutator,
		AuditLog:           auditLog,
		Config:             cfg,
		Bus:                b,
		StartTime:          clk.Now(),
		Version:            version.Version,
		SuggestedTask:      d.getSuggestedTask,
		RecentMutations:    d.getRecentMutations,
		SetRecentMutations: d.setRecentMutations,
		ForceTrigger:       func(reason string) error { return d.dispatchTrigger(context.Background(), reason) },
		Degraded:           d.isDegraded,
		SensorSummary:      d.sensorSummary,
		RateLimitStatus:    d.rateLimitStatus,
		LastTrigger:        d.lastTrigger,
	})

	d.sensors = buildSensors(cfg)

	circadian := overlay.NewCircadian(engine, clk, "growth", 9, 21, 0.1, 30*time.Minute)
	circadian.Subscribe(b)
	immune := overlay.NewImmune(engine, "system", cfg.Drives.FailureBoost)
	immune.Subscribe(b)

	return d, nil
}

func buildSensors(cfg *config.Config) []sensor.Sensor {
	var sensors []sensor.Sensor
	if cfg.Sensors.ConversationDir != "" {
		sensors = append(sensors, sensor.NewConversationSensor(cfg.Sensors.ConversationDir, cfg.Sensors.ConversationMinBytes))
	}
	sensors = append(sensors, sensor.NewHealthSensor(nil, cfg.Sensors.HealthCommandTimeout, time.Minute))
	if cfg.Sensors.HypothesesPath != "" {
		extract := sensor.HypothesesExtractor(cfg.Sensors.HypothesesCap, cfg.Sensors.HypothesesPerItem)
		sensors = append(sensors, sensor.NewSourceSensor("hypotheses", cfg.Sensors.HypothesesPath, extract))
	}
	if cfg.Sensors.EmotionsPath != "" {
		extract := sensor.EmotionsExtractor(cfg.Sensors.EmotionsDrive, cfg.Sensors.EmotionsThreshold, cfg.Sensors.EmotionsBoost)
		sensors = append(sensors, sensor.NewSourceSensor("emotions", cfg.Sensors.EmotionsPath, extract))
	}
	if cfg.Sensors.FilesystemWatchDir != "" {
		sensors = append(sensors, sensor.NewFilesystemSensor(cfg.Sensors.FilesystemWatchDir, cfg.State.Dir))
	}
	return sensors
}

// ConfigSetters implementation, so the mutator can adjust scalar config
// fields through the same Daemon that owns them.
func (d *Daemon) TriggerThreshold() float64     { return d.cfg.Drives.TriggerThreshold }
func (d *Daemon) SetTriggerThreshold(v float64) { d.cfg.Drives.TriggerThreshold = v }
func (d *Daemon) PressureRate() float64         { return d.cfg.Drives.PressureRate }
func (d *Daemon) SetPressureRate(v float64)     { d.cfg.Drives.PressureRate = v }
func (d *Daemon) CooldownSeconds() int          { return int(d.cfg.Drives.MinTriggerInterval.Seconds()) }
func (d *Daemon) SetCooldownSeconds(v int)      { d.cfg.Drives.MinTriggerInterval = time.Duration(v) * time.Second }
func (d *Daemon) TurnsPerHour() int             { return d.cfg.Drives.MaxTurnsPerHour }
func (d *Daemon) SetTurnsPerHour(v int)         { d.cfg.Drives.MaxTurnsPerHour = v }

func (d *Daemon) getSuggestedTask() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suggestedTask
}

func (d *Daemon) getRecentMutations() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]time.Time, len(d.st.RecentMutations))
	for i, t := range d.st.RecentMutations {
		out[i] = t.Time()
	}
	return out
}

func (d *Daemon) setRecentMutations(t []time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]clock.EpochTime, len(t))
	for i, v := range t {
		out[i] = clock.NewEpochTime(v)
	}
	d.st.RecentMutations = out
}

// sensorSummary returns the sensor readings collected on the most recent
// tick, for /state.
func (d *Daemon) sensorSummary() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]any, len(d.lastSensors))
	for k, v := range d.lastSensors {
		out[k] = v
	}
	return out
}

// isDegraded reports whether /health should report degraded: either the
// evaluator has fallen back to rule mode, or the last state save failed.
func (d *Daemon) isDegraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evalDegraded || d.st.PersistenceDegraded
}

// rateLimitStatus reports the hourly trigger window for /state. The
// window is fixed: it restarts once more than an hour has passed since
// window_start, rather than rolling over individual trigger timestamps.
func (d *Daemon) rateLimitStatus() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]any{
		"turns_this_hour":   d.st.TurnsThisHour,
		"max_turns_per_hour": d.cfg.Drives.MaxTurnsPerHour,
		"window_start":      d.st.TurnsWindowStart,
	}
}

// lastTrigger reports the most recent dispatched trigger for /state.
func (d *Daemon) lastTrigger() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]any{
		"timestamp": d.st.LastTriggerTime,
		"reason":    d.st.LastTriggerReason,
	}
}

// Run acquires the process lock, restores persisted state, starts the
// health server and cron scheduler, and runs the main loop until ctx is
// canceled or a termination signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	log := logging.WithComponent("daemon")

	if err := os.MkdirAll(d.cfg.State.Dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	lk, err := lockfile.AcquireProcessLock(filepath.Join(d.cfg.State.Dir, "pulse.pid"))
	if err != nil {
		return fmt.Errorf("acquiring process lock: %w", err)
	}
	d.processLk = lk
	defer d.processLk.Release()

	if err := d.restore(); err != nil {
		return fmt.Errorf("restoring state: %w", err)
	}

	for _, s := range d.sensors {
		if err := s.Initialize(); err != nil {
			log.Warn("sensor initialize failed", "sensor", s.Name(), "error", err)
		}
	}
	defer func() {
		for _, s := range d.sensors {
			_ = s.Stop()
		}
	}()

	if err := d.httpServer.Start(); err != nil {
		return fmt.Errorf("starting health server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.httpServer.Shutdown(shutdownCtx)
	}()

	d.cronSched = cron.New()
	evolutionEveryN := d.cfg.Daemon.EvolutionEveryN
	_, _ = d.cronSched.AddFunc("0 3 * * *", func() { d.rotateAndConsolidate() })
	d.cronSched.Start()
	defer d.cronSched.Stop()
	defer d.bus.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	loopTicker := time.NewTicker(d.cfg.Daemon.LoopInterval)
	defer loopTicker.Stop()
	saveTicker := time.NewTicker(d.cfg.Daemon.SaveInterval)
	defer saveTicker.Stop()

	log.Info("daemon started", "port", d.cfg.Daemon.Port)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down: context canceled")
			d.persist()
			return nil
		case sig := <-sigCh:
			log.Info("shutting down: received signal", "signal", sig)
			d.persist()
			return nil
		case <-saveTicker.C:
			d.persist()
		case <-loopTicker.C:
			d.tick(ctx, evolutionEveryN)
		}
	}
}

func (d *Daemon) tick(ctx context.Context, evolutionEveryN int) {
	log := logging.WithComponent("daemon")

	if _, recent, err := d.mutator.ProcessQueue(d.getRecentMutations()); err != nil {
		log.Warn("processing durable mutation queue failed", "error", err)
	} else {
		d.setRecentMutations(recent)
	}

	readCtx, cancel := context.WithTimeout(ctx, d.cfg.Sensors.SensorReadTimeout)
	readings := d.sensorPool.ReadAll(readCtx, d.sensors)
	cancel()

	conversationActive := false
	sensorContext := make(map[string]any, len(readings))
	var directives []drive.SpikeDirective
	for _, r := range readings {
		if r.Err == nil {
			sensorContext[r.Name] = r.Value
		}
		switch {
		case r.Name == "conversation":
			if t, ok := r.Value.(time.Time); ok && !t.IsZero() {
				conversationActive = d.clk.Now().Sub(t) < time.Duration(d.cfg.Sensors.ActivityThresholdSecs)*time.Second
			}
		case r.Name == "hypotheses" || r.Name == "emotions":
			findings, ok := r.Value.([]sensor.SourceFinding)
			if !ok {
				continue
			}
			for _, f := range findings {
				directives = append(directives, drive.SpikeDirective{Drive: f.Drive, Delta: f.Amount})
			}
		case r.Name == "filesystem":
			if changed, ok := r.Value.(bool); ok && changed {
				directives = append(directives, drive.SpikeDirective{
					Drive: d.cfg.Sensors.FilesystemDrive,
					Delta: d.cfg.Sensors.FilesystemSpike,
				})
			}
		}
	}

	d.engine.Tick(d.cfg.Daemon.LoopInterval, directives)

	decision := d.eval.Decide(d.engine, sensorContext, conversationActive, d.clk.Now())
	d.bus.Publish(bus.Event{Type: bus.EventTriggerDecision, Timestamp: d.clk.Now(), Payload: decision})

	for name, ds := range d.engine.Snapshot().Drives {
		metrics.DrivePressure.WithLabelValues(name).Set(ds.Pressure * ds.Weight)
	}
	metrics.TriggersTotal.WithLabelValues(decision.Reason, fmt.Sprintf("%t", decision.ShouldTrigger)).Inc()
	if decision.Degraded {
		metrics.EvaluatorDegraded.Set(1)
	} else {
		metrics.EvaluatorDegraded.Set(0)
	}

	d.mu.Lock()
	d.loopCount++
	loopCount := d.loopCount
	d.lastSensors = sensorContext
	d.evalDegraded = decision.Degraded
	if decision.RecommendGenerate {
		d.suggestedTask = generate.Suggest(decision.TopDrive, decision.TopDrivePressure)
	}
	d.mu.Unlock()

	if decision.ShouldTrigger {
		if err := d.dispatchTrigger(ctx, decision.Reason); err != nil {
			log.Warn("trigger dispatch failed", "error", err)
		}
	}

	if evolutionEveryN > 0 && loopCount%evolutionEveryN == 0 {
		d.evolveWeights()
	}
}

// dispatchTrigger enforces the cooldown and turns-per-hour rate limit —
// returning an error wrapping server.ErrRateLimited if either is still
// active, whether the trigger came from the evaluator's own decision or an
// operator's explicit /trigger call — then sends the webhook notification
// and records the turn.
func (d *Daemon) dispatchTrigger(ctx context.Context, reason string) error {
	now := d.clk.Now()

	d.mu.Lock()
	lastTrigger := d.st.LastTriggerTime.Time()
	if !lastTrigger.IsZero() && now.Sub(lastTrigger) < d.cfg.Drives.MinTriggerInterval {
		remaining := d.cfg.Drives.MinTriggerInterval - now.Sub(lastTrigger)
		d.mu.Unlock()
		return fmt.Errorf("%w: cooldown active, %s remaining", server.ErrRateLimited, remaining)
	}
	if now.Sub(d.st.TurnsWindowStart.Time()) > time.Hour {
		d.st.TurnsWindowStart = clock.NewEpochTime(now)
		d.st.TurnsThisHour = 0
	}
	if d.st.TurnsThisHour >= d.cfg.Drives.MaxTurnsPerHour {
		d.mu.Unlock()
		return fmt.Errorf("%w: max_turns_per_hour %d reached", server.ErrRateLimited, d.cfg.Drives.MaxTurnsPerHour)
	}
	d.st.LastTriggerTime = clock.NewEpochTime(now)
	d.st.LastTriggerReason = reason
	d.st.TurnsThisHour++
	d.mu.Unlock()

	topDrive, _ := d.engine.TopDrive()
	totalPressure := d.engine.TotalWeightedPressure()
	turnID := uuid.New().String()

	webhookStatus := webhook.StatusOK
	var dispatchErr error
	if d.webhookCli == nil {
		logging.WithComponent("daemon").Info("trigger fired with no webhook configured", "reason", reason)
	} else {
		webhookStatus, dispatchErr = d.webhookCli.Trigger(ctx, webhook.Request{
			Message:  fmt.Sprintf("Pulse trigger: %s", reason),
			Name:     "pulse",
			WakeMode: true,
			Deliver:  true,
		})
		if dispatchErr != nil {
			metrics.WebhookFailuresTotal.Inc()
			d.bus.Publish(bus.Event{Type: bus.EventTriggerFailure, Timestamp: now, Payload: dispatchErr.Error()})
		}
	}

	d.mu.Lock()
	d.st.TriggerHistory = state.AppendTriggerHistory(d.st.TriggerHistory, state.TriggerHistoryEntry{
		Timestamp:        clock.NewEpochTime(now),
		Reason:           reason,
		TopDrive:         topDrive,
		TotalPressure:    totalPressure,
		WebhookStatus:    webhookStatus,
		DispatchedTurnID: turnID,
	}, d.cfg.State.HistoryMaxEntries)
	d.mu.Unlock()

	return dispatchErr
}

func (d *Daemon) evolveWeights() {
	// Scheduled weight evolution is intentionally conservative: nudge
	// every non-protected drive's weight a small step toward 1.0 if it
	// has drifted, bounded by the guardrail's evolution delta. This is a
	// stabilizer, not a learning signal — there is no performance model
	// feeding it yet.
	for _, name := range d.engine.DriveNames() {
		if config.ProtectedDrives[name] {
			continue
		}
		dr, ok := d.engine.Get(name)
		if !ok {
			continue
		}
		delta := (1.0 - dr.Weight) * 0.05
		if err := d.guardrails.ValidateEvolutionDelta(delta); err != nil {
			continue
		}
		_ = d.engine.SetWeight(name, dr.Weight+delta)
	}
}

func (d *Daemon) rotateAndConsolidate() {
	d.persist()
}

func (d *Daemon) restore() error {
	f, err := d.stateStore.Load()
	if err != nil {
		return err
	}
	d.engine.Restore(f.Drives)
	d.mu.Lock()
	d.st = f
	d.mu.Unlock()
	return nil
}

// persist saves state to disk. On failure it follows §7's persistence
// policy: log, mark /health degraded, keep running in-memory, and
// escalate by spiking the system drive so the pressure backlog is
// visible even though it isn't being saved.
func (d *Daemon) persist() {
	d.mu.Lock()
	f := d.st
	f.Drives = d.engine.Snapshot()
	f.SuggestedTask = d.suggestedTask
	f.SavedAt = clock.NewEpochTime(d.clk.Now())
	d.mu.Unlock()

	metrics.UptimeSeconds.Set(d.clk.Now().Sub(d.startTime).Seconds())

	if err := d.stateStore.Save(f); err != nil {
		logging.WithComponent("daemon").Error("failed to persist state", "error", err)
		d.mu.Lock()
		d.st.PersistenceDegraded = true
		d.mu.Unlock()
		_ = d.engine.Spike("system", d.cfg.Drives.FailureBoost)
		d.bus.Publish(bus.Event{Type: bus.EventPersistenceDegraded, Timestamp: d.clk.Now(), Payload: err.Error()})
		return
	}

	d.mu.Lock()
	d.st.PersistenceDegraded = false
	d.mu.Unlock()
}
