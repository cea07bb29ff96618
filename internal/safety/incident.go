package safety

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/metrics"
)

// IncidentStatus is the lifecycle state of one incident.
type IncidentStatus string

const (
	IncidentDetected           IncidentStatus = "detected"
	IncidentResponding         IncidentStatus = "responding"
	IncidentResponseFailed     IncidentStatus = "response_failed"
	IncidentFailoverInProgress IncidentStatus = "failover_in_progress"
	IncidentFailoverFailed     IncidentStatus = "failover_failed"
	IncidentValidating         IncidentStatus = "validating_recovery"
	IncidentResolved           IncidentStatus = "resolved"
	IncidentEscalated          IncidentStatus = "escalated"
	IncidentMaxEscalation      IncidentStatus = "maximum_escalation_reached"
)

// Severity grades an incident; escalation advances it one level at a
// time.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrder = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func escalate(s Severity) Severity {
	for i, lvl := range severityOrder {
		if lvl == s && i+1 < len(severityOrder) {
			return severityOrder[i+1]
		}
	}
	return s
}

// Pattern anomaly thresholds.
const (
	patternResourcePct   = 0.85
	patternErrorRate     = 0.10
	patternLatencyMS     = 1000.0
	baselineWarmup       = 10
	cascadeMinIncidents  = 3
	alertTimeout         = 2 * time.Second
	resolveFactor        = 0.7
)

// StatusChange is one timeline entry.
type StatusChange struct {
	Status IncidentStatus `json:"status"`
	At     time.Time      `json:"at"`
}

// Incident is one detected anomaly and its response state.
type Incident struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Metric     string         `json:"metric,omitempty"`
	Severity   Severity       `json:"severity"`
	Status     IncidentStatus `json:"status"`
	Value      float64        `json:"value"`
	Baseline   float64        `json:"baseline"`
	Sigma      float64        `json:"sigma"`
	OpenedAt   time.Time      `json:"opened_at"`
	ResolvedAt time.Time      `json:"resolved_at,omitempty"`
	Attempts   int            `json:"attempts"`
	Timeline   []StatusChange `json:"timeline"`

	lastEscalation time.Time
}

// ResponseStep is one automated response action with its own timeout
// and retry budget.
type ResponseStep struct {
	Name    string
	Timeout time.Duration
	Retries int
	Run     func(ctx context.Context) error
}

// Validator checks one recovery condition after a response completes.
type Validator struct {
	Name     string
	Required bool
	Check    func() bool
}

// AlertSink consumes safety notifications, best effort.
type AlertSink interface {
	Send(ctx context.Context, category string, payload map[string]any) error
}

type baseline struct {
	mean     float64
	variance float64
	samples  int
}

func (b *baseline) update(x, alpha float64) {
	if b.samples == 0 {
		b.mean = x
	} else {
		diff := x - b.mean
		b.mean += alpha * diff
		b.variance = (1 - alpha) * (b.variance + alpha*diff*diff)
	}
	b.samples++
}

func (b *baseline) stddev() float64 { return math.Sqrt(b.variance) }

func (b *baseline) ready() bool { return b.samples >= baselineWarmup }

// zScore is |x − μ|/σ; zero while σ is zero.
func (b *baseline) zScore(x float64) float64 {
	sd := b.stddev()
	if sd == 0 {
		return 0
	}
	return math.Abs(x-b.mean) / sd
}

// IncidentManager detects anomalies against EMA baselines and drives
// automated responses.
type IncidentManager struct {
	cfg     config.IncidentConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	source     func() map[string]float64
	sink       AlertSink
	onEscalate func(*Incident) // fired on critical escalation

	mu         sync.Mutex
	baselines  map[string]*baseline
	active     map[string]*Incident // keyed by metric or pattern type
	history    []*Incident
	responses  map[string][]ResponseStep
	failovers  map[string]func() error
	validators []Validator

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewIncidentManager builds the manager. source supplies the metric
// samples read on every detection tick.
func NewIncidentManager(cfg config.IncidentConfig, m *metrics.Metrics, source func() map[string]float64) *IncidentManager {
	if m == nil {
		m = metrics.New()
	}
	return &IncidentManager{
		cfg:       cfg,
		metrics:   m,
		logger:    log.With().Str("component", "incidents").Logger(),
		now:       time.Now,
		source:    source,
		baselines: make(map[string]*baseline),
		active:    make(map[string]*Incident),
		responses: make(map[string][]ResponseStep),
		failovers: make(map[string]func() error),
	}
}

// SetAlertSink wires the notification sink.
func (im *IncidentManager) SetAlertSink(sink AlertSink) { im.sink = sink }

// OnCriticalEscalation registers the hook fired when an incident
// reaches critical severity.
func (im *IncidentManager) OnCriticalEscalation(fn func(*Incident)) { im.onEscalate = fn }

// RegisterResponse binds the ordered response steps for one incident
// type.
func (im *IncidentManager) RegisterResponse(incidentType string, steps []ResponseStep) {
	im.mu.Lock()
	im.responses[incidentType] = steps
	im.mu.Unlock()
}

// RegisterFailover binds the failover action for one incident type.
func (im *IncidentManager) RegisterFailover(incidentType string, fn func() error) {
	im.mu.Lock()
	im.failovers[incidentType] = fn
	im.mu.Unlock()
}

// RegisterValidator appends a recovery validator.
func (im *IncidentManager) RegisterValidator(v Validator) {
	im.mu.Lock()
	im.validators = append(im.validators, v)
	im.mu.Unlock()
}

// Start runs the detection loop.
func (im *IncidentManager) Start(ctx context.Context) {
	ctx, im.cancel = context.WithCancel(ctx)
	im.wg.Add(1)
	go func() {
		defer im.wg.Done()
		interval := time.Duration(im.cfg.DetectionIntervalMS) * time.Millisecond
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				im.Detect(ctx)
			}
		}
	}()
}

// Close stops the detection loop.
func (im *IncidentManager) Close() {
	if im.cancel != nil {
		im.cancel()
	}
	im.wg.Wait()
}

// alpha is the EMA weight derived from the detection interval and the
// rolling baseline window.
func (im *IncidentManager) alpha() float64 {
	interval := time.Duration(im.cfg.DetectionIntervalMS) * time.Millisecond
	window := time.Duration(im.cfg.BaselineWindowHours) * time.Hour
	if window <= 0 {
		window = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Second
	}
	a := interval.Seconds() / window.Seconds()
	return math.Min(math.Max(a, 0.0005), 0.5)
}

// Detect runs one detection pass: sample metrics, open incidents for
// anomalies and patterns, advance escalation timers, and resolve
// normalized incidents.
func (im *IncidentManager) Detect(ctx context.Context) {
	if im.source == nil {
		return
	}
	samples := im.source()
	now := im.now()
	alpha := im.alpha()
	threshold := im.cfg.AnomalyThreshold
	if threshold <= 0 {
		threshold = 3
	}

	var opened []*Incident
	im.mu.Lock()
	for metric, value := range samples {
		b, ok := im.baselines[metric]
		if !ok {
			b = &baseline{}
			im.baselines[metric] = b
		}
		if b.ready() {
			if inc, active := im.active[metric]; active {
				if b.zScore(value) < resolveFactor*threshold && im.canResolveLocked(inc) {
					im.resolveLocked(inc, now)
				}
			} else if z := b.zScore(value); z > threshold {
				inc := im.openLocked("metric_anomaly", metric, value, b.mean, z, now)
				opened = append(opened, inc)
			}
		}
		b.update(value, alpha)
	}

	im.detectPatternsLocked(samples, now, &opened)
	im.detectCascadeLocked(now, &opened)
	im.advanceEscalationsLocked(now)
	im.metrics.ActiveIncidents.Set(float64(len(im.active)))
	im.mu.Unlock()

	for _, inc := range opened {
		im.respond(ctx, inc)
	}
}

// canResolveLocked reports whether an incident may close now that its
// conditions have normalized. Past validation, normalization is enough.
// An incident whose response or escalation path ended without its
// required validators ever passing must pass them before it may resolve.
func (im *IncidentManager) canResolveLocked(inc *Incident) bool {
	switch inc.Status {
	case IncidentValidating:
		return true
	case IncidentEscalated, IncidentResponseFailed, IncidentFailoverFailed, IncidentMaxEscalation:
		return im.validate(im.validators)
	default:
		return false
	}
}

// detectPatternsLocked opens pattern incidents: simultaneous resource
// pressure, or error rate plus latency. Pattern incidents resolve when
// the resource thresholds clear.
func (im *IncidentManager) detectPatternsLocked(samples map[string]float64, now time.Time, opened *[]*Incident) {
	cpu, mem := samples["cpu_pct"], samples["memory_pct"]
	if inc, active := im.active["resource_exhaustion"]; active {
		if cpu <= patternResourcePct && mem <= patternResourcePct && im.canResolveLocked(inc) {
			im.resolveLocked(inc, now)
		}
	} else if cpu > patternResourcePct && mem > patternResourcePct {
		inc := im.openLocked("resource_exhaustion", "", math.Max(cpu, mem), patternResourcePct, 0, now)
		inc.Severity = SeverityHigh
		*opened = append(*opened, inc)
	}

	errRate, latency := samples["error_rate"], samples["latency_ms"]
	if inc, active := im.active["degraded_service"]; active {
		if (errRate <= patternErrorRate || latency <= patternLatencyMS) && im.canResolveLocked(inc) {
			im.resolveLocked(inc, now)
		}
	} else if errRate > patternErrorRate && latency > patternLatencyMS {
		inc := im.openLocked("degraded_service", "", errRate, patternErrorRate, 0, now)
		inc.Severity = SeverityHigh
		*opened = append(*opened, inc)
	}
}

// detectCascadeLocked opens a cascade incident when enough incidents
// are active within the cascade window.
func (im *IncidentManager) detectCascadeLocked(now time.Time, opened *[]*Incident) {
	if _, active := im.active["cascade_failure"]; active {
		return
	}
	window := time.Duration(im.cfg.CascadeTimeoutMS) * time.Millisecond
	recent := 0
	for _, inc := range im.active {
		if now.Sub(inc.OpenedAt) <= window {
			recent++
		}
	}
	if recent >= cascadeMinIncidents {
		inc := im.openLocked("cascade_failure", "", float64(recent), cascadeMinIncidents, 0, now)
		inc.Severity = SeverityCritical
		*opened = append(*opened, inc)
	}
}

func (im *IncidentManager) openLocked(typ, metric string, value, base, sigma float64, now time.Time) *Incident {
	severity := SeverityMedium
	if sigma > 5 {
		severity = SeverityHigh
	}
	key := metric
	if key == "" {
		key = typ
	}
	inc := &Incident{
		ID:             fmt.Sprintf("%s-%d", key, now.UnixNano()),
		Type:           typ,
		Metric:         metric,
		Severity:       severity,
		Status:         IncidentDetected,
		Value:          value,
		Baseline:       base,
		Sigma:          sigma,
		OpenedAt:       now,
		Timeline:       []StatusChange{{IncidentDetected, now}},
		lastEscalation: now,
	}
	im.active[key] = inc
	im.history = append(im.history, inc)
	im.metrics.Incidents.WithLabelValues(typ, string(severity)).Inc()
	im.logger.Warn().Str("type", typ).Str("metric", metric).
		Float64("value", value).Float64("sigma", sigma).Msg("incident opened")
	return inc
}

func (im *IncidentManager) resolveLocked(inc *Incident, now time.Time) {
	// Resolution from a failed or escalated state passed the validators
	// in canResolveLocked; record that pass in the timeline.
	if inc.Status != IncidentValidating {
		inc.Timeline = append(inc.Timeline, StatusChange{IncidentValidating, now})
	}
	inc.Status = IncidentResolved
	inc.ResolvedAt = now
	inc.Timeline = append(inc.Timeline, StatusChange{IncidentResolved, now})
	key := inc.Metric
	if key == "" {
		key = inc.Type
	}
	delete(im.active, key)
	im.logger.Info().Str("type", inc.Type).Str("metric", inc.Metric).Msg("incident resolved")
}

// advanceEscalationsLocked moves unresolved incidents one severity
// level up when their escalation timer elapses.
func (im *IncidentManager) advanceEscalationsLocked(now time.Time) {
	timeout := time.Duration(im.cfg.EscalationTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		return
	}
	for _, inc := range im.active {
		if now.Sub(inc.lastEscalation) < timeout {
			continue
		}
		prev := inc.Severity
		inc.Severity = escalate(inc.Severity)
		inc.lastEscalation = now
		if inc.Severity == prev {
			if inc.Status != IncidentMaxEscalation {
				inc.Status = IncidentMaxEscalation
				inc.Timeline = append(inc.Timeline, StatusChange{IncidentMaxEscalation, now})
				im.logger.Error().Str("type", inc.Type).Msg("incident at maximum escalation")
				im.alert("escalation", map[string]any{"incident": inc.ID, "severity": inc.Severity})
			}
			continue
		}
		inc.Status = IncidentEscalated
		inc.Timeline = append(inc.Timeline, StatusChange{IncidentEscalated, now})
		im.logger.Error().Str("type", inc.Type).Str("severity", string(inc.Severity)).
			Msg("incident escalated")
		im.alert("escalation", map[string]any{"incident": inc.ID, "severity": inc.Severity})
		if inc.Severity == SeverityCritical {
			im.alert("emergency_notification", map[string]any{"incident": inc.ID})
			if im.onEscalate != nil {
				go im.onEscalate(inc)
			}
		}
	}
}

// respond runs the registered response procedure for one incident, then
// validates recovery. Failed validation retries the response up to the
// recovery attempt budget before escalating.
func (im *IncidentManager) respond(ctx context.Context, inc *Incident) {
	im.transition(inc, IncidentResponding)
	im.alert("incident", map[string]any{"incident": inc.ID, "type": inc.Type, "severity": inc.Severity})

	im.mu.Lock()
	steps := im.responses[inc.Type]
	failover := im.failovers[inc.Type]
	validators := make([]Validator, len(im.validators))
	copy(validators, im.validators)
	maxAttempts := im.cfg.MaxRecoveryAttempts
	im.mu.Unlock()
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		im.mu.Lock()
		inc.Attempts = attempt
		im.mu.Unlock()

		if ok := im.runSteps(ctx, inc, steps); !ok {
			im.transition(inc, IncidentResponseFailed)
			if failover != nil {
				im.transition(inc, IncidentFailoverInProgress)
				im.logger.Warn().Str("incident", inc.ID).Msg("response failed, running failover")
				if err := failover(); err != nil {
					im.transition(inc, IncidentFailoverFailed)
					im.logger.Error().Err(err).Str("incident", inc.ID).Msg("failover failed")
				}
			}
		}
		if im.validate(validators) {
			im.transition(inc, IncidentValidating)
			return
		}
	}

	im.mu.Lock()
	prev := inc.Severity
	inc.Severity = escalate(inc.Severity)
	inc.lastEscalation = im.now()
	critical := inc.Severity == SeverityCritical
	capped := inc.Severity == prev
	im.mu.Unlock()
	if capped {
		im.transition(inc, IncidentMaxEscalation)
	} else {
		im.transition(inc, IncidentEscalated)
	}
	im.alert("escalation", map[string]any{"incident": inc.ID, "severity": inc.Severity})
	if critical {
		im.alert("emergency_notification", map[string]any{"incident": inc.ID})
		if im.onEscalate != nil {
			go im.onEscalate(inc)
		}
	}
}

// runSteps executes the response steps in order; a step exhausting its
// retry budget fails the whole procedure.
func (im *IncidentManager) runSteps(ctx context.Context, inc *Incident, steps []ResponseStep) bool {
	for _, step := range steps {
		var err error
		for try := 0; try <= step.Retries; try++ {
			timeout := step.Timeout
			if timeout <= 0 {
				timeout = alertTimeout
			}
			sctx, cancel := context.WithTimeout(ctx, timeout)
			err = step.Run(sctx)
			cancel()
			if err == nil {
				break
			}
		}
		if err != nil {
			im.logger.Error().Err(err).Str("incident", inc.ID).Str("step", step.Name).
				Msg("response step failed")
			return false
		}
	}
	return true
}

// validate runs the recovery validators; every required validator must
// pass.
func (im *IncidentManager) validate(validators []Validator) bool {
	for _, v := range validators {
		if !v.Check() && v.Required {
			return false
		}
	}
	return true
}

func (im *IncidentManager) transition(inc *Incident, status IncidentStatus) {
	im.mu.Lock()
	inc.Status = status
	inc.Timeline = append(inc.Timeline, StatusChange{status, im.now()})
	im.mu.Unlock()
}

// alert sends one best-effort notification bounded by the sink timeout.
func (im *IncidentManager) alert(category string, payload map[string]any) {
	if im.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	if err := im.sink.Send(ctx, category, payload); err != nil {
		im.logger.Warn().Err(err).Str("category", category).Msg("alert sink failed")
	}
}

// Active returns the currently open incidents.
func (im *IncidentManager) Active() []*Incident {
	im.mu.Lock()
	defer im.mu.Unlock()
	out := make([]*Incident, 0, len(im.active))
	for _, inc := range im.active {
		out = append(out, inc)
	}
	return out
}

// History returns every incident seen, oldest first.
func (im *IncidentManager) History() []*Incident {
	im.mu.Lock()
	defer im.mu.Unlock()
	out := make([]*Incident, len(im.history))
	copy(out, im.history)
	return out
}
