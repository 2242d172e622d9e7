package detect2ban

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/config"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/telemetry"
)

const topAttackTypes = 3

// RuleRepository is what the engine reads and stamps
type RuleRepository interface {
	ListMatrixRules(ctx context.Context) ([]entity.MatrixRule, error)
	// TryTriggerRule sets last_triggered to now unless the rule fired
	// within cooldown. It returns false when another fire won.
	TryTriggerRule(ctx context.Context, id uuid.UUID, now time.Time, cooldown time.Duration) (bool, error)
}

// BanRequester is the ban registry as seen by the engine
type BanRequester interface {
	CreateOrRefresh(ctx context.Context, req entity.BanRequest) (*entity.Ban, error)
}

// Options tune the engine
type Options struct {
	BufferSize        int
	MaxBansPerTrigger int
	// MinIPShare is the fraction of a rule's threshold one address must
	// contribute to be banned by that rule
	MinIPShare        float64
	RefreshInterval   time.Duration
	TickInterval      time.Duration
	ProtectedNetworks []string
	// Durations per severity; a zero or missing entry bans permanently
	Durations map[entity.Severity]time.Duration
}

// OptionsFromConfig maps the detection config section
func OptionsFromConfig(cfg config.DetectionConfig) Options {
	return Options{
		BufferSize:        cfg.BufferSize,
		MaxBansPerTrigger: cfg.MaxBansPerTrigger,
		MinIPShare:        cfg.MinIPShare,
		RefreshInterval:   cfg.RefreshInterval,
		TickInterval:      cfg.TickInterval,
		ProtectedNetworks: cfg.ProtectedNetworks,
		Durations: map[entity.Severity]time.Duration{
			entity.SeverityLow:      cfg.DurationLow,
			entity.SeverityMedium:   cfg.DurationMedium,
			entity.SeverityHigh:     cfg.DurationHigh,
			entity.SeverityCritical: cfg.DurationCritical,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 4096
	}
	if o.MaxBansPerTrigger <= 0 {
		o.MaxBansPerTrigger = 50
	}
	if o.MinIPShare <= 0 || o.MinIPShare > 1 {
		o.MinIPShare = 0.1
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 30 * time.Second
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 5 * time.Second
	}
	return o
}

// Status is the engine summary served by the detection status endpoint
type Status struct {
	Running       bool      `json:"running"`
	Rules         int       `json:"rules"`
	TrackedIPs    int       `json:"tracked_ips"`
	TrackedEvents int       `json:"tracked_events"`
	Processed     uint64    `json:"processed"`
	Dropped       uint64    `json:"dropped"`
	Fires         uint64    `json:"fires"`
	RulesLoadedAt time.Time `json:"rules_loaded_at"`
}

// Fire describes one rule that fired and the bans it requested
type Fire struct {
	Rule       entity.MatrixRule
	Count      int
	Reason     string
	IPs        []string
	EventCount map[string]int
}

// candidate is a rule over threshold waiting for its repository trigger
type candidate struct {
	sev     entity.Severity
	rule    entity.MatrixRule
	counted []tracked
}

// tracked is one accepted event held in a severity window
type tracked struct {
	ip     string
	attack string
	at     time.Time
}

// Engine turns the WAF event stream into ban requests using the
// notification matrix
type Engine struct {
	rules     RuleRepository
	bans      BanRequester
	protected *ProtectedNetworks
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	events chan entity.WAFEvent

	mu sync.Mutex
	// bySeverity holds rules sorted by descending threshold
	bySeverity map[entity.Severity][]*entity.MatrixRule
	ruleCount  int
	loadedAt   time.Time
	windows    map[entity.Severity][]tracked
	// resetAt excludes events a severity has already fired on
	resetAt map[entity.Severity]time.Time
	// triggering marks severities with a trigger outside the lock
	triggering map[entity.Severity]bool

	running   atomic.Bool
	processed atomic.Uint64
	dropped   atomic.Uint64
	fires     atomic.Uint64
}

// NewEngine creates an engine. Call RefreshRules or Run before Process.
func NewEngine(rules RuleRepository, bans BanRequester, opts Options, logger *slog.Logger) (*Engine, error) {
	opts = opts.withDefaults()
	protected, err := NewProtectedNetworks(opts.ProtectedNetworks)
	if err != nil {
		return nil, err
	}
	return &Engine{
		rules:      rules,
		bans:       bans,
		protected:  protected,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		events:     make(chan entity.WAFEvent, opts.BufferSize),
		bySeverity: map[entity.Severity][]*entity.MatrixRule{},
		windows:    map[entity.Severity][]tracked{},
		resetAt:    map[entity.Severity]time.Time{},
		triggering: map[entity.Severity]bool{},
	}, nil
}

// SetClock replaces the time source
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Submit queues an event for evaluation. It never blocks: when the
// buffer is full the event is dropped and counted.
func (e *Engine) Submit(evt entity.WAFEvent) bool {
	select {
	case e.events <- evt:
		return true
	default:
		e.dropped.Add(1)
		telemetry.DetectionEventsTotal.WithLabelValues("dropped").Inc()
		return false
	}
}

// SubmitBatch queues events and returns how many were accepted
func (e *Engine) SubmitBatch(events []entity.WAFEvent) int {
	n := 0
	for _, evt := range events {
		if e.Submit(evt) {
			n++
		}
	}
	return n
}

// Run consumes submitted events until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("detection engine already running")
	}
	defer e.running.Store(false)

	if err := e.RefreshRules(ctx); err != nil {
		e.logger.Error("Failed to load matrix rules", "error", err)
	}

	e.logger.Info("Detection engine started",
		"buffer", e.opts.BufferSize,
		"refresh_interval", e.opts.RefreshInterval,
	)

	tick := time.NewTicker(e.opts.TickInterval)
	defer tick.Stop()
	refresh := time.NewTicker(e.opts.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Detection engine stopped")
			return nil
		case evt := <-e.events:
			e.Process(ctx, evt)
		case <-tick.C:
			e.prune(e.now())
		case <-refresh.C:
			if err := e.RefreshRules(ctx); err != nil {
				e.logger.Warn("Failed to refresh matrix rules", "error", err)
			}
		}
	}
}

// RefreshRules reloads the matrix from the repository. Tracked events
// are kept.
func (e *Engine) RefreshRules(ctx context.Context) error {
	rules, err := e.rules.ListMatrixRules(ctx)
	if err != nil {
		return fmt.Errorf("list matrix rules: %w", err)
	}

	grouped := map[entity.Severity][]*entity.MatrixRule{}
	seen := map[uuid.UUID]bool{}
	for i := range rules {
		r := rules[i]
		if err := r.Validate(); err != nil {
			e.logger.Warn("Skipping invalid matrix rule", "rule", r.Name, "error", err)
			continue
		}
		grouped[r.SeverityLevel] = append(grouped[r.SeverityLevel], &r)
		seen[r.ID] = true
	}
	for sev := range grouped {
		list := grouped[sev]
		sort.SliceStable(list, func(i, j int) bool { return list[i].CountThreshold > list[j].CountThreshold })
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.bySeverity = grouped
	e.ruleCount = len(seen)
	e.loadedAt = e.now()
	return nil
}

// Process evaluates one event synchronously and returns the fires it
// caused. Malformed events are logged and dropped.
func (e *Engine) Process(ctx context.Context, evt entity.WAFEvent) []Fire {
	e.processed.Add(1)
	now := e.now()

	if strings.TrimSpace(evt.ClientIP) == "" {
		telemetry.DetectionEventsTotal.WithLabelValues("ignored").Inc()
		return nil
	}
	ip, err := entity.NormalizeIP(evt.ClientIP)
	if err != nil {
		telemetry.DetectionEventsTotal.WithLabelValues("malformed").Inc()
		e.logger.Warn("Dropping malformed WAF event", "client_ip", evt.ClientIP, "error", err)
		return nil
	}
	sev, err := entity.ParseSeverity(string(evt.Severity))
	if err != nil {
		telemetry.DetectionEventsTotal.WithLabelValues("malformed").Inc()
		e.logger.Warn("Dropping malformed WAF event", "ip", ip, "severity", evt.Severity)
		return nil
	}
	if reason, ok := e.protected.Reason(ip); ok {
		telemetry.DetectionEventsTotal.WithLabelValues("protected").Inc()
		e.logger.Debug("Ignoring event from protected address", "ip", ip, "reason", reason)
		return nil
	}

	at := evt.Timestamp
	if at.IsZero() || at.After(now) {
		at = now
	}

	e.mu.Lock()
	rules := e.bySeverity[sev]
	if len(rules) == 0 {
		e.mu.Unlock()
		telemetry.DetectionEventsTotal.WithLabelValues("ignored").Inc()
		return nil
	}
	if now.Sub(at) >= maxWindow(rules) {
		e.mu.Unlock()
		telemetry.DetectionEventsTotal.WithLabelValues("stale").Inc()
		return nil
	}
	attack := strings.TrimSpace(evt.AttackType)
	if attack == "" {
		attack = "unknown"
	}
	e.windows[sev] = append(e.windows[sev], tracked{ip: ip, attack: attack, at: at})
	c := e.candidateLocked(sev, now)
	e.mu.Unlock()

	telemetry.DetectionEventsTotal.WithLabelValues("accepted").Inc()
	if c == nil {
		return nil
	}
	fire := e.trigger(ctx, c, now)
	if fire == nil {
		return nil
	}
	e.requestBans(ctx, fire)
	return []Fire{*fire}
}

// Evaluate checks every severity against the current windows. Run
// evaluates inline after each event; Evaluate serves replays and ticks
// driven from outside.
func (e *Engine) Evaluate(ctx context.Context) []Fire {
	now := e.now()

	var cands []*candidate
	e.mu.Lock()
	for _, sev := range entity.Severities {
		if c := e.candidateLocked(sev, now); c != nil {
			cands = append(cands, c)
		}
	}
	e.mu.Unlock()

	var fires []Fire
	for _, c := range cands {
		if fire := e.trigger(ctx, c, now); fire != nil {
			fires = append(fires, *fire)
		}
	}
	for i := range fires {
		e.requestBans(ctx, &fires[i])
	}
	return fires
}

// candidateLocked walks the rules of one severity from the highest
// threshold down. The first rule over threshold is the candidate; while
// any rule of that severity is cooling down there is none.
func (e *Engine) candidateLocked(sev entity.Severity, now time.Time) *candidate {
	if e.triggering[sev] {
		return nil
	}
	rules := e.bySeverity[sev]
	for _, r := range rules {
		if r.InCooldown(now) {
			return nil
		}
	}

	window := e.windows[sev]
	for _, r := range rules {
		since := now.Add(-r.Window())
		if reset, ok := e.resetAt[sev]; ok && reset.After(since) {
			since = reset
		}

		var counted []tracked
		for _, t := range window {
			if t.at.After(since) {
				counted = append(counted, t)
			}
		}
		if len(counted) < r.CountThreshold {
			continue
		}
		e.triggering[sev] = true
		return &candidate{sev: sev, rule: *r, counted: counted}
	}
	return nil
}

// trigger stamps the candidate rule in the repository without holding
// the engine lock, then applies the outcome to the loaded rules
func (e *Engine) trigger(ctx context.Context, c *candidate, now time.Time) *Fire {
	ok, err := e.rules.TryTriggerRule(ctx, c.rule.ID, now, c.rule.Cooldown())

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.triggering, c.sev)

	if err != nil {
		e.logger.Error("Failed to trigger matrix rule", "rule", c.rule.Name, "error", err)
		return nil
	}
	stamp := now
	for _, r := range e.bySeverity[c.sev] {
		if r.ID == c.rule.ID {
			r.LastTriggered = &stamp
		}
	}
	if !ok {
		// another instance fired this rule first
		return nil
	}
	e.resetAt[c.sev] = now
	c.rule.LastTriggered = &stamp
	return e.buildFire(&c.rule, c.counted)
}

func (e *Engine) buildFire(r *entity.MatrixRule, counted []tracked) *Fire {
	perIP := map[string]int{}
	perAttack := map[string]int{}
	for _, t := range counted {
		perIP[t.ip]++
		perAttack[t.attack]++
	}

	// addresses below the floor only shared the window with offenders
	floor := int(math.Ceil(float64(r.CountThreshold) * e.opts.MinIPShare))
	ips := make([]string, 0, len(perIP))
	for ip, n := range perIP {
		if n >= floor {
			ips = append(ips, ip)
		}
	}
	sort.Slice(ips, func(i, j int) bool {
		if perIP[ips[i]] != perIP[ips[j]] {
			return perIP[ips[i]] > perIP[ips[j]]
		}
		return ips[i] < ips[j]
	})
	if len(ips) > e.opts.MaxBansPerTrigger {
		ips = ips[:e.opts.MaxBansPerTrigger]
	}

	return &Fire{
		Rule:       *r,
		Count:      len(counted),
		Reason:     banReason(r, len(counted), perAttack),
		IPs:        ips,
		EventCount: perIP,
	}
}

// banReason reads like
// "Auto-ban: 30 HIGH events in 0.25m (burst); top attacks: sqli(20), xss(10)"
func banReason(r *entity.MatrixRule, count int, perAttack map[string]int) string {
	type kv struct {
		attack string
		n      int
	}
	top := make([]kv, 0, len(perAttack))
	for a, n := range perAttack {
		top = append(top, kv{a, n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].n != top[j].n {
			return top[i].n > top[j].n
		}
		return top[i].attack < top[j].attack
	})
	if len(top) > topAttackTypes {
		top = top[:topAttackTypes]
	}
	parts := make([]string, len(top))
	for i, t := range top {
		parts[i] = fmt.Sprintf("%s(%d)", t.attack, t.n)
	}

	return fmt.Sprintf("Auto-ban: %d %s events in %sm (%s); top attacks: %s",
		count, r.SeverityLevel, formatMinutes(r.TimeWindowMinutes), r.Name, strings.Join(parts, ", "))
}

func formatMinutes(m float64) string {
	return strconv.FormatFloat(m, 'f', -1, 64)
}

// requestBans hands each offending IP to the registry. The registry
// dedups across severities.
func (e *Engine) requestBans(ctx context.Context, fire *Fire) {
	e.fires.Add(1)
	telemetry.DetectionFiresTotal.WithLabelValues(string(fire.Rule.SeverityLevel)).Inc()

	e.logger.Warn("Matrix rule fired",
		"rule", fire.Rule.Name,
		"severity", fire.Rule.SeverityLevel,
		"count", fire.Count,
		"ips", len(fire.IPs),
	)

	duration := e.durationSeconds(fire.Rule.SeverityLevel)
	for _, ip := range fire.IPs {
		req := entity.BanRequest{
			IP:              ip,
			Reason:          fire.Reason,
			Severity:        fire.Rule.SeverityLevel,
			DurationSeconds: duration,
			AutoBanned:      true,
			EventCount:      fire.EventCount[ip],
			Actor:           entity.ActorDetection,
		}
		if _, err := e.bans.CreateOrRefresh(ctx, req); err != nil {
			e.logger.Error("Auto-ban failed", "ip", ip, "rule", fire.Rule.Name, "error", err)
		}
	}
}

func (e *Engine) durationSeconds(sev entity.Severity) *int64 {
	d := e.opts.Durations[sev]
	if d <= 0 {
		return nil
	}
	secs := int64(d / time.Second)
	return &secs
}

// prune drops events older than every window of their severity
func (e *Engine) prune(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := 0
	for sev, window := range e.windows {
		rules := e.bySeverity[sev]
		if len(rules) == 0 {
			delete(e.windows, sev)
			continue
		}
		cutoff := now.Add(-maxWindow(rules))
		kept := window[:0]
		for _, t := range window {
			if t.at.After(cutoff) {
				kept = append(kept, t)
			}
		}
		e.windows[sev] = kept
		total += len(kept)
	}
	telemetry.DetectionTrackedEvents.Set(float64(total))
}

func maxWindow(rules []*entity.MatrixRule) time.Duration {
	var longest time.Duration
	for _, r := range rules {
		if w := r.Window(); w > longest {
			longest = w
		}
	}
	return longest
}

// Status reports engine counters and window occupancy
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	ips := map[string]struct{}{}
	events := 0
	for _, window := range e.windows {
		events += len(window)
		for _, t := range window {
			ips[t.ip] = struct{}{}
		}
	}
	return Status{
		Running:       e.running.Load(),
		Rules:         e.ruleCount,
		TrackedIPs:    len(ips),
		TrackedEvents: events,
		Processed:     e.processed.Load(),
		Dropped:       e.dropped.Load(),
		Fires:         e.fires.Load(),
		RulesLoadedAt: e.loadedAt,
	}
}

// IsProtected reports whether ip is exempt from auto-bans
func (e *Engine) IsProtected(ip string) bool {
	return e.protected.Contains(ip)
}
