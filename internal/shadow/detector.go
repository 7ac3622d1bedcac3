package shadow

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dotsetlabs/overwatch/internal/metrics"
)

// registrationRateLimit bounds how many registrations one server can push
// per window; a burst of phantom tool definitions is itself suspicious and
// should not be allowed to do unbounded work.
const (
	defaultRegistrationsPerWindow = 1000
	registrationWindow            = 60 * time.Second
)

// Detector maintains per-server tool fingerprints and a reverse index from
// tool name to the set of servers that have registered it. All operations
// are synchronous; callers serialize access through the owning proxy
// core's single-threaded pipeline, but Detector itself is safe for
// concurrent use by the orchestrator's shared-instance model.
type Detector struct {
	mu          sync.RWMutex
	byServer    map[string]map[string]Fingerprint // server -> tool -> fingerprint
	reverseIdx  map[string]map[string]struct{}    // tool -> set of servers
	collisions  map[string]bool                   // tool name -> already alerted

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	metrics *metrics.Metrics
}

// New creates an empty Detector. m may be nil in tests.
func New(m *metrics.Metrics) *Detector {
	return &Detector{
		byServer:   make(map[string]map[string]Fingerprint),
		reverseIdx: make(map[string]map[string]struct{}),
		collisions: make(map[string]bool),
		limiters:   make(map[string]*rate.Limiter),
		metrics:    m,
	}
}

func (d *Detector) limiterFor(server string) *rate.Limiter {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	lim, ok := d.limiters[server]
	if !ok {
		lim = rate.NewLimiter(rate.Every(registrationWindow/defaultRegistrationsPerWindow), defaultRegistrationsPerWindow)
		d.limiters[server] = lim
	}
	return lim
}

func (d *Detector) recordShadowRegistration(server, result string) {
	if d.metrics != nil {
		d.metrics.RecordShadowRegistration(server, result)
	}
}

func (d *Detector) recordShadowReport(r Report) {
	if d.metrics != nil {
		d.metrics.RecordShadowReport(string(r.Kind), r.Severity.String())
	}
}

// RegisterServer validates and registers every descriptor for one server,
// returning the aggregated report. Per-server registration is rate
// limited; once the limit is exceeded, further descriptors in the same
// call are skipped and counted as violations.
func (d *Detector) RegisterServer(server string, descriptors []ToolDescriptor) ServerShadowingReport {
	report := ServerShadowingReport{Server: server}
	limiter := d.limiterFor(server)

	for _, desc := range descriptors {
		if !limiter.Allow() {
			d.recordShadowRegistration(server, "rate_limited")
			continue
		}

		if err := validateDescriptor(desc); err != nil {
			rep := Report{
				Kind:              KindSuspiciousDescription,
				Severity:          SeverityMedium,
				RecommendedAction: ActionDeny,
				Message:           "malformed descriptor: " + err.Error(),
				Server:            server,
				ToolName:          desc.Name,
			}
			report.Reports = append(report.Reports, rep)
			d.recordShadowReport(rep)
			d.recordShadowRegistration(server, "malformed")
			continue
		}

		fp := d.registerValid(server, desc)
		d.recordShadowRegistration(server, "ok")

		if rep := d.collisionCheck(desc.Name); rep != nil {
			report.Reports = append(report.Reports, *rep)
			d.recordShadowReport(*rep)
		}
		if rep := d.descriptionCheck(server, desc); rep != nil {
			report.Reports = append(report.Reports, *rep)
			d.recordShadowReport(*rep)
		}
		_ = fp
	}

	return report
}

func (d *Detector) registerValid(server string, desc ToolDescriptor) Fingerprint {
	schemaHash, descHash, combined := hashDescriptor(desc)
	fp := Fingerprint{
		ServerID:        server,
		ToolName:        desc.Name,
		SchemaHash:      schemaHash,
		DescriptionHash: descHash,
		CombinedHash:    combined,
		CapturedAt:      time.Now(),
		Descriptor:      desc,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.byServer[server] == nil {
		d.byServer[server] = make(map[string]Fingerprint)
	}
	d.byServer[server][desc.Name] = fp

	if d.reverseIdx[desc.Name] == nil {
		d.reverseIdx[desc.Name] = make(map[string]struct{})
	}
	d.reverseIdx[desc.Name][server] = struct{}{}

	return fp
}

// collisionCheck looks at every server registered for a tool name. If more
// than one server has registered it, all combined hashes are compared.
func (d *Detector) collisionCheck(toolName string) *Report {
	d.mu.RLock()
	servers := make([]string, 0, len(d.reverseIdx[toolName]))
	for s := range d.reverseIdx[toolName] {
		servers = append(servers, s)
	}
	if len(servers) < 2 {
		d.mu.RUnlock()
		return nil
	}

	hashes := make(map[string]string, len(servers))
	for _, s := range servers {
		hashes[s] = d.byServer[s][toolName].CombinedHash
	}
	d.mu.RUnlock()

	identical := true
	var first string
	for i, s := range servers {
		if i == 0 {
			first = hashes[s]
			continue
		}
		if hashes[s] != first {
			identical = false
			break
		}
	}

	d.mu.Lock()
	alreadyAlerted := d.collisions[toolName]
	d.collisions[toolName] = true
	d.mu.Unlock()
	_ = alreadyAlerted // collisions are recorded for idempotent alerting by higher layers, not suppressed here

	if identical {
		return &Report{
			Kind:              KindCollision,
			Severity:          SeverityLow,
			RecommendedAction: ActionAllow,
			Message:           "benign shared tool",
			Servers:           servers,
			Identical:         true,
			ToolName:          toolName,
		}
	}
	return &Report{
		Kind:              KindCollision,
		Severity:          SeverityCritical,
		RecommendedAction: ActionDeny,
		Message:           "tool name shadowed by conflicting definitions across servers",
		Servers:           servers,
		Identical:         false,
		ToolName:          toolName,
	}
}

func (d *Detector) descriptionCheck(server string, desc ToolDescriptor) *Report {
	normalized := normalizeDescription(desc.Description)
	tags, severity, hit := scanDescription(desc.Description, normalized)
	if !hit {
		return nil
	}
	action := ActionPrompt
	if severity == SeverityCritical {
		action = ActionDeny
	}
	return &Report{
		Kind:              KindSuspiciousDescription,
		Severity:          severity,
		RecommendedAction: action,
		Message:           "description matched " + strings.Join(tags, ", "),
		PatternTags:       tags,
		Server:            server,
		ToolName:          desc.Name,
	}
}

// CheckForMutation is called on every subsequent tool call. It never
// registers a new fingerprint; that only happens via RegisterServer.
func (d *Detector) CheckForMutation(server string, desc ToolDescriptor) MutationResult {
	d.mu.RLock()
	serverTools, serverKnown := d.byServer[server]
	d.mu.RUnlock()

	if !serverKnown {
		return MutationResult{Detected: false}
	}

	d.mu.RLock()
	prev, toolKnown := serverTools[desc.Name]
	d.mu.RUnlock()

	if !toolKnown {
		return MutationResult{
			Detected: true,
			Report: &Report{
				Kind:              KindMutation,
				Severity:          SeverityHigh,
				RecommendedAction: ActionPrompt,
				Message:           "dynamic tool injection",
				NewTool:           true,
				Server:            server,
				ToolName:          desc.Name,
			},
		}
	}

	_, _, combined := hashDescriptor(desc)
	if combined == prev.CombinedHash {
		return MutationResult{Detected: false}
	}

	return MutationResult{
		Detected: true,
		Report: &Report{
			Kind:              KindMutation,
			Severity:          SeverityCritical,
			RecommendedAction: ActionDeny,
			Message:           "tool definition mutated mid-session",
			PrevHash:          prev.CombinedHash,
			CurrHash:          combined,
			Server:            server,
			ToolName:          desc.Name,
		},
	}
}

// ClearServer removes all of a server's fingerprints and reverse-index
// entries, pruning any tool names left with no servers.
func (d *Detector) ClearServer(server string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for tool := range d.byServer[server] {
		delete(d.reverseIdx[tool], server)
		if len(d.reverseIdx[tool]) == 0 {
			delete(d.reverseIdx, tool)
		}
	}
	delete(d.byServer, server)
}

// Clear empties everything. Test hook.
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byServer = make(map[string]map[string]Fingerprint)
	d.reverseIdx = make(map[string]map[string]struct{})
	d.collisions = make(map[string]bool)
}
