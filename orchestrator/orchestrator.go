// Package orchestrator is the top-level entry point. It binds a session to
// its conversation context, runs query enhancement, dispatches analysis
// requests across the provider fallback chains, and drives the detection
// job queue, emitting typed events along the way.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voltlens/voltlens/conversation"
	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/detection"
	"github.com/voltlens/voltlens/provider"
	"github.com/voltlens/voltlens/telemetry"
)

// defaultEventBuffer sizes the event channel. Publishes never block; events
// beyond the buffer are dropped and counted.
const defaultEventBuffer = 256

// maxTurnSummaryLength caps the response excerpt stored per turn.
const maxTurnSummaryLength = 240

type options struct {
	logger      core.Logger
	store       conversation.Store
	redis       *redis.Client
	eventBuffer int
}

// Option customizes orchestrator construction.
type Option func(*options)

// WithLogger injects the logger shared by all owned components.
func WithLogger(l core.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStore overrides the context store. Takes precedence over WithRedis
// for the store only.
func WithStore(s conversation.Store) Option {
	return func(o *options) { o.store = s }
}

// WithRedis backs the context store and the detection queue with Redis
// instead of the in-process defaults.
func WithRedis(client *redis.Client) Option {
	return func(o *options) { o.redis = client }
}

// WithEventBuffer sets the event channel capacity.
func WithEventBuffer(n int) Option {
	return func(o *options) { o.eventBuffer = n }
}

// AnalyzeRequest is one client analysis call.
type AnalyzeRequest struct {
	SessionID   string
	Prompt      string
	Image       []byte
	Intent      string
	MaxTokens   int
	Temperature *float64
	Timeout     time.Duration
}

// AnalyzeResult bundles the provider response with the context bookkeeping
// performed for the call.
type AnalyzeResult struct {
	Response  *provider.Response
	Provider  string
	ContextID string
	Enhanced  *conversation.EnhancedQuery
	Turn      *conversation.Turn
}

// Orchestrator owns the provider chains, the context engine, and the
// detection queue. One instance serves many concurrent sessions.
type Orchestrator struct {
	cfg      *core.Config
	registry *provider.Registry
	chains   []provider.Chain

	store      conversation.Store
	enhancer   *conversation.Enhancer
	summarizer *conversation.Summarizer
	monitor    *conversation.Monitor

	queue    detection.Queue
	pipeline *detection.Pipeline

	logger core.Logger

	evMu     sync.RWMutex
	events   chan Event
	evClosed bool

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup

	// maxImageBytes is the largest limit among the chain providers; zero
	// when any provider accepts unbounded images. Requests above it are
	// rejected before any provider is consulted.
	maxImageBytes int64
}

// New builds the orchestrator from configuration: providers are constructed
// through the registry with their fallback chains, and the context engine
// and detection queue are wired to the event stream.
func New(cfg *core.Config, registry *provider.Registry, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", core.ErrInvalidConfiguration)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: provider registry is required", core.ErrInvalidConfiguration)
	}

	var opt options
	for _, fn := range opts {
		fn(&opt)
	}
	logger := opt.logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("voltlens/orchestrator")
	}
	if opt.eventBuffer <= 0 {
		opt.eventBuffer = defaultEventBuffer
	}

	chains, err := registry.CreateProvidersWithFallback(cfg.Providers)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:      cfg,
		registry: registry,
		chains:   chains,
		logger:   logger,
		events:   make(chan Event, opt.eventBuffer),
		stop:     make(chan struct{}),
	}
	o.maxImageBytes = chainImageLimit(chains)

	switch {
	case opt.store != nil:
		o.store = opt.store
	case opt.redis != nil:
		store, err := conversation.NewRedisStore(opt.redis, cfg.Context, logger)
		if err != nil {
			return nil, err
		}
		o.store = store
	default:
		o.store = conversation.NewMemoryStore(cfg.Context, logger)
	}

	o.enhancer = conversation.NewEnhancer(cfg.Context, logger)
	o.summarizer = conversation.NewSummarizer(cfg.Context, logger)
	o.monitor = conversation.NewMonitor(cfg.Monitor, logger)
	o.monitor.OnAlert(o.onAlert)

	queueEvents := detection.QueueEvents{
		Completed: func(job *detection.Job, result *detection.Result) {
			o.publish(DetectionCompleted{JobID: job.JobID, Result: result})
		},
		Failed: func(job *detection.Job, err error) {
			o.publish(DetectionError{
				JobID: job.JobID,
				Error: err.Error(),
				Details: map[string]interface{}{
					"documentId": job.DocumentID,
					"pageNumber": job.PageNumber,
					"attempts":   job.Attempts,
					"stage":      job.ProgressStage,
				},
			})
		},
		Stalled: func(job *detection.Job) {
			telemetry.Counter("detection.job.stalled", "module", telemetry.ModuleOrchestrator)
			o.logger.Warn("Detection attempt stalled", map[string]interface{}{
				"operation": "detection_stalled",
				"job_id":    job.JobID,
				"attempt":   job.Attempts,
			})
		},
	}
	if opt.redis != nil {
		queue, err := detection.NewRedisQueue(opt.redis, cfg.Detection, queueEvents, logger)
		if err != nil {
			return nil, err
		}
		o.queue = queue
	} else {
		o.queue = detection.NewMemoryQueue(cfg.Detection, queueEvents, logger)
	}

	o.pipeline = detection.NewPipeline(cfg.Detection, pipelineSink{o}, logger)
	o.queue.RegisterProcessor(o.pipeline.Process)

	logger.Info("Orchestrator initialized", map[string]interface{}{
		"operation":       "orchestrator_init",
		"provider_chains": len(chains),
		"redis_backed":    opt.redis != nil,
	})
	return o, nil
}

// chainImageLimit returns the largest MaxImageBytes among the chain
// providers, or zero when any provider declares no limit.
func chainImageLimit(chains []provider.Chain) int64 {
	var max int64
	for _, ch := range chains {
		for _, p := range append([]provider.Provider{ch.Primary}, ch.Fallbacks...) {
			limit := p.Capability().MaxImageBytes
			if limit == 0 {
				return 0
			}
			if limit > max {
				max = limit
			}
		}
	}
	return max
}

// Events returns the orchestrator event stream. The channel is closed by
// Stop; slow consumers lose events rather than blocking the request path.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Monitor exposes the context analytics monitor.
func (o *Orchestrator) Monitor() *conversation.Monitor { return o.monitor }

// Store exposes the context store.
func (o *Orchestrator) Store() conversation.Store { return o.store }

func (o *Orchestrator) publish(ev Event) {
	o.evMu.RLock()
	defer o.evMu.RUnlock()
	if o.evClosed {
		return
	}
	select {
	case o.events <- ev:
	default:
		telemetry.Counter("orchestrator.events.dropped",
			"event", ev.Name(), "module", telemetry.ModuleOrchestrator)
	}
}

// onAlert bridges monitor alerts onto the event stream.
func (o *Orchestrator) onAlert(a conversation.Alert) {
	switch a.Type {
	case conversation.AlertStorageExceeded, conversation.AlertMemoryLeak:
		o.publish(MemoryWarning{
			StorageBytes: int64(a.Metric),
			Threshold:    a.Threshold,
			Message:      a.Message,
		})
	default:
		o.publish(ContextAlert{
			Type:      a.Type,
			Severity:  a.Severity,
			ContextID: a.ContextID,
			SessionID: a.SessionID,
			Metric:    a.Metric,
			Threshold: a.Threshold,
			RaisedAt:  a.RaisedAt,
		})
	}
}

// Start launches the detection workers and the context maintenance loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}
	if err := o.queue.Start(ctx); err != nil {
		return err
	}
	o.started = true
	o.wg.Add(1)
	go o.maintain()
	return nil
}

// Stop shuts down the workers and closes the event stream. In-flight
// Analyze calls must have returned before Stop.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	close(o.stop)
	o.mu.Unlock()

	o.wg.Wait()
	o.queue.Stop()

	o.evMu.Lock()
	o.evClosed = true
	close(o.events)
	o.evMu.Unlock()
}

// maintain periodically reaps expired and idle contexts and feeds storage
// samples to the monitor.
func (o *Orchestrator) maintain() {
	defer o.wg.Done()
	interval := o.cfg.Context.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			expired, err := o.store.CleanupExpired(ctx)
			if err != nil {
				o.logger.Warn("Context cleanup failed", map[string]interface{}{
					"operation": "context_cleanup",
					"error":     err.Error(),
				})
			}
			idle := 0
			if o.cfg.Context.MaxIdle > 0 {
				idle, _ = o.store.CleanupByIdle(ctx, o.cfg.Context.MaxIdle)
			}
			if stats, err := o.store.GetStats(ctx); err == nil {
				o.monitor.RecordMemory(stats.StorageBytes, stats.Contexts)
			}
			cancel()
			if expired+idle > 0 {
				o.logger.Info("Context maintenance pass", map[string]interface{}{
					"operation": "context_cleanup",
					"expired":   expired,
					"idle":      idle,
				})
			}
		}
	}
}

// Analyze runs one request end to end: context binding, query enhancement,
// and a walk of the highest-priority fallback chain. The first successful
// provider response is recorded as a turn and returned.
func (o *Orchestrator) Analyze(ctx context.Context, req *AnalyzeRequest) (*AnalyzeResult, error) {
	contextID, enhanced, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	providers := o.chainProviders()
	if len(providers) == 0 {
		return nil, core.ErrNoProvidersAvailable
	}

	preq := o.providerRequest(req, enhanced)
	var failures []ProviderFailure
	var lastErr error
	for _, p := range providers {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: analysis aborted", core.ErrContextCanceled)
		}
		start := time.Now()
		resp, err := p.Analyze(ctx, preq)
		if err == nil {
			o.monitor.Record(conversation.OperationEvent{
				Operation:  "analysis",
				DurationMs: float64(time.Since(start).Milliseconds()),
				Success:    true,
				ContextID:  contextID,
				SessionID:  req.SessionID,
			})
			return o.finish(ctx, req, contextID, enhanced, p.Name(), resp), nil
		}

		lastErr = err
		failures = append(failures, ProviderFailure{
			Provider: p.Name(),
			Kind:     string(core.KindOf(err)),
			Error:    err.Error(),
		})
		if !core.IsFallbackEligible(err) {
			o.recordFailure(contextID, req.SessionID)
			o.logger.Error("Analysis aborted", map[string]interface{}{
				"operation":  "analyze",
				"provider":   p.Name(),
				"error_kind": string(core.KindOf(err)),
				"error":      err.Error(),
			})
			return nil, err
		}
		o.logger.Warn("Provider failed, walking fallback chain", map[string]interface{}{
			"operation":  "analyze_fallback",
			"provider":   p.Name(),
			"error_kind": string(core.KindOf(err)),
			"error":      err.Error(),
		})
	}

	o.recordFailure(contextID, req.SessionID)
	o.publish(PerformanceWarning{
		SessionID: req.SessionID,
		Operation: "analyze",
		Failures:  failures,
		Message:   fmt.Sprintf("all %d providers failed", len(providers)),
	})
	telemetry.Counter("orchestrator.analyze",
		"status", "exhausted", "module", telemetry.ModuleOrchestrator)
	return nil, lastErr
}

// Race dispatches the request to every provider in the chain concurrently
// and returns the first success, cancelling the rest.
func (o *Orchestrator) Race(ctx context.Context, req *AnalyzeRequest) (*AnalyzeResult, error) {
	contextID, enhanced, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	providers := o.chainProviders()
	if len(providers) == 0 {
		return nil, core.ErrNoProvidersAvailable
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		name string
		resp *provider.Response
		err  error
	}
	preq := o.providerRequest(req, enhanced)
	results := make(chan outcome, len(providers))
	for _, p := range providers {
		go func(p provider.Provider) {
			resp, err := p.Analyze(rctx, preq)
			results <- outcome{name: p.Name(), resp: resp, err: err}
		}(p)
	}

	var failures []ProviderFailure
	var lastErr error
	for range providers {
		out := <-results
		if out.err == nil {
			cancel()
			return o.finish(ctx, req, contextID, enhanced, out.name, out.resp), nil
		}
		lastErr = out.err
		failures = append(failures, ProviderFailure{
			Provider: out.name,
			Kind:     string(core.KindOf(out.err)),
			Error:    out.err.Error(),
		})
	}

	o.recordFailure(contextID, req.SessionID)
	o.publish(PerformanceWarning{
		SessionID: req.SessionID,
		Operation: "race",
		Failures:  failures,
		Message:   fmt.Sprintf("all %d raced providers failed", len(providers)),
	})
	return nil, lastErr
}

// prepare validates the request, binds the session to its context, and runs
// query enhancement. A cancelled request context skips enhancement and
// proceeds with the original query.
func (o *Orchestrator) prepare(ctx context.Context, req *AnalyzeRequest) (string, *conversation.EnhancedQuery, error) {
	if req == nil {
		return "", nil, fmt.Errorf("%w: request is nil", core.ErrValidation)
	}
	if req.SessionID == "" {
		return "", nil, fmt.Errorf("%w: session id is required", core.ErrValidation)
	}
	if req.Prompt == "" {
		return "", nil, core.ErrEmptyPrompt
	}
	if o.maxImageBytes > 0 && int64(len(req.Image)) > o.maxImageBytes {
		return "", nil, fmt.Errorf("%w: %d bytes exceeds the largest enabled provider limit of %d",
			core.ErrImageTooLarge, len(req.Image), o.maxImageBytes)
	}

	start := time.Now()
	sessionCtx, err := o.store.GetContextBySession(ctx, req.SessionID)
	if errors.Is(err, core.ErrContextNotFound) || errors.Is(err, core.ErrContextExpired) {
		sessionCtx, err = o.store.CreateContext(ctx, req.SessionID)
	}
	o.monitor.Record(conversation.OperationEvent{
		Operation:  "retrieval",
		DurationMs: float64(time.Since(start).Milliseconds()),
		Success:    err == nil,
		SessionID:  req.SessionID,
	})
	if err != nil {
		return "", nil, fmt.Errorf("bind session context: %w", err)
	}

	enhanced := &conversation.EnhancedQuery{
		OriginalQuery: req.Prompt,
		EnhancedQuery: req.Prompt,
	}
	if ctx.Err() == nil {
		start = time.Now()
		enhanced = o.enhancer.Enhance(req.Prompt, sessionCtx)
		o.monitor.Record(conversation.OperationEvent{
			Operation:  "enhancement",
			DurationMs: float64(time.Since(start).Milliseconds()),
			Success:    true,
			ContextID:  sessionCtx.ContextID,
			SessionID:  req.SessionID,
		})
	}
	return sessionCtx.ContextID, enhanced, nil
}

// chainProviders flattens the highest-priority chain into a walk order.
func (o *Orchestrator) chainProviders() []provider.Provider {
	if len(o.chains) == 0 {
		return nil
	}
	chain := o.chains[0]
	return append([]provider.Provider{chain.Primary}, chain.Fallbacks...)
}

func (o *Orchestrator) providerRequest(req *AnalyzeRequest, enhanced *conversation.EnhancedQuery) *provider.Request {
	return &provider.Request{
		Prompt:      enhanced.EnhancedQuery,
		Image:       req.Image,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Timeout:     req.Timeout,
		SessionID:   req.SessionID,
	}
}

func (o *Orchestrator) recordFailure(contextID, sessionID string) {
	o.monitor.Record(conversation.OperationEvent{
		Operation: "analysis",
		Success:   false,
		ContextID: contextID,
		SessionID: sessionID,
	})
}

// finish records the successful turn, triggers summarization when the
// context outgrows its threshold, and assembles the result.
func (o *Orchestrator) finish(ctx context.Context, req *AnalyzeRequest, contextID string, enhanced *conversation.EnhancedQuery, providerName string, resp *provider.Response) *AnalyzeResult {
	now := time.Now()
	entities := make([]string, 0, len(enhanced.ResolvedEntities))
	for _, re := range enhanced.ResolvedEntities {
		entities = append(entities, re.Entity)
	}
	turn, err := o.store.AddTurn(ctx, contextID,
		conversation.QueryRecord{
			Text:      req.Prompt,
			Entities:  entities,
			Intent:    req.Intent,
			Timestamp: now,
		},
		conversation.ResponseRecord{
			Summary:    truncate(resp.Content, maxTurnSummaryLength),
			Confidence: resp.Confidence,
			Timestamp:  now,
		},
		enhanced.FollowUp.IsFollowUp)
	if err != nil {
		o.logger.Warn("Turn not recorded", map[string]interface{}{
			"operation":  "add_turn",
			"context_id": contextID,
			"error":      err.Error(),
		})
	} else {
		o.maybeSummarize(ctx, contextID)
	}

	telemetry.Counter("orchestrator.analyze",
		"status", "ok", "provider", providerName, "module", telemetry.ModuleOrchestrator)
	o.logger.Info("Analysis completed", map[string]interface{}{
		"operation":   "analyze",
		"provider":    providerName,
		"context_id":  contextID,
		"session_id":  req.SessionID,
		"follow_up":   enhanced.FollowUp.IsFollowUp,
		"tokens_used": resp.TokensUsed,
	})
	return &AnalyzeResult{
		Response:  resp,
		Provider:  providerName,
		ContextID: contextID,
		Enhanced:  enhanced,
		Turn:      turn,
	}
}

// maybeSummarize compresses the context when its thread exceeds the
// configured turn threshold.
func (o *Orchestrator) maybeSummarize(ctx context.Context, contextID string) {
	c, err := o.store.GetContext(ctx, contextID)
	if err != nil || !o.summarizer.NeedsSummarization(c) {
		return
	}
	result, err := o.summarizer.Summarize(c)
	if err != nil {
		o.logger.Warn("Summarization failed", map[string]interface{}{
			"operation":  "summarize",
			"context_id": contextID,
			"error":      err.Error(),
		})
		return
	}
	if err := o.store.UpdateContext(ctx, c); err != nil {
		o.logger.Warn("Summarized context not persisted", map[string]interface{}{
			"operation":  "summarize",
			"context_id": contextID,
			"error":      err.Error(),
		})
		return
	}
	o.logger.Debug("Summarized context persisted", map[string]interface{}{
		"operation":         "summarize",
		"context_id":        contextID,
		"original_turns":    result.OriginalTurnCount,
		"compression_ratio": result.CompressionRatio,
	})
}

// SubmitDetection enqueues one detection job per page and announces the
// fan-out. Returned job IDs are in page order.
func (o *Orchestrator) SubmitDetection(ctx context.Context, documentID, sessionID string, pages [][]byte, settings detection.Settings) ([]string, error) {
	if documentID == "" {
		return nil, fmt.Errorf("%w: document id is required", core.ErrValidation)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: no pages to process", core.ErrValidation)
	}

	jobIDs := make([]string, 0, len(pages))
	for i, page := range pages {
		id, err := o.queue.Enqueue(ctx, &detection.Job{
			DocumentID: documentID,
			SessionID:  sessionID,
			PageNumber: i + 1,
			Image:      page,
			Settings:   settings,
		})
		if err != nil {
			return nil, fmt.Errorf("enqueue page %d: %w", i+1, err)
		}
		jobIDs = append(jobIDs, id)
	}

	o.publish(DetectionStarted{
		DocumentID:      documentID,
		SessionID:       sessionID,
		JobIDs:          jobIDs,
		TotalPages:      len(pages),
		EstimatedTimeMs: o.estimateDetectionMs(len(pages)),
	})
	telemetry.Counter("orchestrator.detection.submitted",
		"module", telemetry.ModuleOrchestrator)
	o.logger.Info("Detection submitted", map[string]interface{}{
		"operation":   "detection_submit",
		"document_id": documentID,
		"session_id":  sessionID,
		"pages":       len(pages),
	})
	return jobIDs, nil
}

// estimateDetectionMs is a worst-case bound: pages processed in waves of
// the worker count, each wave bounded by the page timeout.
func (o *Orchestrator) estimateDetectionMs(pages int) int64 {
	workers := o.cfg.Detection.Workers
	if workers <= 0 {
		workers = 1
	}
	timeout := o.cfg.Detection.PageTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	waves := (pages + workers - 1) / workers
	return int64(waves) * timeout.Milliseconds()
}

// DetectionJob returns the current state of a detection job.
func (o *Orchestrator) DetectionJob(ctx context.Context, jobID string) (*detection.Job, error) {
	return o.queue.GetJob(ctx, jobID)
}

// DetectionResult returns the result of a completed detection job.
func (o *Orchestrator) DetectionResult(ctx context.Context, jobID string) (*detection.Result, error) {
	return o.queue.GetResult(ctx, jobID)
}

// CancelDetection cancels a not-yet-terminal job. A job that already
// finished returns false with core.ErrJobTerminal.
func (o *Orchestrator) CancelDetection(ctx context.Context, jobID string) (bool, error) {
	return o.queue.CancelJob(ctx, jobID)
}

// QueueCounts reports detection queue occupancy by status.
func (o *Orchestrator) QueueCounts(ctx context.Context) (detection.QueueCounts, error) {
	return o.queue.Counts(ctx)
}

// EnsembleHealth probes every provider in the chains once.
func (o *Orchestrator) EnsembleHealth(ctx context.Context) []provider.HealthStatus {
	seen := make(map[string]bool)
	var out []provider.HealthStatus
	for _, ch := range o.chains {
		for _, p := range append([]provider.Provider{ch.Primary}, ch.Fallbacks...) {
			if seen[p.Name()] {
				continue
			}
			seen[p.Name()] = true
			status, err := p.HealthCheck(ctx)
			if err != nil || status == nil {
				detail := "health check failed"
				if err != nil {
					detail = err.Error()
				}
				status = &provider.HealthStatus{
					Provider:  p.Name(),
					Healthy:   false,
					CheckedAt: time.Now(),
					Detail:    detail,
				}
			}
			out = append(out, *status)
		}
	}
	return out
}

// pipelineSink bridges pipeline events onto the orchestrator stream. Job
// completion is reported by the queue, which also covers retries, so the
// pipeline's own completion event is intentionally not forwarded.
type pipelineSink struct{ o *Orchestrator }

func (s pipelineSink) Progress(ev detection.ProgressEvent) {
	s.o.publish(DetectionProgress{
		JobID:         ev.JobID,
		Progress:      ev.Progress,
		Stage:         ev.Stage,
		CurrentSymbol: ev.CurrentSymbol,
	})
}

func (s pipelineSink) SymbolDetected(ev detection.SymbolEvent) {
	s.o.publish(SymbolDetected{
		JobID:      ev.JobID,
		Symbol:     ev.Symbol,
		TotalFound: ev.TotalFound,
	})
}

func (s pipelineSink) Completed(detection.CompletedEvent) {}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
