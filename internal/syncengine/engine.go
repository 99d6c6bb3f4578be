// Package syncengine drives one anti-entropy exchange at a time: building
// an outbound sync message from a store scan, handing it to a
// caller-supplied transport, decoding whatever comes back, and folding the
// result into the store and into the next cycle's pacing decision.
//
// The engine never imports net/http or any transport package — RunCycle
// takes the send/receive functions as arguments, so the same engine drives
// an in-process test harness, a gRPC stream, or a plain TCP socket without
// caring which (SPEC_FULL.md §4.4).
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/axonops/syncd/internal/auth"
	"github.com/axonops/syncd/internal/bloomfilter"
	"github.com/axonops/syncd/internal/commit"
	"github.com/axonops/syncd/internal/corectx"
	"github.com/axonops/syncd/internal/metrics"
	"github.com/axonops/syncd/internal/schema"
	"github.com/axonops/syncd/internal/store"
	"github.com/axonops/syncd/internal/syncmsg"
	"github.com/axonops/syncd/internal/yield"
)

// upgradeCacheSize bounds the per-engine memory devoted to remembering
// upgradeOnRead results. Commits are content-addressed and upgrade output
// is a pure function of (marker, payload, registry state), so a bounded
// LRU is sound as long as the registry doesn't gain a new intermediate
// version for an already-cached marker mid-run; that window is accepted
// in exchange for not re-walking the chain on every repeat delivery of a
// widely-replicated commit (see DESIGN.md).
const upgradeCacheSize = 4096

// ErrorKind names one of the error/condition kinds from SPEC_FULL.md §7.
// AuthDenied has no ErrorKind: the spec is explicit that it is not an
// error, so it is only ever visible through metrics.Recorder.AuthDenied
// and the returned accessDenied count.
type ErrorKind string

const (
	KindDecodeCommitFailure     ErrorKind = "decode_commit_failure"
	KindDecodeFilterFailure     ErrorKind = "decode_filter_failure"
	KindUpgradeMissingVersion   ErrorKind = "upgrade_missing_version"
	KindUnknownSchemaMarker     ErrorKind = "unknown_schema_marker"
	KindRuleRegistrationConflict ErrorKind = "rule_registration_conflict"
	KindVersionSkew             ErrorKind = "version_skew"
)

// Sender delivers payload to peerID. The engine treats any returned error
// as a failed cycle; it never retries within RunCycle.
type Sender func(ctx context.Context, peerID string, payload []byte) error

// Receiver blocks until peerID's reply arrives, or ctx is done.
type Receiver func(ctx context.Context, peerID string) ([]byte, error)

// Options controls FPR targeting, the missing-values payload, and cycle
// pacing. Zero-value fields are filled with SPEC_FULL.md §6 defaults by
// New.
type Options struct {
	ExpectedSyncCycles int  // target C in the adaptive FPR formula
	LowAccuracy        bool // force fpr = 0.5
	IncludeMissing     bool // attach missing-values payload when a peer filter is known

	BaseInterval time.Duration
	MinInterval  time.Duration
	MaxInterval  time.Duration
	CycleTimeout time.Duration // also doubles as the pacing model's target cycle duration

	YieldEvery int // checkpoint frequency passed through to internal/yield
}

func (o Options) withDefaults() Options {
	if o.ExpectedSyncCycles <= 0 {
		o.ExpectedSyncCycles = 3
	}
	if o.BaseInterval <= 0 {
		o.BaseInterval = 2 * time.Second
	}
	if o.MinInterval <= 0 {
		o.MinInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 60 * time.Second
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = 30 * time.Second
	}
	if o.YieldEvery <= 0 {
		o.YieldEvery = yield.DefaultYieldEvery
	}
	return o
}

// CycleOutcome labels a completed RunCycle for metrics and logs.
type CycleOutcome string

const (
	OutcomeOK           CycleOutcome = "ok"
	OutcomeTimeout      CycleOutcome = "timeout"
	OutcomeSendFailed   CycleOutcome = "send_failed"
	OutcomeRecvFailed   CycleOutcome = "recv_failed"
	OutcomeDecodeFailed CycleOutcome = "decode_failed"
	OutcomeScanFailed   CycleOutcome = "scan_failed"
	OutcomeStoreFailed  CycleOutcome = "store_failed"
)

// CycleResult summarizes one completed (or abandoned) cycle.
type CycleResult struct {
	Outcome        CycleOutcome
	Duration       time.Duration
	Sent           int
	Received       int
	AccessDenied   int
	SkippedDecodes int
	NextInterval   time.Duration
}

// peerState is the per-peer memory the pacing and FPR-degradation
// decisions read and write across cycles. Never accessed concurrently with
// itself — one RunCycle per peer at a time is the caller's responsibility,
// matching the single cooperative trace described in SPEC_FULL.md §5.
type peerState struct {
	mu sync.Mutex

	lastFilter    *bloomfilter.Filter
	lastDuration  time.Duration
	lastLocal     uint64
	nextInterval  time.Duration
	degradeNext   bool // set when the previous cycle was abandoned: force fpr=0.5 once
}

// Engine runs sync cycles against a Store, gated by a corectx.Context's
// schema registry and auth matcher, and reports through a
// metrics.Recorder.
type Engine struct {
	Core    *corectx.Context
	Store   store.Store
	Metrics *metrics.Recorder
	Options Options

	// OnError is called for every non-fatal condition the cycle encounters
	// (SPEC_FULL.md §7). It may be nil; conditions are always logged
	// regardless.
	OnError func(kind ErrorKind, err error)

	log *slog.Logger

	mu    sync.Mutex
	peers map[string]*peerState

	upgradeCache *lru.Cache[string, commit.Commit]
}

// New constructs an Engine. log may be nil, in which case slog.Default is
// used.
func New(core *corectx.Context, st store.Store, rec *metrics.Recorder, opts Options, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	cache, _ := lru.New[string, commit.Commit](upgradeCacheSize) // only errs on non-positive size
	return &Engine{
		Core:         core,
		Store:        st,
		Metrics:      rec,
		Options:      opts.withDefaults(),
		log:          log,
		peers:        make(map[string]*peerState),
		upgradeCache: cache,
	}
}

// AdaptiveFPR implements the §4.4 formula: fpr = min(0.5, n^(-1/(0.5*C)))
// where n = max(1, local, peer). lowAccuracy forces 0.5 regardless of
// cardinality, trading accuracy (and so extra cycles) for a smaller
// filter when high latency is acceptable.
func AdaptiveFPR(local, peer uint64, expectedSyncCycles int, lowAccuracy bool) float64 {
	if lowAccuracy {
		return 0.5
	}
	n := local
	if peer > n {
		n = peer
	}
	if n < 1 {
		n = 1
	}
	c := float64(expectedSyncCycles)
	if c <= 0 {
		c = 1
	}
	fpr := math.Pow(float64(n), -1/(0.5*c))
	if fpr > 0.5 || math.IsNaN(fpr) || math.IsInf(fpr, 0) {
		return 0.5
	}
	return fpr
}

// PeerInterval returns the currently scheduled inter-cycle interval for
// peerID, seeded at Options.BaseInterval until the first cycle completes.
func (e *Engine) PeerInterval(peerID string) time.Duration {
	ps := e.peerFor(peerID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.nextInterval
}

func (e *Engine) peerFor(peerID string) *peerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.peers[peerID]
	if !ok {
		ps = &peerState{nextInterval: e.Options.BaseInterval}
		e.peers[peerID] = ps
	}
	return ps
}

// RunCycle performs one full build-then-process round trip against
// peerID's copy of repoID: it scans the store, builds an outbound message
// gated by session's read access, hands it to send, blocks on recv for the
// reply, persists whatever the reply carries, and recomputes the peer's
// next cycle interval.
//
// A cycle exceeding Options.CycleTimeout is abandoned: the previous peer
// filter is kept for the next cycle and the next build forces fpr=0.5,
// shrinking the filter to cut cost (SPEC_FULL.md §5 Timeouts).
func (e *Engine) RunCycle(ctx context.Context, peerID, repoID string, session auth.Session, send Sender, recv Receiver) (CycleResult, error) {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, e.Options.CycleTimeout)
	defer cancel()

	ps := e.peerFor(peerID)
	ps.mu.Lock()
	peerFilter := ps.lastFilter
	priorLocal := ps.lastLocal
	forceLowAccuracy := ps.degradeNext
	ps.degradeNext = false
	ps.mu.Unlock()

	outMsg, localCount, err := e.buildOutbound(cctx, repoID, peerFilter, session, forceLowAccuracy)
	if err != nil {
		return e.abandon(ps, peerID, start, OutcomeScanFailed), err
	}

	payload, err := syncmsg.Serialize(outMsg)
	if err != nil {
		return e.abandon(ps, peerID, start, OutcomeScanFailed), fmt.Errorf("syncengine: serializing outbound message: %w", err)
	}

	if err := send(cctx, peerID, payload); err != nil {
		outcome := OutcomeSendFailed
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			outcome = OutcomeTimeout
		}
		return e.abandon(ps, peerID, start, outcome), err
	}
	e.Metrics.AddValuesSent(peerID, len(outMsg.Values))

	raw, err := recv(cctx, peerID)
	if err != nil {
		outcome := OutcomeRecvFailed
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			outcome = OutcomeTimeout
		}
		return e.abandon(ps, peerID, start, outcome), err
	}

	decoded, err := syncmsg.DeserializeStreaming(cctx, raw, e.Options.YieldEvery)
	if err != nil {
		var dff *syncmsg.DecodeFilterFailure
		if errors.As(err, &dff) {
			e.reportError(KindDecodeFilterFailure, dff)
			e.Metrics.IncDecodeFilterFailure(peerID)
		}
		return e.abandon(ps, peerID, start, OutcomeDecodeFailed), err
	}
	if decoded.SkippedCommitCount > 0 {
		for i := 0; i < decoded.SkippedCommitCount; i++ {
			e.Metrics.IncDecodeCommitFailure(peerID)
		}
		e.reportError(KindDecodeCommitFailure, fmt.Errorf("syncengine: skipped %d corrupt commit(s) from peer %s", decoded.SkippedCommitCount, peerID))
	}

	inMsg := decoded.Message
	e.checkVersionSkew(peerID, inMsg.BuildVersion)

	received, err := e.processInbound(cctx, repoID, inMsg)
	if err != nil {
		return e.abandon(ps, peerID, start, OutcomeStoreFailed), err
	}
	e.Metrics.AddValuesReceived(peerID, received)

	duration := time.Since(start)
	ps.mu.Lock()
	ps.lastFilter = inMsg.Filter
	added := uint64(0)
	if localCount > priorLocal {
		added = localCount - priorLocal
	}
	ps.lastLocal = localCount
	ps.lastDuration = duration
	interval := e.nextInterval(localCount, added, duration)
	ps.nextInterval = interval
	ps.mu.Unlock()

	e.Metrics.RecordCycle(peerID, string(OutcomeOK), duration)

	return CycleResult{
		Outcome:        OutcomeOK,
		Duration:       duration,
		Sent:           len(outMsg.Values),
		Received:       received,
		AccessDenied:   len(inMsg.AccessDenied),
		SkippedDecodes: decoded.SkippedCommitCount,
		NextInterval:   interval,
	}, nil
}

// HandleExchange answers one inbound sync request without running a full
// RunCycle: decode the peer's message, persist whatever it carries, then
// build this node's own outbound message using the peer's filter as the
// basis for a missing-values reply. This is the responder half of an
// exchange; the initiator drives the other half through RunCycle. Splitting
// the two lets a request/response transport (e.g. one HTTP POST per
// exchange) answer synchronously instead of needing its own RunCycle loop.
func (e *Engine) HandleExchange(ctx context.Context, repoID string, session auth.Session, requestPayload []byte) ([]byte, error) {
	decoded, err := syncmsg.DeserializeStreaming(ctx, requestPayload, e.Options.YieldEvery)
	if err != nil {
		var dff *syncmsg.DecodeFilterFailure
		if errors.As(err, &dff) {
			e.reportError(KindDecodeFilterFailure, dff)
			e.Metrics.IncDecodeFilterFailure("inbound")
		}
		return nil, err
	}
	if decoded.SkippedCommitCount > 0 {
		for i := 0; i < decoded.SkippedCommitCount; i++ {
			e.Metrics.IncDecodeCommitFailure("inbound")
		}
		e.reportError(KindDecodeCommitFailure, fmt.Errorf("syncengine: skipped %d corrupt commit(s) in inbound exchange", decoded.SkippedCommitCount))
	}

	inMsg := decoded.Message
	e.checkVersionSkew("inbound", inMsg.BuildVersion)

	if _, err := e.processInbound(ctx, repoID, inMsg); err != nil {
		return nil, err
	}

	outMsg, _, err := e.buildOutbound(ctx, repoID, inMsg.Filter, session, false)
	if err != nil {
		return nil, err
	}
	return syncmsg.Serialize(outMsg)
}

// abandon records a failed or timed-out cycle: the peer's last good filter
// is left untouched so the next build still has something to diff against,
// and degradeNext is set so that build forces fpr=0.5 to cut cost.
func (e *Engine) abandon(ps *peerState, peerID string, start time.Time, outcome CycleOutcome) CycleResult {
	duration := time.Since(start)
	ps.mu.Lock()
	ps.degradeNext = true
	ps.lastDuration = duration
	interval := e.nextInterval(ps.lastLocal, 0, duration)
	ps.nextInterval = interval
	ps.mu.Unlock()

	e.Metrics.RecordCycle(peerID, string(outcome), duration)
	e.log.Warn("sync cycle abandoned", "peer", peerID, "outcome", string(outcome), "duration", duration)

	return CycleResult{Outcome: outcome, Duration: duration, NextInterval: interval}
}

// buildOutbound implements the §4.4 outbound algorithm: gate the scan by
// the repo's auth rule, size a fresh filter by AdaptiveFPR, add every
// allowed ID to it, and (when a peer filter is known and IncludeMissing is
// set) collect the values the peer's filter reports missing.
func (e *Engine) buildOutbound(ctx context.Context, repoID string, peerFilter *bloomfilter.Filter, session auth.Session, forceLowAccuracy bool) (syncmsg.Message, uint64, error) {
	values, err := e.Store.Scan(ctx, repoID)
	if err != nil {
		return syncmsg.Message{}, 0, fmt.Errorf("syncengine: scanning store: %w", err)
	}

	rule := e.Core.Auth.RuleForRepo(repoID)
	allowed := make([]commit.Commit, 0, len(values))
	var accessDenied []string
	for _, c := range values {
		if rule != nil && !rule(e.Store, repoID, c.ID(), session, auth.OpRead) {
			accessDenied = append(accessDenied, c.ID())
			e.Metrics.IncAuthDenied(repoID, auth.OpRead.String())
			continue
		}
		allowed = append(allowed, c)
	}

	var peerCount uint64
	if peerFilter != nil {
		peerCount = peerFilter.N()
	}
	lowAccuracy := e.Options.LowAccuracy || forceLowAccuracy
	fpr := AdaptiveFPR(uint64(len(allowed)), peerCount, e.Options.ExpectedSyncCycles, lowAccuracy)

	filter, err := bloomfilter.New(uint64(len(allowed)), fpr)
	if err != nil {
		return syncmsg.Message{}, 0, fmt.Errorf("syncengine: building filter: %w", err)
	}

	includeMissing := e.Options.IncludeMissing && peerFilter != nil
	var missing []commit.Commit
	var recounted uint64

	err = yield.ForEach(ctx, allowed, e.Options.YieldEvery, func(c commit.Commit) error {
		filter.Add(c.ID())
		recounted++
		if includeMissing && !peerFilter.Has(c.ID()) {
			missing = append(missing, c)
		}
		return nil
	})
	if err != nil {
		return syncmsg.Message{}, 0, err
	}

	e.Metrics.SetFilterBits(repoID, float64(filter.Encode().NBits))

	msg := syncmsg.Message{
		OrgID:        e.Store.OrgID(),
		BuildVersion: syncmsg.CurrentBuildVersion,
		Filter:       filter,
		Size:         int(recounted),
		Values:       missing,
		AccessDenied: accessDenied,
	}
	return msg, recounted, nil
}

// processInbound persists every value from an inbound message, idempotent
// on commit ID, upgrading each commit's schema on read along the way
// (SPEC_FULL.md §4.4 "Processing an inbound message").
func (e *Engine) processInbound(ctx context.Context, repoID string, msg syncmsg.Message) (int, error) {
	received := 0
	err := yield.ForEach(ctx, msg.Values, e.Options.YieldEvery, func(c commit.Commit) error {
		upgraded := e.upgradeOnRead(c)
		result, err := e.Store.PutCommit(ctx, repoID, upgraded)
		if err != nil {
			return fmt.Errorf("syncengine: persisting commit %s: %w", c.ID(), err)
		}
		if result == store.Inserted {
			received++
		}
		return nil
	})
	return received, err
}

// upgradeOnRead resolves a commit's schema marker and walks it to the
// latest registered version for its namespace. An unrecognized marker is
// treated as the null schema on read (§7 UnknownSchemaMarker) — the
// commit is stored with its original marker untouched so it can be
// recognized again once the schema is registered. A dense-chain gap (§7
// UpgradeMissingVersion) surfaces the commit unchanged at its original
// version.
func (e *Engine) upgradeOnRead(c commit.Commit) commit.Commit {
	if cached, ok := e.upgradeCache.Get(c.ID()); ok {
		return cached
	}

	marker := c.SchemaMarker()
	sch, ok := e.Core.Schemas.Decode(marker)
	if !ok {
		e.reportError(KindUnknownSchemaMarker, fmt.Errorf("syncengine: unrecognized schema marker %q on commit %s", marker, c.ID()))
		return c
	}
	if sch.IsNull() {
		e.upgradeCache.Add(c.ID(), c)
		return c
	}

	upgraded, target, ok := e.Core.Schemas.Upgrade(c.Payload(), sch, nil)
	if !ok {
		e.reportError(KindUpgradeMissingVersion, fmt.Errorf("syncengine: missing intermediate schema version upgrading commit %s from %s", c.ID(), marker))
		return c
	}
	result := c.WithSchema(schema.Encode(target), upgraded)
	e.upgradeCache.Add(c.ID(), result)
	return result
}

// checkVersionSkew reports a peer with a strictly older build version as
// KindVersionSkew; strictly newer is tolerated as forward-compat and only
// logged at Info (§7 VersionSkew).
func (e *Engine) checkVersionSkew(peerID string, peerVersion int) {
	switch {
	case peerVersion > syncmsg.CurrentBuildVersion:
		e.log.Info("peer reports newer build version", "peer", peerID, "peer_version", peerVersion, "local_version", syncmsg.CurrentBuildVersion)
	case peerVersion < syncmsg.CurrentBuildVersion:
		e.reportError(KindVersionSkew, fmt.Errorf("syncengine: peer %s reports older build version %d (local %d)", peerID, peerVersion, syncmsg.CurrentBuildVersion))
	}
}

// nextInterval implements the §4.4 pacing formula:
//
//	interval = clamp(baseInterval * activityFactor * latencyFactor, minInterval, maxInterval)
//
// activityFactor and latencyFactor are both computed fresh from this
// cycle's signals rather than carried forward, so a quiet cycle relaxes
// the interval back toward baseInterval on its own without extra decay
// bookkeeping: a cycle that added nothing and finished within the target
// duration yields factor 1 on both terms.
func (e *Engine) nextInterval(localCount, added uint64, lastDuration time.Duration) time.Duration {
	activityFactor := 1.0
	if localCount > 0 && added > 0 {
		activityFactor = 1 + float64(added)/float64(localCount)
	}

	latencyFactor := 1.0
	target := e.Options.CycleTimeout
	if target > 0 && lastDuration > target {
		latencyFactor = float64(lastDuration) / float64(target)
	}

	interval := time.Duration(float64(e.Options.BaseInterval) * activityFactor * latencyFactor)
	if interval < e.Options.MinInterval {
		interval = e.Options.MinInterval
	}
	if interval > e.Options.MaxInterval {
		interval = e.Options.MaxInterval
	}
	return interval
}

func (e *Engine) reportError(kind ErrorKind, err error) {
	e.log.Warn("sync engine condition", "kind", string(kind), "error", err)
	if e.OnError != nil {
		e.OnError(kind, err)
	}
}
