// Package metrics holds the Prometheus collectors shared by the cache, the
// soft-MMU and the execution loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dbt"

// Lookup levels.
const (
	LevelJumpCache = "jump_cache"
	LevelHash      = "hash"
	LevelMiss      = "miss"
)

// Metrics is one set of collectors. Components always receive a non-nil
// value; New(nil) creates collectors that are simply never scraped.
type Metrics struct {
	Translations        prometheus.Counter
	TranslationFailures *prometheus.CounterVec
	TranslatedInsns     prometheus.Counter
	Lookups             *prometheus.CounterVec
	ChainLinks          prometheus.Counter
	ChainUnlinks        prometheus.Counter
	Invalidations       prometheus.Counter
	Flushes             prometheus.Counter
	SMCInvalidations    prometheus.Counter
	TBs                 prometheus.Gauge
	CodeBytes           prometheus.Gauge

	TLBFills      prometheus.Counter
	TLBVictimHits prometheus.Counter
	TLBFlushes    prometheus.Counter
	PageWalks     prometheus.Counter
	SlowAccesses  *prometheus.CounterVec
	MMIOAccesses  prometheus.Counter

	Exits       *prometheus.CounterVec
	BlockExits  *prometheus.CounterVec
	HelperCalls prometheus.Counter
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Translations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tb", Name: "translations_total",
			Help: "Blocks compiled.",
		}),
		TranslationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tb", Name: "translation_failures_total",
			Help: "Block compilations abandoned, by reason.",
		}, []string{"reason"}),
		TranslatedInsns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tb", Name: "translated_insns_total",
			Help: "Guest instructions compiled.",
		}),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tb", Name: "lookups_total",
			Help: "Block lookups by the level that answered them.",
		}, []string{"level"}),
		ChainLinks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tb", Name: "chain_links_total",
			Help: "Direct jumps patched between blocks.",
		}),
		ChainUnlinks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tb", Name: "chain_unlinks_total",
			Help: "Direct jumps reset to their exit stub.",
		}),
		Invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tb", Name: "invalidations_total",
			Help: "Blocks invalidated.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tb", Name: "flushes_total",
			Help: "Full cache flushes.",
		}),
		SMCInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tb", Name: "smc_invalidations_total",
			Help: "Guest stores that hit a page holding compiled code.",
		}),
		TBs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tb", Name: "blocks",
			Help: "Valid blocks in the cache.",
		}),
		CodeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "codebuf", Name: "used_bytes",
			Help: "Code buffer bytes handed out to vCPUs.",
		}),
		TLBFills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tlb", Name: "fills_total",
			Help: "TLB entries filled by the slow path.",
		}),
		TLBVictimHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tlb", Name: "victim_hits_total",
			Help: "Misses answered by the victim TLB.",
		}),
		TLBFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tlb", Name: "flushes_total",
			Help: "Full or per-page TLB flushes.",
		}),
		PageWalks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tlb", Name: "page_walks_total",
			Help: "Page table walks.",
		}),
		SlowAccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tlb", Name: "slow_accesses_total",
			Help: "Loads and stores handled by the slow path.",
		}, []string{"access"}),
		MMIOAccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tlb", Name: "mmio_accesses_total",
			Help: "Accesses dispatched to a device.",
		}),
		Exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cpu", Name: "exits_total",
			Help: "TranslateAndRun results by exit reason.",
		}, []string{"reason"}),
		BlockExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cpu", Name: "block_exits_total",
			Help: "Returns from generated code by exit code.",
		}, []string{"code"}),
		HelperCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cpu", Name: "helper_calls_total",
			Help: "Out-of-line helper invocations.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Translations, m.TranslationFailures, m.TranslatedInsns, m.Lookups,
		m.ChainLinks, m.ChainUnlinks, m.Invalidations, m.Flushes,
		m.SMCInvalidations, m.TBs, m.CodeBytes,
		m.TLBFills, m.TLBVictimHits, m.TLBFlushes, m.PageWalks,
		m.SlowAccesses, m.MMIOAccesses,
		m.Exits, m.BlockExits, m.HelperCalls,
	}
}

var nop = New(nil)

// OrNop returns m, or a shared unregistered set when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m == nil {
		return nop
	}
	return m
}
