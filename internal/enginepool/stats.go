package enginepool

// Stats is a point-in-time view of the pool. Engine and occupancy counts
// reflect current state; the rest only grow.
type Stats struct {
	TotalEngines       int     `json:"total_engines"`
	BusyEngines        int     `json:"busy_engines"`
	AvailablePermits   int     `json:"available_permits"`
	CachedVoiceStyles  int     `json:"cached_voice_styles"`
	TotalCheckouts     uint64  `json:"total_checkouts"`
	CacheHits          uint64  `json:"cache_hits"`
	CacheMisses        uint64  `json:"cache_misses"`
	CacheEvictions     uint64  `json:"cache_evictions"`
	CacheHitRate       float64 `json:"cache_hit_rate"` // percent
	EngineReplacements uint64  `json:"engine_replacements"`
}

func (p *Pool) Stats() Stats {
	p.mu.RLock()
	total := len(p.slots)
	busy := 0
	for _, s := range p.slots {
		if s.busy {
			busy++
		}
	}
	p.mu.RUnlock()

	cs := p.styles.Stats()
	return Stats{
		TotalEngines:       total,
		BusyEngines:        busy,
		AvailablePermits:   cap(p.permits) - len(p.permits),
		CachedVoiceStyles:  cs.Entries,
		TotalCheckouts:     p.totalCheckouts.Load(),
		CacheHits:          cs.Hits,
		CacheMisses:        cs.Misses,
		CacheEvictions:     cs.Evictions,
		CacheHitRate:       cs.HitRate() * 100,
		EngineReplacements: p.replacements.Load(),
	}
}
