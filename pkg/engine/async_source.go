package engine

import (
	"dynacore.dev/dynacore/pkg/translate"
)

// asyncSource adapts Engine into async.TranslationSource: given a cache PC,
// find the owning unit, then the fragment within it whose cache-offset
// range contains the PC.
type asyncSource struct {
	eng *Engine
}

func (a *asyncSource) TableAndBaseFor(cachePC uintptr) (tbl *translate.Table, unitBase uintptr, fragCacheStart uintptr, appBase uintptr, ok bool) {
	unit := a.eng.Cache.UnitForPC(cachePC)
	if unit == nil {
		return nil, 0, 0, 0, false
	}
	for _, id := range unit.FragmentsIn() {
		f := a.eng.Slab.Get(id)
		if f == nil {
			continue
		}
		start := unit.Base() + f.CacheOffset
		end := start + f.CacheSize
		if cachePC >= start && cachePC < end {
			t, ok := f.Translation().(*translate.Table)
			if !ok {
				return nil, 0, 0, 0, false
			}
			return t, unit.Base(), f.CacheOffset, uintptr(f.Tag), true
		}
	}
	return nil, 0, 0, 0, false
}
