package upload

import (
	"math"
	"sync"
	"sync/atomic"
)

// ProgressSink receives per-part progress. Begin is called once per upload
// attempt before any Record for that file.
type ProgressSink interface {
	Begin(name string, parts int)
	Record(name string, partIndex int, fraction float64)
}

// Progress aggregates part progress into one percentage per file. Every
// part is an equal share of its file regardless of its byte size.
//
// Each part has its own atomic slot, so concurrent transfers of one file
// never overwrite each other's fraction. A slot only moves forward.
type Progress struct {
	mu    sync.RWMutex
	files map[string]*fileProgress
}

type fileProgress struct {
	parts []atomic.Uint64 // math.Float64bits of the fraction
}

func NewProgress() *Progress {
	return &Progress{files: make(map[string]*fileProgress)}
}

// Begin starts tracking name from zero, discarding any earlier attempt.
func (p *Progress) Begin(name string, parts int) {
	if parts < 1 {
		parts = 1
	}
	p.mu.Lock()
	p.files[name] = &fileProgress{parts: make([]atomic.Uint64, parts)}
	p.mu.Unlock()
}

// Record stores the fraction in [0,1] of one part. Unknown files and part
// indexes are ignored.
func (p *Progress) Record(name string, partIndex int, fraction float64) {
	fp := p.file(name)
	if fp == nil || partIndex < 0 || partIndex >= len(fp.parts) {
		return
	}
	fraction = clamp(fraction, 0, 1)
	slot := &fp.parts[partIndex]
	for {
		old := slot.Load()
		if fraction <= math.Float64frombits(old) {
			return
		}
		if slot.CompareAndSwap(old, math.Float64bits(fraction)) {
			return
		}
	}
}

// Current returns the percentage in [0,100] of name, or 0 if unknown.
func (p *Progress) Current(name string) float64 {
	fp := p.file(name)
	if fp == nil {
		return 0
	}
	return fp.percent()
}

func (p *Progress) Snapshot() map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]float64, len(p.files))
	for name, fp := range p.files {
		out[name] = fp.percent()
	}
	return out
}

func (p *Progress) file(name string) *fileProgress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.files[name]
}

func (fp *fileProgress) percent() float64 {
	var sum float64
	for i := range fp.parts {
		sum += math.Float64frombits(fp.parts[i].Load())
	}
	return clamp(sum/float64(len(fp.parts))*100, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// fraction converts a byte count into a part fraction. An empty payload
// counts as complete.
func fraction(sent, total uint64) float64 {
	if total == 0 {
		return 1
	}
	return float64(sent) / float64(total)
}
