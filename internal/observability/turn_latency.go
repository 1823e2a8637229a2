package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Voice turn stages with their latency budgets, in the order a turn passes
// through them.
var turnStages = []struct {
	name     string
	budgetMS float64
}{
	{"send_to_reply", 2500},
	{"reply_to_audio", 1200},
	{"turn_total", 9000},
}

// StageLatency summarizes the recent turns of one stage.
type StageLatency struct {
	Stage      string  `json:"stage"`
	Turns      int     `json:"turns"`
	LastMS     float64 `json:"last_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms"`
	OverBudget int     `json:"over_budget"`
}

// LatencyReport is served at /v1/perf/latency.
type LatencyReport struct {
	GeneratedAt  time.Time      `json:"generated_at"`
	Window       int            `json:"window"`
	Stages       []StageLatency `json:"stages"`
	Synthesis    map[string]int `json:"synthesis"`
	FallbackRate float64        `json:"fallback_rate"`
}

// turnLatency keeps the last window timings of each turn stage and counts
// which synthesis path spoken replies took.
type turnLatency struct {
	mu        sync.Mutex
	window    int
	samples   map[string][]float64
	synthesis map[string]int
}

func newTurnLatency(window int) *turnLatency {
	if window <= 0 {
		window = 256
	}
	return &turnLatency{
		window:    window,
		samples:   make(map[string][]float64, len(turnStages)),
		synthesis: make(map[string]int),
	}
}

func (l *turnLatency) observe(stage string, ms float64) {
	if ms < 0 || budgetFor(stage) < 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := append(l.samples[stage], ms)
	if len(s) > l.window {
		s = s[len(s)-l.window:]
	}
	l.samples[stage] = s
}

func (l *turnLatency) observeSynthesis(kind string) {
	if kind == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.synthesis[kind]++
}

func (l *turnLatency) report() LatencyReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := LatencyReport{
		GeneratedAt: time.Now().UTC(),
		Window:      l.window,
		Stages:      make([]StageLatency, 0, len(turnStages)),
		Synthesis:   make(map[string]int, len(l.synthesis)),
	}
	for _, st := range turnStages {
		samples := l.samples[st.name]
		if len(samples) == 0 {
			continue
		}
		sorted := slices.Clone(samples)
		slices.Sort(sorted)
		over := 0
		for _, v := range samples {
			if v > st.budgetMS {
				over++
			}
		}
		out.Stages = append(out.Stages, StageLatency{
			Stage:      st.name,
			Turns:      len(samples),
			LastMS:     round2(samples[len(samples)-1]),
			P50MS:      round2(nearestRank(sorted, 0.50)),
			P95MS:      round2(nearestRank(sorted, 0.95)),
			MaxMS:      round2(sorted[len(sorted)-1]),
			BudgetMS:   st.budgetMS,
			OverBudget: over,
		})
	}

	spoken := 0
	for kind, n := range l.synthesis {
		out.Synthesis[kind] = n
		spoken += n
	}
	if spoken > 0 {
		out.FallbackRate = round2(float64(l.synthesis["fallback"]) / float64(spoken))
	}
	return out
}

// budgetFor returns -1 for stages a voice turn does not report.
func budgetFor(stage string) float64 {
	for _, st := range turnStages {
		if st.name == stage {
			return st.budgetMS
		}
	}
	return -1
}

func nearestRank(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
