package symbols

import "testing"

func TestPayBucketThresholds(t *testing.T) {
	p := PayBuckets{Size8: 8, Size10: 20, Size12: 50}

	tests := []struct {
		name string
		size int
		want int64
	}{
		{"below minimum", 7, 0},
		{"exactly 8", 8, 8},
		{"nine stays in 8 bucket", 9, 8},
		{"exactly 10", 10, 20},
		{"eleven stays in 10 bucket", 11, 20},
		{"exactly 12", 12, 50},
		{"above 12 uses top bucket", 30, 50},
		{"zero", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.ForSize(tt.size); got != tt.want {
				t.Errorf("Expected %d for size %d, got %d", tt.want, tt.size, got)
			}
		})
	}
}

func TestScatterPayCounts(t *testing.T) {
	s := ScatterPays{For4: 60, For5: 100, For6: 2000}

	tests := []struct {
		count int
		want  int64
	}{
		{0, 0}, {3, 0}, {4, 60}, {5, 100}, {6, 2000}, {9, 2000},
	}

	for _, tt := range tests {
		if got := s.ForCount(tt.count); got != tt.want {
			t.Errorf("Expected %d for %d scatters, got %d", tt.want, tt.count, got)
		}
	}
}

func TestDefaultModelShape(t *testing.T) {
	m := Default()

	if m.GridColumns != 6 || m.GridRows != 5 {
		t.Fatalf("Expected 6x5 grid, got %dx%d", m.GridColumns, m.GridRows)
	}
	if m.MinCluster != 8 {
		t.Errorf("Expected minimum cluster 8, got %d", m.MinCluster)
	}
	if m.PayDivisor != 20 {
		t.Errorf("Expected payout divisor 20, got %d", m.PayDivisor)
	}

	// Every paying symbol needs a complete bucket row.
	for _, s := range All {
		if IsScatter(s) {
			continue
		}
		p, ok := m.Pays[s]
		if !ok {
			t.Errorf("Symbol %s missing from paytable", s)
			continue
		}
		if p.Size8 <= 0 || p.Size10 < p.Size8 || p.Size12 < p.Size10 {
			t.Errorf("Paytable row for %s is not monotonic: %+v", s, p)
		}
	}

	// Both weight tables cover the full symbol set with positive weights.
	for _, tbl := range []WeightTable{m.BaseWeights, m.FreeSpinWeights} {
		if len(tbl) != len(All) {
			t.Fatalf("Expected %d weight entries, got %d", len(All), len(tbl))
		}
		for _, e := range tbl {
			if !Known(e.Symbol) {
				t.Errorf("Unknown symbol %q in weight table", e.Symbol)
			}
			if e.Weight <= 0 {
				t.Errorf("Non-positive weight %d for %s", e.Weight, e.Symbol)
			}
		}
	}
}

func TestFreeSpinHighPayRatioAtLeastBase(t *testing.T) {
	m := Default()
	base := m.BaseWeights.HighPayRatio()
	free := m.FreeSpinWeights.HighPayRatio()
	if free < base {
		t.Errorf("Free-spin high-pay ratio %.4f is below base ratio %.4f", free, base)
	}
}

func TestMultiplierTableValues(t *testing.T) {
	m := Default()

	expected := []int64{2, 3, 4, 5, 6, 8, 10, 20, 100, 500}
	if len(m.Multipliers) != len(expected) {
		t.Fatalf("Expected %d multiplier entries, got %d", len(expected), len(m.Multipliers))
	}
	for i, e := range m.Multipliers {
		if e.Value != expected[i] {
			t.Errorf("Multiplier entry %d: expected value %d, got %d", i, expected[i], e.Value)
		}
		if e.Weight <= 0 {
			t.Errorf("Multiplier %d has non-positive weight %d", e.Value, e.Weight)
		}
	}

	// Heavier values must not be more likely than lighter ones.
	for i := 1; i < len(m.Multipliers); i++ {
		if m.Multipliers[i].Weight > m.Multipliers[i-1].Weight {
			t.Errorf("Multiplier weights not non-increasing at value %d", m.Multipliers[i].Value)
		}
	}
}

func TestKnownSymbols(t *testing.T) {
	for _, s := range All {
		if !Known(s) {
			t.Errorf("Expected %s to be known", s)
		}
	}
	if Known("vibranium") {
		t.Error("Unexpected symbol reported as known")
	}
	if !IsScatter(InfinityGlove) {
		t.Error("Expected infinity_glove to be the scatter")
	}
	if IsHighPay(TimeGem) || !IsHighPay(Thanos) {
		t.Error("High-pay classification wrong")
	}
}
