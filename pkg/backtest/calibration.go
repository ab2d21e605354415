package backtest

const reliabilityBuckets = 10

// ReliabilityBucket compares stated confidence with realized win rate in
// one confidence band. A calibrated system has Observed tracking Predicted.
type ReliabilityBucket struct {
	Lo        float64 `yaml:"lo" json:"lo"`
	Hi        float64 `yaml:"hi" json:"hi"`
	Predicted float64 `yaml:"predicted" json:"predicted"`
	Observed  float64 `yaml:"observed" json:"observed"`
	Count     int     `yaml:"count" json:"count"`
}

// Reliability buckets trades by their stored confidence. Empty buckets are
// omitted.
func Reliability(trades []Trade, buckets int) []ReliabilityBucket {
	if buckets <= 0 {
		buckets = reliabilityBuckets
	}
	type agg struct {
		sumConf float64
		wins    int
		n       int
	}
	acc := make([]agg, buckets)
	width := 1.0 / float64(buckets)

	for _, t := range trades {
		idx := int(t.Confidence / width)
		if idx >= buckets {
			idx = buckets - 1
		}
		acc[idx].sumConf += t.Confidence
		acc[idx].n++
		if t.Win {
			acc[idx].wins++
		}
	}

	out := make([]ReliabilityBucket, 0, buckets)
	for i, a := range acc {
		if a.n == 0 {
			continue
		}
		out = append(out, ReliabilityBucket{
			Lo:        float64(i) * width,
			Hi:        float64(i+1) * width,
			Predicted: a.sumConf / float64(a.n),
			Observed:  float64(a.wins) / float64(a.n),
			Count:     a.n,
		})
	}
	return out
}
