package behavior

import "fmt"

// PatternKind names a detected interaction pattern.
type PatternKind string

const (
	// PatternFrequentBackchannel: most of the user's barge-ins are
	// acknowledgments, not interruptions.
	PatternFrequentBackchannel PatternKind = "frequent_backchannel"

	// PatternRapidInterruption: the user has recently been hard-barging most
	// of the time.
	PatternRapidInterruption PatternKind = "rapid_interruption"

	// PatternPeakHours: barge-ins cluster in particular hours of the day.
	PatternPeakHours PatternKind = "peak_hours"
)

// Pattern is one detected behavioral pattern.
type Pattern struct {
	Kind        PatternKind
	Description string

	// Hours is populated for [PatternPeakHours]: the hours of day (0–23)
	// exceeding the peak factor, ascending.
	Hours []int
}

// DetectPatterns inspects the retained history and reports the patterns it
// supports. With fewer than MinPatternEvents events it reports nothing.
func (t *Tracker) DetectPatterns() []Pattern {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := len(t.events)
	if total < t.cfg.MinPatternEvents {
		return nil
	}

	var patterns []Pattern

	if share := float64(t.counts[TypeBackchannel]) / float64(total); share > frequentBackchannelShare {
		patterns = append(patterns, Pattern{
			Kind:        PatternFrequentBackchannel,
			Description: fmt.Sprintf("%.0f%% of barge-ins are backchannels", share*100),
		})
	}

	if share := t.recentHardBargeShare(); share > rapidInterruptionShare {
		patterns = append(patterns, Pattern{
			Kind:        PatternRapidInterruption,
			Description: fmt.Sprintf("%.0f%% of recent barge-ins are hard interruptions", share*100),
		})
	}

	if hours := t.peakHours(); len(hours) > 0 {
		patterns = append(patterns, Pattern{
			Kind:        PatternPeakHours,
			Description: fmt.Sprintf("barge-ins cluster in %d hour(s) of the day", len(hours)),
			Hours:       hours,
		})
	}
	return patterns
}

// recentHardBargeShare returns the hard-barge fraction of events inside the
// recent window. Called with t.mu held.
func (t *Tracker) recentHardBargeShare() float64 {
	cutoff := t.now().Add(-t.cfg.RecentWindow).UnixMilli()
	recent, hard := 0, 0
	for _, ev := range t.events {
		if ev.TimestampMs < cutoff {
			continue
		}
		recent++
		if ev.Type == TypeHardBarge {
			hard++
		}
	}
	if recent == 0 {
		return 0
	}
	return float64(hard) / float64(recent)
}

// peakHours returns the hours whose event count exceeds peakHourFactor times
// the hourly mean. Called with t.mu held.
func (t *Tracker) peakHours() []int {
	total := 0
	for _, c := range t.hourHist {
		total += c
	}
	if total == 0 {
		return nil
	}
	mean := float64(total) / 24
	var hours []int
	for h, c := range t.hourHist {
		if float64(c) > peakHourFactor*mean {
			hours = append(hours, h)
		}
	}
	return hours
}
