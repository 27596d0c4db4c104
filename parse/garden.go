package parse

import (
	"regexp"
	"strings"
	"time"
)

// GardenStatus is the coarse state of the herb garden reported by ".小药园".
type GardenStatus struct {
	Idle    bool
	Growing bool
	Mature  bool
	Insect  bool
	Weed    bool
	Drought bool
	// MinRemaining is the shortest "(剩余: ...)" among growing plots; 0 when none is reported.
	MinRemaining time.Duration
}

var plotLineRE = regexp.MustCompile(`^\s*(\d+)\s*号\s*灵田[:：]\s*(.+?)\s*$`)

var idleKeywords = []string{"空闲", "未种植", "闲置", "空地"}

func (s *GardenStatus) observe(body string) {
	if ContainsAny(body, idleKeywords...) {
		s.Idle = true
	}
	if strings.Contains(body, "生长中") {
		s.Growing = true
	}
	if strings.Contains(body, "已成熟") {
		s.Mature = true
	}
	if strings.Contains(body, "害虫侵扰") {
		s.Insect = true
	}
	if strings.Contains(body, "杂草横生") {
		s.Weed = true
	}
	if strings.Contains(body, "灵气干涸") {
		s.Drought = true
	}
	if d, ok := remaining(body); ok && (s.MinRemaining == 0 || d < s.MinRemaining) {
		s.MinRemaining = d
	}
}

// Garden parses a ".小药园" reply. Text without the garden header is rejected.
func Garden(text string) *GardenStatus {
	if !strings.Contains(text, "小药园") && !strings.Contains(text, "灵田总数") {
		return nil
	}

	var st GardenStatus
	matched := false
	for _, line := range strings.Split(text, "\n") {
		m := plotLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		matched = true
		st.observe(m[2])
	}
	// some layouts do not label plots with "N号灵田:" lines
	if !matched {
		st.observe(text)
	}
	return &st
}
