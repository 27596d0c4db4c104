package parse

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ObservatoryStatus is the state of the star disks reported by ".观星台".
type ObservatoryStatus struct {
	Total       int // 0 when the header count is missing or reports no disks
	Idle        []int
	Abnormal    []int
	Collectable []int
	// MinRemaining is the shortest "(剩余: ...)" among gathering disks; 0 when none.
	MinRemaining time.Duration
}

var (
	diskTotalRE  = regexp.MustCompile(`引\s*\[?\s*星盘总数\s*[:：]\s*(\d+)\s*座`)
	diskHeaderRE = regexp.MustCompile(`(\d+)\s*号\s*引\s*\[?\s*星盘\s*[:：]`)
	spaceRE      = regexp.MustCompile(`\s+`)

	abnormalKeywords    = []string{"元磁紊乱", "星光黯淡", "狂暴", "紊乱", "异常"}
	collectableKeywords = []string{"已凝聚", "凝聚完成", "已成形", "可收集", "精华"}
)

// Observatory parses a ".观星台" reply. It returns nil when neither a disk count nor any disk
// line can be found.
func Observatory(text string) *ObservatoryStatus {
	if !strings.Contains(text, "观星台") {
		return nil
	}

	st := &ObservatoryStatus{}
	m := diskTotalRE.FindStringSubmatch(text)
	if m != nil {
		st.Total, _ = strconv.Atoi(m[1])
	}

	headers := diskHeaderRE.FindAllStringSubmatchIndex(text, -1)
	if len(headers) == 0 && m == nil {
		return nil
	}

	idle, abnormal, collectable := map[int]bool{}, map[int]bool{}, map[int]bool{}
	for i, h := range headers {
		idx, err := strconv.Atoi(text[h[2]:h[3]])
		if err != nil {
			continue
		}
		end := len(text)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		body := strings.TrimSpace(spaceRE.ReplaceAllString(text[h[1]:end], " "))
		if body == "" {
			continue
		}

		switch {
		case strings.Contains(body, "空闲"):
			idle[idx] = true
		case ContainsAny(body, abnormalKeywords...):
			abnormal[idx] = true
		case remainingRE.MatchString(body):
			if d, ok := remaining(body); ok && (st.MinRemaining == 0 || d < st.MinRemaining) {
				st.MinRemaining = d
			}
		case ContainsAny(body, collectableKeywords...):
			collectable[idx] = true
		}
	}

	st.Idle = sortedKeys(idle)
	st.Abnormal = sortedKeys(abnormal)
	st.Collectable = sortedKeys(collectable)
	return st
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
