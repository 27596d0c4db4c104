// Package parse turns raw game replies into typed snapshots. Every parser is conservative and
// keyword driven: unrelated text yields a nil snapshot or ok=false, never an error.
package parse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	minutesRE = regexp.MustCompile(`(\d+)\s*分钟`)
	secondsRE = regexp.MustCompile(`(\d+)\s*秒`)
	hoursRE   = regexp.MustCompile(`(\d+)\s*小时`)
	daysRE    = regexp.MustCompile(`(\d+)\s*天`)

	remainingRE = regexp.MustCompile(`[（(]\s*剩余\s*[:：]\s*([^)）]+?)\s*[)）]`)
	chuangongRE = regexp.MustCompile(`今日已传功\s*(\d+)\s*/\s*(\d+)\s*次`)
)

func pick(re *regexp.Regexp, text string) int {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// ContainsAny reports whether text contains at least one of the keywords.
func ContainsAny(text string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// BiguanCooldownMinutes extracts N from "打坐调息 N 分钟".
func BiguanCooldownMinutes(text string) (int, bool) {
	n := pick(minutesRE, text)
	return n, n > 0
}

// LingqiCooldownSeconds extracts "M分钟S秒" or "S秒" as total seconds.
func LingqiCooldownSeconds(text string) (int, bool) {
	total := pick(minutesRE, text)*60 + pick(secondsRE, text)
	return total, total > 0
}

// Duration parses "1天2小时3分钟4秒" style text; any unit may be absent.
func Duration(text string) (time.Duration, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	secs := pick(daysRE, text)*86400 + pick(hoursRE, text)*3600 + pick(minutesRE, text)*60 + pick(secondsRE, text)
	if secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// remaining returns the duration inside "(剩余: ...)" if body has one.
func remaining(body string) (time.Duration, bool) {
	m := remainingRE.FindStringSubmatch(body)
	if m == nil {
		return 0, false
	}
	return Duration(m[1])
}

// ChuangongCount extracts "今日已传功 N/M 次".
func ChuangongCount(text string) (count, total int, ok bool) {
	m := chuangongRE.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, false
	}
	c, err1 := strconv.Atoi(m[1])
	t, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return c, t, true
}
