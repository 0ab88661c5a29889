package gatherer

import (
	"regexp"
	"strings"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// intentRules are checked in order; the first match decides the task type.
var intentRules = []struct {
	taskType core.TaskType
	pattern  *regexp.Regexp
}{
	{core.TaskComparison, regexp.MustCompile(`(?i)\b(compare|comparison|versus|vs\.?)\b|比較|比べて`)},
	{core.TaskMonitoring, regexp.MustCompile(`(?i)\b(monitor|track|watch)\b|監視|モニタリング|ウォッチ|追跡|動向を追`)},
	{core.TaskVisualization, regexp.MustCompile(`(?i)\b(visuali[sz]e|chart|graph|plot)\b|可視化|グラフ|図にして`)},
	{core.TaskAnalysis, regexp.MustCompile(`(?i)\b(analy[sz]e|analysis|evaluate|assess)\b|分析|評価して|解析`)},
	{core.TaskGeneration, regexp.MustCompile(`(?i)\b(write|draft|generate|compose)\b|書いて|作成して|生成して`)},
	{core.TaskResearch, regexp.MustCompile(`(?i)\b(research|investigate|look into|find out|summari[sz]e|report on|study)\b|調べて|調査|リサーチ|まとめて|教えて`)},
}

// Detect reports whether text is a qualifying task request and its task type.
func Detect(text string) (bool, core.TaskType) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, ""
	}
	for _, r := range intentRules {
		if r.pattern.MatchString(text) {
			return true, r.taskType
		}
	}
	return false, ""
}
