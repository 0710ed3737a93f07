package driver

import "strings"

func isZH(lang string) bool {
	return strings.HasPrefix(strings.ToLower(lang), "zh")
}

// autoContinuePrompt is the diligence push body: nudge the root to keep
// working without waiting for the user.
func autoContinuePrompt(lang string) string {
	if isZH(lang) {
		return "请继续勤勉推进当前任务。若确实没有可做的事，简要说明原因后停下。"
	}
	return "Continue working diligently on the current task. If there is genuinely nothing left to do, say why briefly and stop."
}

// reminderHeading heads the pendingTellask reminder content.
func reminderHeading(lang string) string {
	if isZH(lang) {
		return "你仍在等待以下队友回复，勿重复发起相同请求："
	}
	return "You are still waiting on the following teammates; do not re-issue these requests:"
}

// callTypeLabel names a call type for the reminder list.
func callTypeLabel(ctype string, lang string) string {
	if isZH(lang) {
		switch ctype {
		case "B":
			return "会话"
		case "C":
			return "一次性"
		default:
			return "同步"
		}
	}
	switch ctype {
	case "B":
		return "session"
	case "C":
		return "one-shot"
	default:
		return "synchronous"
	}
}
