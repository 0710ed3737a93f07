package calls

import (
	"fmt"
	"strings"
)

func isZH(lang string) bool {
	return strings.HasPrefix(strings.ToLower(lang), "zh")
}

// distillNote is appended to a fresh-boots relay so the caller synthesizes
// across rounds instead of echoing the last one.
func distillNote(lang string) string {
	if isZH(lang) {
		return "以上是多轮独立思考的全部输出。请综合提炼各轮结论，指出共识与分歧，再给出你自己的判断。"
	}
	return "The sections above are independent reasoning rounds. Distill them: identify agreements and conflicts across rounds, then state your own synthesized conclusion."
}

// fbrRoundBody builds the prompt body for fresh-boots round i of n.
func fbrRoundBody(i, n int, tellaskContent, lang string) string {
	var b strings.Builder
	if isZH(lang) {
		fmt.Fprintf(&b, "全新视角思考，第 %d/%d 轮。请采用与此前各轮不同的视角，不要重复之前轮次的结论。\n", i, n)
		if i == n {
			b.WriteString("这是最后一轮：必须提出新的角度，并为你的结论给出具体依据。\n")
		}
	} else {
		fmt.Fprintf(&b, "Fresh boots round %d/%d. Adopt a perspective distinct from every earlier round and do not repeat prior-round conclusions.\n", i, n)
		if i == n {
			b.WriteString("This is the final round: bring genuinely novel angles and concrete evidence for your conclusions.\n")
		}
	}
	b.WriteString("\n")
	b.WriteString(tellaskContent)
	return b.String()
}

// fbrRoundLabel heads one round's section in the upstream relay.
func fbrRoundLabel(i int, lang string) string {
	if isZH(lang) {
		return fmt.Sprintf("第 %d 轮：", i)
	}
	return fmt.Sprintf("Round %d:", i)
}

// declaredDeadNote is the upstream failure text when a human declares a
// subdialog dead while its caller still waits on it.
func declaredDeadNote(agentID, lang string) string {
	if isZH(lang) {
		return fmt.Sprintf("@%s 的子对话已被用户宣告终止，不会再有回复。请在没有该回复的情况下继续。", agentID)
	}
	return fmt.Sprintf("The subdialog with @%s was declared dead by the user and will never reply. Continue without that response.", agentID)
}

// q4hForwardedNote is the tool output for an accepted askHuman call.
func q4hForwardedNote(lang string) string {
	if isZH(lang) {
		return "问题已转交给人类，对话将暂停直至收到回答。"
	}
	return "Your question has been forwarded to the human. This dialog pauses until they answer."
}

// tellaskAcceptedNote is the tool output for an accepted tellask-family call.
func tellaskAcceptedNote(target string, lang string) string {
	if isZH(lang) {
		return fmt.Sprintf("已将任务转达给 @%s，对方回复到达后会注入本对话。", target)
	}
	return fmt.Sprintf("Delivered to @%s. Their response will be injected into this dialog when it arrives.", target)
}
