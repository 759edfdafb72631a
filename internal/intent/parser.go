package intent

import (
	"strings"

	xerrors "AgentHive/internal/errors"
	"AgentHive/internal/task"
)

// Intent 是自然语言指令解析后的结构化意图。
// Label 对应智能体能力表中的能力名，Params 携带提取出的参数。
type Intent struct {
	Label    string
	Params   map[string]string
	Priority task.Priority
	Simple   bool
}

// 意图解析相关错误码
const (
	// CodeIntentUnresolved 表示指令无法映射到任何已知意图。
	CodeIntentUnresolved xerrors.Code = "INTENT_UNRESOLVED"
)

func init() {
	xerrors.Register(CodeIntentUnresolved, xerrors.Attributes{
		Message:  "无法识别指令意图",
		Severity: xerrors.SeverityInfo,
	})
}

// rule 把关键词映射到意图标签，规则按声明顺序匹配，靠前者优先。
type rule struct {
	label    string
	simple   bool
	keywords []string
}

var rules = []rule{
	{label: "greeting", simple: true, keywords: []string{"hello", "hi", "hey", "good morning", "good evening", "你好"}},
	{label: "help_request", simple: true, keywords: []string{"help", "what can you do", "能做什么"}},
	{label: "system_status", simple: true, keywords: []string{"system status", "status check", "how are things"}},
	{label: "create_thread", keywords: []string{"thread"}},
	{label: "post_linkedin", keywords: []string{"linkedin"}},
	{label: "post_tweet", keywords: []string{"tweet", "twitter", "post"}},
	{label: "research_stocks", keywords: []string{"stock", "stocks"}},
	{label: "analyze_market", keywords: []string{"market", "bitcoin", "price", "investment", "invest"}},
	{label: "create_report", keywords: []string{"report"}},
	{label: "web_research", keywords: []string{"research", "study", "investigate", "analyze"}},
	{label: "create_workout", keywords: []string{"workout", "fitness", "exercise"}},
	{label: "meal_planning", keywords: []string{"meal", "nutrition", "diet"}},
	{label: "find_gigs", keywords: []string{"gig", "gigs", "freelance"}},
	{label: "review_performance", keywords: []string{"review", "performance", "optimize"}},
	{label: "write_content", keywords: []string{"write", "content", "blog", "article"}},
}

// Parser 用关键词表把指令解析为结构化意图。解析是确定性的，
// 同一条指令总是产生同一个结果。
type Parser struct{}

// NewParser 创建意图解析器。
func NewParser() *Parser { return &Parser{} }

// Parse 解析指令。无法识别时返回 INTENT_UNRESOLVED。
func (p *Parser) Parse(command string) (*Intent, error) {
	normalized := strings.ToLower(strings.TrimSpace(command))
	if normalized == "" {
		return nil, xerrors.New(CodeIntentUnresolved, "指令为空")
	}
	words := commandWords(normalized)

	for _, r := range rules {
		for _, kw := range r.keywords {
			if !matchKeyword(normalized, words, kw) {
				continue
			}
			it := &Intent{
				Label:    r.label,
				Params:   extractParams(normalized, r.label, kw),
				Priority: extractPriority(normalized),
				Simple:   r.simple,
			}
			return it, nil
		}
	}
	return nil, xerrors.New(CodeIntentUnresolved, "无法识别指令意图: "+command)
}

// commandWords 把指令拆成去掉标点的小写词表。
func commandWords(command string) map[string]bool {
	words := make(map[string]bool)
	for _, f := range strings.Fields(command) {
		words[strings.Trim(f, ".,!?:;\"'()")] = true
	}
	return words
}

// matchKeyword 单词关键词做整词匹配，短语关键词做子串匹配。
func matchKeyword(command string, words map[string]bool, kw string) bool {
	if strings.Contains(kw, " ") {
		return strings.Contains(command, kw)
	}
	return words[kw]
}

// extractParams 提取意图参数：主题、目标平台与语气。
func extractParams(command, label, keyword string) map[string]string {
	params := make(map[string]string)

	if topic := extractTopic(command, keyword); topic != "" {
		params["topic"] = topic
	}

	switch label {
	case "post_tweet", "create_thread":
		params["platform"] = "x"
	case "post_linkedin":
		params["platform"] = "linkedin"
	}

	switch {
	case strings.Contains(command, "professional"):
		params["tone"] = "professional"
	case strings.Contains(command, "casual"):
		params["tone"] = "casual"
	case strings.Contains(command, "funny") || strings.Contains(command, "humorous"):
		params["tone"] = "humorous"
	}
	return params
}

// extractTopic 取 "about" 或 "on" 之后的剩余部分作为主题；
// 没有标记词时退回到关键词之后的剩余文本，如 "research quantum computing"。
func extractTopic(command, keyword string) string {
	for _, marker := range []string{" about ", " on ", " regarding ", " 关于 "} {
		if idx := strings.Index(command, marker); idx >= 0 {
			if topic := cleanTopic(command[idx+len(marker):]); topic != "" {
				return topic
			}
		}
	}
	if idx := strings.Index(command, keyword); idx >= 0 {
		if topic := cleanTopic(command[idx+len(keyword):]); topic != "" {
			return topic
		}
	}
	return ""
}

// cleanTopic 去掉主题两端的客套与冠词。
func cleanTopic(raw string) string {
	topic := strings.TrimSpace(raw)
	topic = strings.TrimRight(topic, ".!?")
	for _, suffix := range []string{" for me", " please", " now"} {
		topic = strings.TrimSuffix(topic, suffix)
	}
	for {
		trimmed := topic
		for _, prefix := range []string{"a ", "an ", "the ", "some ", "in ", "for "} {
			trimmed = strings.TrimPrefix(trimmed, prefix)
		}
		if trimmed == topic {
			break
		}
		topic = trimmed
	}
	return strings.TrimSpace(topic)
}

// extractPriority 从指令中提取优先级提示，默认 medium。
func extractPriority(command string) task.Priority {
	switch {
	case containsAny(command, "urgent", "asap", "immediately", "right now", "紧急"):
		return task.PriorityUrgent
	case containsAny(command, "important", "high priority", "soon"):
		return task.PriorityHigh
	case containsAny(command, "whenever", "low priority", "no rush"):
		return task.PriorityLow
	default:
		return task.PriorityMedium
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
