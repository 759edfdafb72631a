package agent

import (
	"fmt"
	"strings"

	xerrors "AgentHive/internal/errors"
	"AgentHive/internal/intent"
)

// SocialAgent 负责社交平台的内容发布：单条帖子与话题串。
// 发布计划固定为 生成 → 校验 → 平台操作 → 核对 四步。
type SocialAgent struct {
	name string
}

// NewSocialAgent 创建社交智能体。
func NewSocialAgent() *SocialAgent {
	return &SocialAgent{name: "social"}
}

// Name 返回智能体名称。
func (a *SocialAgent) Name() string { return a.name }

// Capabilities 返回声明的能力列表。
func (a *SocialAgent) Capabilities() []string {
	return []string{"post_tweet", "post_linkedin", "create_thread"}
}

// 平台的内容长度上限
const (
	xPostLimit        = 280
	linkedinPostLimit = 3000
)

// CreatePlan 为发布意图制定计划。提示词在这里一次性生成，
// 执行阶段只消费计划，不再依赖原始指令。
func (a *SocialAgent) CreatePlan(it *intent.Intent, wctx map[string]any) (*Plan, error) {
	topic := strings.TrimSpace(it.Params["topic"])
	if topic == "" {
		return nil, xerrors.New(CodePlanningError, "发布意图缺少主题")
	}

	surface := it.Params["platform"]
	if surface == "" {
		surface = "x"
	}

	var (
		prompt   string
		maxLen   int
		maxToken int
	)
	switch it.Label {
	case "post_tweet":
		prompt = buildPostPrompt(topic, it.Params["tone"], "a single tweet", xPostLimit)
		maxLen = xPostLimit
		maxToken = 120
	case "post_linkedin":
		prompt = buildPostPrompt(topic, it.Params["tone"], "a LinkedIn post", linkedinPostLimit)
		maxLen = linkedinPostLimit
		maxToken = 700
	case "create_thread":
		prompt = fmt.Sprintf(
			"Write a thread of 3 to 5 short posts about %s. "+
				"Each post must stand on its own and stay under %d characters. "+
				"Separate posts with a blank line. Output the posts only.",
			topic, xPostLimit)
		maxLen = 0
		maxToken = 600
	default:
		return nil, xerrors.New(CodePlanningError, "社交智能体不支持意图: "+it.Label)
	}

	// 上游步骤留下的研究材料作为生成上下文附加到提示词
	if research := stringFromContext(wctx, "content"); research != "" {
		prompt += "\n\nBackground material:\n" + research
	}

	steps := []*Step{
		{
			Name:   "generate",
			Kind:   StepGenerateContent,
			Prompt: prompt,
			Params: map[string]string{"max_tokens": fmt.Sprintf("%d", maxToken)},
			Status: StepPending,
		},
		{
			Name:   "review",
			Kind:   StepReviewContent,
			Params: map[string]string{"max_length": fmt.Sprintf("%d", maxLen)},
			Status: StepPending,
		},
		{
			Name:   "publish",
			Kind:   StepSurfaceAction,
			Params: map[string]string{"surface": surface, "action": "post"},
			Status: StepPending,
		},
		{
			Name:   "verify",
			Kind:   StepVerify,
			Status: StepPending,
		},
	}
	return &Plan{Agent: a.name, Label: it.Label, Steps: steps}, nil
}

func buildPostPrompt(topic, tone, form string, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write %s about %s.", form, topic)
	if tone != "" {
		fmt.Fprintf(&b, " Use a %s tone.", tone)
	}
	fmt.Fprintf(&b, " Keep it under %d characters. Output the text only, no quotes, no hashtags spam.", limit)
	return b.String()
}

// stringFromContext 从工作上下文读取字符串值。
func stringFromContext(wctx map[string]any, key string) string {
	if wctx == nil {
		return ""
	}
	if v, ok := wctx[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

var _ Agent = (*SocialAgent)(nil)
