package agent

import (
	"fmt"
	"strings"

	xerrors "AgentHive/internal/errors"
	"AgentHive/internal/intent"
)

// ContentAgent 是纯内容生成类智能体的通用实现：
// 按能力选择提示词模板，计划固定为 生成 → 校验 两步。
type ContentAgent struct {
	name      string
	templates map[string]string
	order     []string
}

// NewContentAgent 创建内容智能体。templates 的键是能力名，
// 值是含 %s 占位的提示词模板，占位符由主题填充。
func NewContentAgent(name string, capabilities []string, templates map[string]string) *ContentAgent {
	return &ContentAgent{name: name, templates: templates, order: capabilities}
}

// Name 返回智能体名称。
func (a *ContentAgent) Name() string { return a.name }

// Capabilities 返回声明的能力列表。
func (a *ContentAgent) Capabilities() []string {
	return append([]string(nil), a.order...)
}

// CreatePlan 为内容生成意图制定计划。
func (a *ContentAgent) CreatePlan(it *intent.Intent, wctx map[string]any) (*Plan, error) {
	template, ok := a.templates[it.Label]
	if !ok {
		return nil, xerrors.New(CodePlanningError, a.name+" 不支持意图: "+it.Label)
	}
	topic := strings.TrimSpace(it.Params["topic"])
	if topic == "" {
		return nil, xerrors.New(CodePlanningError, "意图缺少主题: "+it.Label)
	}

	prompt := fmt.Sprintf(template, topic)
	if tone := it.Params["tone"]; tone != "" {
		prompt += fmt.Sprintf(" Use a %s tone.", tone)
	}

	steps := []*Step{
		{
			Name:   "generate",
			Kind:   StepGenerateContent,
			Prompt: prompt,
			Params: map[string]string{"max_tokens": "1200"},
			Status: StepPending,
		},
		{
			Name:   "review",
			Kind:   StepReviewContent,
			Params: map[string]string{"max_length": "0"},
			Status: StepPending,
		},
	}
	return &Plan{Agent: a.name, Label: it.Label, Steps: steps}, nil
}

// NewResearchAgent 创建调研智能体。
func NewResearchAgent() *ContentAgent {
	return NewContentAgent("research",
		[]string{"web_research", "create_report"},
		map[string]string{
			"web_research":  "Research the topic %s. Summarise the key facts, recent developments and open questions in a structured brief.",
			"create_report": "Write a structured report about %s with sections for summary, findings and recommendations.",
		})
}

// NewFinanceAgent 创建财经智能体。
func NewFinanceAgent() *ContentAgent {
	return NewContentAgent("finance",
		[]string{"analyze_market", "research_stocks"},
		map[string]string{
			"analyze_market":  "Analyse the current market situation for %s. Cover recent trends, risks and a short outlook. This is not financial advice.",
			"research_stocks": "Research stocks related to %s. List notable companies, their recent performance and key risks. This is not financial advice.",
		})
}

// NewHealthAgent 创建健康智能体。
func NewHealthAgent() *ContentAgent {
	return NewContentAgent("health",
		[]string{"create_workout", "meal_planning"},
		map[string]string{
			"create_workout": "Create a one-week workout plan for %s. Include warm-up, exercises with sets and reps, and rest days.",
			"meal_planning":  "Create a one-week meal plan for %s. Include breakfast, lunch and dinner with simple recipes.",
		})
}

// NewFreelanceAgent 创建自由职业智能体。
func NewFreelanceAgent() *ContentAgent {
	return NewContentAgent("freelance",
		[]string{"find_gigs", "write_content"},
		map[string]string{
			"find_gigs":     "Suggest concrete strategies and platforms for finding freelance gigs in %s, with actionable next steps.",
			"write_content": "Write a well-structured article about %s with an engaging introduction and a clear conclusion.",
		})
}

var _ Agent = (*ContentAgent)(nil)
