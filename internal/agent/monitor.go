package agent

import (
	"AgentHive/internal/intent"
)

// MonitorAgent 负责系统自检：汇总任务统计并生成状态报告。
// 统计步骤不调用外部服务，由执行器从任务存储读取。
type MonitorAgent struct {
	name string
}

// NewMonitorAgent 创建监控智能体。
func NewMonitorAgent() *MonitorAgent {
	return &MonitorAgent{name: "monitor"}
}

// Name 返回智能体名称。
func (a *MonitorAgent) Name() string { return a.name }

// Capabilities 返回声明的能力列表。
func (a *MonitorAgent) Capabilities() []string {
	return []string{"system_status", "review_performance"}
}

// CreatePlan 制定统计汇总计划。
func (a *MonitorAgent) CreatePlan(it *intent.Intent, _ map[string]any) (*Plan, error) {
	steps := []*Step{
		{
			Name:   "collect",
			Kind:   StepGenerateContent,
			Params: map[string]string{"source": "stats"},
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

var _ Agent = (*MonitorAgent)(nil)
