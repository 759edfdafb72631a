package agent

import (
	xerrors "AgentHive/internal/errors"
	"AgentHive/internal/intent"
)

// Agent 为一类意图制定执行计划。实现必须是确定性的：
// 同一意图与上下文总是产生同一个计划。
type Agent interface {
	Name() string
	Capabilities() []string
	CreatePlan(it *intent.Intent, wctx map[string]any) (*Plan, error)
}

// Registry 维护能力到智能体的静态映射。多个智能体声明同一能力时，
// 按注册顺序取第一个，顺序即优先级。
type Registry struct {
	order  []Agent
	byName map[string]Agent
}

// NewRegistry 按给定顺序注册智能体。
func NewRegistry(agents ...Agent) *Registry {
	r := &Registry{byName: make(map[string]Agent, len(agents))}
	for _, ag := range agents {
		if ag == nil {
			continue
		}
		if _, exists := r.byName[ag.Name()]; exists {
			continue
		}
		r.order = append(r.order, ag)
		r.byName[ag.Name()] = ag
	}
	return r
}

// Select 返回第一个声明了指定能力的智能体。
func (r *Registry) Select(label string) (Agent, error) {
	for _, ag := range r.order {
		for _, cap := range ag.Capabilities() {
			if cap == label {
				return ag, nil
			}
		}
	}
	return nil, xerrors.New(CodeNoCapableAgent, "没有智能体声明能力: "+label)
}

// Get 按名称返回智能体。
func (r *Registry) Get(name string) (Agent, error) {
	ag, ok := r.byName[name]
	if !ok {
		return nil, xerrors.New(CodeNoCapableAgent, "未注册的智能体: "+name)
	}
	return ag, nil
}

// Names 返回注册顺序的智能体名称列表。
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.order))
	for _, ag := range r.order {
		names = append(names, ag.Name())
	}
	return names
}
