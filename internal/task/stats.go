package task

// Stats 聚合任务状态的统计信息，供监控类查询与健康检查使用。
type Stats struct {
	Total     int                   `json:"total"`
	Active    int                   `json:"active"`
	Completed int                   `json:"completed"`
	Failed    int                   `json:"failed"`
	ByAgent   map[string]AgentStats `json:"by_agent,omitempty"`
}

// AgentStats 按智能体维度统计任务执行情况。
type AgentStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (s *Stats) observe(t *Task) {
	s.Total++
	switch t.Status {
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	default:
		s.Active++
	}
	if t.AgentName == "" {
		return
	}
	if s.ByAgent == nil {
		s.ByAgent = make(map[string]AgentStats)
	}
	agent := s.ByAgent[t.AgentName]
	agent.Total++
	switch t.Status {
	case StatusCompleted:
		agent.Completed++
	case StatusFailed:
		agent.Failed++
	}
	s.ByAgent[t.AgentName] = agent
}
