package surface

import (
	"context"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "AgentHive/internal/errors"
)

// Strategy 是单个定位策略：一个选择器和等待其出现的时间上限。
type Strategy struct {
	Selector string `yaml:"selector"`
	WaitMS   int    `yaml:"wait_ms"`
}

// Wait 返回策略的等待时长。
func (s Strategy) Wait() time.Duration {
	if s.WaitMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.WaitMS) * time.Millisecond
}

// SurfaceLocators 按目标名称保存该平台的定位策略列表，
// 列表按优先级排序，前面的策略先尝试。
type SurfaceLocators struct {
	Targets map[string][]Strategy `yaml:"targets"`
}

// Locators 是全部平台的定位配置。页面结构变化时只需更新配置文件，
// 不需要改代码。
type Locators struct {
	Surfaces map[string]SurfaceLocators `yaml:"surfaces"`
}

// LoadLocators 从 YAML 文件加载定位配置。
func LoadLocators(path string) (*Locators, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取定位配置失败")
	}
	return ParseLocators(data)
}

// ParseLocators 解析 YAML 定位配置。
func ParseLocators(data []byte) (*Locators, error) {
	var cfg Locators
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析定位配置失败")
	}
	return &cfg, nil
}

// StrategiesFor 返回指定平台与目标的策略列表，未配置时返回 nil。
func (l *Locators) StrategiesFor(surface, target string) []Strategy {
	if l == nil {
		return nil
	}
	s, ok := l.Surfaces[surface]
	if !ok {
		return nil
	}
	return s.Targets[target]
}

// Merge 把 other 中的配置合并进来，other 的同名目标覆盖已有配置。
func (l *Locators) Merge(other *Locators) {
	if l == nil || other == nil {
		return
	}
	if l.Surfaces == nil {
		l.Surfaces = make(map[string]SurfaceLocators)
	}
	for name, sl := range other.Surfaces {
		dst, ok := l.Surfaces[name]
		if !ok {
			dst = SurfaceLocators{Targets: make(map[string][]Strategy)}
		}
		if dst.Targets == nil {
			dst.Targets = make(map[string][]Strategy)
		}
		for target, strategies := range sl.Targets {
			dst.Targets[target] = strategies
		}
		l.Surfaces[name] = dst
	}
}

// probeFunc 尝试一个策略，命中返回 nil。
type probeFunc func(ctx context.Context, s Strategy) error

// tryStrategies 按顺序尝试策略，返回第一个命中的策略。
// 全部失败时返回 LOCATOR_NOT_FOUND，包含最后一次失败的原因。
func tryStrategies(ctx context.Context, target string, strategies []Strategy, probe probeFunc) (Strategy, error) {
	if len(strategies) == 0 {
		return Strategy{}, xerrors.New(CodeLocatorNotFound, "目标 "+target+" 没有配置定位策略")
	}
	var lastErr error
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return Strategy{}, err
		}
		if err := probe(ctx, s); err != nil {
			lastErr = err
			continue
		}
		return s, nil
	}
	return Strategy{}, xerrors.Wrap(CodeLocatorNotFound, lastErr, "目标 "+target+" 的所有定位策略均未命中")
}

// DefaultLocators 返回 x 平台的内置定位配置，作为未提供配置文件时的兜底。
func DefaultLocators() *Locators {
	return &Locators{
		Surfaces: map[string]SurfaceLocators{
			"x": {
				Targets: map[string][]Strategy{
					"login_username": {
						{Selector: `input[autocomplete="username"]`, WaitMS: 15000},
						{Selector: `input[name="text"]`, WaitMS: 5000},
					},
					"login_password": {
						{Selector: `input[name="password"]`, WaitMS: 10000},
						{Selector: `input[autocomplete="current-password"]`, WaitMS: 5000},
						{Selector: `input[data-testid="password"]`, WaitMS: 5000},
					},
					"login_verify": {
						{Selector: `input[data-testid="ocfEnterTextTextInput"]`, WaitMS: 5000},
					},
					"logged_in_marker": {
						{Selector: `[data-testid="SideNav_NewTweet_Button"]`, WaitMS: 8000},
						{Selector: `[data-testid="AppTabBar_Home_Link"]`, WaitMS: 5000},
					},
					"compose_box": {
						{Selector: `[data-testid="tweetTextarea_0"]`, WaitMS: 15000},
						{Selector: `div[role="textbox"][contenteditable="true"]`, WaitMS: 5000},
					},
					"post_button": {
						{Selector: `[data-testid="tweetButtonInline"]`, WaitMS: 5000},
						{Selector: `[data-testid="tweetButton"]`, WaitMS: 5000},
					},
				},
			},
		},
	}
}
