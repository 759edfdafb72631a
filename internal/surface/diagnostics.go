package surface

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"AgentHive/pkg/logger"
)

// Diagnostics 在平台操作失败时收集现场：截图、页面 HTML 与控制台日志。
// 全部是尽力而为，收集失败只记录日志，不影响错误上报主流程。
type Diagnostics struct {
	dir string
	log *slog.Logger
}

// NewDiagnostics 创建诊断收集器。dir 为空时收集被禁用。
func NewDiagnostics(dir string) *Diagnostics {
	return &Diagnostics{dir: dir, log: logger.Named("surface.diagnostics")}
}

// Capture 为一次失败保存诊断包，返回包目录路径。
// screenshot 负责把截图写到给定路径，可以为 nil。
func (d *Diagnostics) Capture(taskID string, screenshot func(path string) error, html string, console []string) string {
	if d == nil || d.dir == "" {
		return ""
	}
	stamp := time.Now().Format("20060102T150405")
	bundle := filepath.Join(d.dir, sanitize(taskID)+"_"+stamp)
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		d.log.Warn("创建诊断目录失败", slog.Any("error", err))
		return ""
	}

	if screenshot != nil {
		if err := screenshot(filepath.Join(bundle, "page.png")); err != nil {
			d.log.Warn("保存截图失败", slog.String("task_id", taskID), slog.Any("error", err))
		}
	}
	if html != "" {
		if err := os.WriteFile(filepath.Join(bundle, "page.html"), []byte(html), 0o644); err != nil {
			d.log.Warn("保存页面 HTML 失败", slog.String("task_id", taskID), slog.Any("error", err))
		}
	}
	if len(console) > 0 {
		content := strings.Join(console, "\n") + "\n"
		if err := os.WriteFile(filepath.Join(bundle, "console.log"), []byte(content), 0o644); err != nil {
			d.log.Warn("保存控制台日志失败", slog.String("task_id", taskID), slog.Any("error", err))
		}
	}
	return bundle
}

func sanitize(part string) string {
	part = strings.TrimSpace(strings.ToLower(part))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, part)
}
