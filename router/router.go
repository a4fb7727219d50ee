// Package router implements pre-routing: a heuristic classifier that
// decides whether a request needs the full multi-agent pipeline or a
// direct planner answer, plus parsing of the planner's explicit ROUTE
// override.
package router

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/cleoai/cleo/protocol"
)

// ── MAS_PIPELINE signal words (needs tools/files/multi-step) ──

var masSignalsZH = []string{
	"写", "创建", "生成", "构建", "编写", "运行", "执行", "搜索",
	"下载", "分析", "计算", "部署", "截图", "安装", "配置",
	"修改", "编辑", "删除", "上传", "翻译", "对比", "报告",
	"代码", "文件", "脚本", "网站", "数据库",
}

var masSignalsEN = []string{
	"write", "create", "generate", "build", "code", "file", "run",
	"execute", "search", "download", "analyze", "compute", "calculate",
	"deploy", "install", "configure", "screenshot", "browser",
	"edit", "delete", "upload", "compare", "report", "script",
	"database", "website", "translate",
}

// ── Multi-step signals (require task decomposition) ──

var multiStepSignals = []string{
	" and then ", "first ", "step 1", "步骤",
	"然后再", "接着", "首先", "第一步", "分别",
	"一方面", "另一方面", "同时",
}

// ── DIRECT_ANSWER signal words (simple knowledge Q&A) ──

var directSignalsZH = []string{
	"什么是", "解释", "定义", "描述", "介绍", "说说",
	"是什么", "怎么理解", "含义",
}

var directSignalsEN = []string{
	"what is", "explain", "define", "describe", "tell me about",
	"how does", "what does", "meaning of",
}

// ClassifyTask heuristically pre-classifies a request.
//
// DIRECT_ANSWER criteria (all must hold): single goal (no multi-step
// indicators), no tool/file/execution signals, and a knowledge-type
// question or trivial query. Everything else is MAS_PIPELINE, the
// conservative default.
func ClassifyTask(description string) protocol.RouteDecision {
	descLower := strings.ToLower(strings.TrimSpace(description))

	// Very short queries are likely simple
	if len([]rune(descLower)) < 5 {
		return protocol.RouteDirectAnswer
	}

	for _, sig := range multiStepSignals {
		if strings.Contains(descLower, sig) {
			return protocol.RouteMASPipeline
		}
	}

	for _, sig := range masSignalsZH {
		if strings.Contains(descLower, sig) {
			return protocol.RouteMASPipeline
		}
	}
	for _, sig := range masSignalsEN {
		if strings.Contains(descLower, sig) {
			return protocol.RouteMASPipeline
		}
	}

	for _, sig := range directSignalsZH {
		if strings.Contains(descLower, sig) {
			return protocol.RouteDirectAnswer
		}
	}
	for _, sig := range directSignalsEN {
		if strings.Contains(descLower, sig) {
			return protocol.RouteDirectAnswer
		}
	}

	// Question marks with short length → likely simple
	if (strings.Contains(description, "?") || strings.Contains(description, "？")) &&
		len([]rune(description)) < 50 {
		return protocol.RouteDirectAnswer
	}

	// Conservative default: don't risk missing complex tasks
	return protocol.RouteMASPipeline
}

var routeLineRE = regexp.MustCompile(`(?i)^ROUTE:\s*(\S+)`)

// ParseRouteFromOutput checks whether the planner explicitly declared
// ROUTE: DIRECT_ANSWER or ROUTE: MAS_PIPELINE. An explicit route
// supersedes the heuristic. Returns "" when no route line is present.
func ParseRouteFromOutput(plannerOutput string) protocol.RouteDecision {
	for _, line := range strings.Split(strings.TrimSpace(plannerOutput), "\n") {
		match := routeLineRE.FindStringSubmatch(strings.TrimSpace(line))
		if match == nil {
			continue
		}
		switch strings.ToUpper(match[1]) {
		case string(protocol.RouteDirectAnswer):
			return protocol.RouteDirectAnswer
		case string(protocol.RouteMASPipeline):
			return protocol.RouteMASPipeline
		default:
			slog.Warn("unrecognized route directive", "route", match[1])
		}
	}
	return ""
}
