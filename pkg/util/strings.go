package util

import "strings"

// FirstNonEmpty 返回第一个非空 (trim 后) 的字符串。
//
// 用于帧字段回落: error 帧优先 content, 其次 message。
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// Truncate 按 rune 截断字符串用于日志预览。
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "...(truncated)"
}
