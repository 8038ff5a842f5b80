package domain

import "strings"

// ExtractJSONObject returns the substring of s from its first '{' to its
// last '}'. Model replies often wrap JSON in prose or code fences. When no
// braces are present s is returned unchanged so the decoder reports the error.
func ExtractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		start = 0
	}
	end := strings.LastIndexByte(s, '}')
	if end < 0 {
		end = len(s) - 1
	}
	if end < start {
		return ""
	}
	return s[start : end+1]
}
