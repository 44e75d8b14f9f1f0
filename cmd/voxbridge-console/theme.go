package main

import (
	"sort"
	"strings"
)

// theme holds the ANSI prefixes for each kind of console output. Every
// printed line goes through one of these so switching themes restyles the
// whole console at once. The mono theme leaves all prefixes empty.
type theme struct {
	name string

	prompt    string
	user      string
	assistant string
	info      string
	warn      string
	alert     string
	meterLow  string
	meterHigh string
	dim       string
}

const ansiReset = "\x1b[0m"

func (t theme) paint(color, s string) string {
	if color == "" || s == "" {
		return s
	}
	return color + s + ansiReset
}

var themes = map[string]theme{
	"dark": {
		name:      "dark",
		prompt:    "\x1b[96m",
		user:      "\x1b[92m",
		assistant: "\x1b[97m",
		info:      "\x1b[90m",
		warn:      "\x1b[93m",
		alert:     "\x1b[91m",
		meterLow:  "\x1b[92m",
		meterHigh: "\x1b[91m",
		dim:       "\x1b[2m",
	},
	"light": {
		name:      "light",
		prompt:    "\x1b[34m",
		user:      "\x1b[32m",
		assistant: "\x1b[30m",
		info:      "\x1b[90m",
		warn:      "\x1b[33m",
		alert:     "\x1b[31m",
		meterLow:  "\x1b[32m",
		meterHigh: "\x1b[31m",
		dim:       "\x1b[2m",
	},
	"mono": {
		name: "mono",
	},
}

func themeByName(name string) (theme, bool) {
	t, ok := themes[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

func themeNames() []string {
	names := make([]string, 0, len(themes))
	for name := range themes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
