// Package smstext holds the pure message helpers: SMS part calculation,
// template rendering, the compliance opt-out suffix and the STOP/START
// keyword sets used by inbound reply handling.
package smstext

import (
	"regexp"
	"strings"
)

// SMS segment sizes. GSM-7 bodies fit 160 chars in a single part and 153 per
// part when concatenated; anything with a non-ASCII rune is sent as UCS-2 at
// 70/67.
const (
	gsmSingle = 160
	gsmMulti  = 153
	ucsSingle = 70
	ucsMulti  = 67
)

// OptOutSuffix is appended to every outbound body before sending. Compliance
// requirement, not configurable.
const OptOutSuffix = " Reply STOP to opt out."

// CalculateParts returns the number of SMS parts the body will occupy.
func CalculateParts(body string) int {
	runes := []rune(body)
	length := len(runes)

	unicode := false
	for _, r := range runes {
		if r > 0x7F {
			unicode = true
			break
		}
	}

	if unicode {
		if length <= ucsSingle {
			return 1
		}
		return (length + ucsMulti - 1) / ucsMulti
	}

	if length <= gsmSingle {
		return 1
	}
	return (length + gsmMulti - 1) / gsmMulti
}

// AppendOptOut appends the mandatory opt-out suffix.
func AppendOptOut(body string) string {
	return body + OptOutSuffix
}

var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// RenderTemplate substitutes {{var}} placeholders from the variables map.
// Unknown placeholders render as empty strings.
func RenderTemplate(template string, variables map[string]string) string {
	return templateVarPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := templateVarPattern.FindStringSubmatch(match)[1]
		return variables[name]
	})
}

var stopKeywords = map[string]struct{}{
	"STOP":        {},
	"END":         {},
	"UNSUBSCRIBE": {},
	"CANCEL":      {},
	"OPT OUT":     {},
	"QUIT":        {},
	"OPTOUT":      {},
}

var startKeywords = map[string]struct{}{
	"START":     {},
	"SUBSCRIBE": {},
	"YES":       {},
	"UNSTOP":    {},
	"OPTIN":     {},
	"OPT IN":    {},
}

// IsStopKeyword reports whether an inbound body is an opt-out request.
// Matching is on the trimmed, upper-cased body.
func IsStopKeyword(body string) bool {
	_, ok := stopKeywords[strings.ToUpper(strings.TrimSpace(body))]
	return ok
}

// IsStartKeyword reports whether an inbound body is a resubscribe request.
func IsStartKeyword(body string) bool {
	_, ok := startKeywords[strings.ToUpper(strings.TrimSpace(body))]
	return ok
}
