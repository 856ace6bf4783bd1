package repeater

import (
	"strconv"
	"strings"
)

// Matcher reports whether a CLI reply has the shape expected for a pending
// command. Replies carry no correlation id, so shape is all there is.
type Matcher func(reply string) bool

// RadioMatcher accepts "freq,bw,sf,cr" style replies.
func RadioMatcher(reply string) bool {
	reply = normalizeReply(reply)
	return strings.Count(reply, ".") >= 2 && len(strings.Split(reply, ",")) >= 4
}

// NumericMatcher accepts a bare integer. With acceptOK it also accepts the
// "OK" that set commands answer with.
func NumericMatcher(acceptOK bool) Matcher {
	return func(reply string) bool {
		reply = normalizeReply(reply)
		if acceptOK && strings.EqualFold(reply, "ok") {
			return true
		}
		_, err := strconv.ParseInt(reply, 10, 64)
		return err == nil
	}
}

// TextMatcher accepts anything.
func TextMatcher(string) bool { return true }

var numericSettings = map[string]bool{
	"tx":                    true,
	"af":                    true,
	"advert.interval":       true,
	"flood.advert.interval": true,
	"flood.max":             true,
	"rxdelay":               true,
	"txdelay":               true,
	"direct.txdelay":        true,
}

// MatcherFor picks the heuristic for a CLI command line.
func MatcherFor(command string) Matcher {
	fields := strings.Fields(strings.ToLower(command))
	if len(fields) == 0 {
		return TextMatcher
	}
	switch fields[0] {
	case "set":
		return NumericMatcher(true)
	case "get":
		if len(fields) < 2 {
			return TextMatcher
		}
		if fields[1] == "radio" {
			return RadioMatcher
		}
		if numericSettings[fields[1]] {
			return NumericMatcher(false)
		}
	}
	return TextMatcher
}

// normalizeReply strips the "> " prompt repeaters prepend to CLI output.
func normalizeReply(reply string) string {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, ">")
	return strings.TrimSpace(reply)
}

func isUnknownCommand(reply string) bool {
	return strings.Contains(strings.ToLower(reply), "unknown command")
}
