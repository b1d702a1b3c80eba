// Package cmdline parses the space-separated kernel command line the
// bootloader hands off and applies the handful of tokens the kernel
// recognizes. Today that is exactly one setting, the boot-debug flag, but
// the token-scan shape follows kernel/hal/multiboot's tag walk: unknown
// tokens are silently ignored rather than rejected.
package cmdline

import "github.com/talus-os/talus/kernel/kfmt"

// Apply scans line for recognized tokens and applies their effects. Tokens
// are separated by single spaces; unknown tokens are ignored.
//
// Recognized tokens:
//
//	boot.debug=on|off|1|0|true|false
//	bootdebug=on|off
func Apply(line string) {
	start := 0
	for i := 0; i <= len(line); i++ {
		if i == len(line) || line[i] == ' ' {
			if i > start {
				applyToken(line[start:i])
			}
			start = i + 1
		}
	}
}

func applyToken(tok string) {
	if v, ok := boolValue(tok, "boot.debug="); ok {
		kfmt.SetDebugEnabled(v)
		return
	}
	if v, ok := boolValue(tok, "bootdebug="); ok {
		kfmt.SetDebugEnabled(v)
		return
	}
}

// boolValue reports whether tok has the form prefix+value, and if so
// whether value parses as one of the recognized truthy/falsy spellings.
func boolValue(tok, prefix string) (value bool, matched bool) {
	if len(tok) <= len(prefix) || tok[:len(prefix)] != prefix {
		return false, false
	}
	switch tok[len(prefix):] {
	case "on", "1", "true":
		return true, true
	case "off", "0", "false":
		return false, true
	default:
		return false, false
	}
}
