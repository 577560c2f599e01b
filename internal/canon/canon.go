// Package canon turns raw log messages into canonical templates by replacing
// high-entropy tokens (PIDs, IPs, timestamps, UUIDs, paths) with typed
// placeholders. Rules are versioned: a change to any rule or its ordering
// requires a new version constant, and old versions stay callable so stored
// templates remain comparable and backfills can target a specific generation.
//
// Pure functions only. No I/O, no database.
package canon

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// Version is the current canonicalization rule version.
const Version = "v1"

// TimeLayout is the fixed-width microsecond UTC layout used everywhere a
// timestamp participates in hashing or storage. Fixed width keeps the stored
// text lexicographically ordered by instant.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// v1 rules, applied in order. Specific patterns come before generic ones so
// that structured prefixes keep their shape instead of degrading into a soup
// of generic placeholders.
var (
	// 1. UFW BLOCK fields
	ufwMAC = regexp.MustCompile(`\bMAC=([0-9a-fA-F]{2}:){5,}[0-9a-fA-F]{2}\b`)
	ufwSrc = regexp.MustCompile(`\bSRC=\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	ufwDst = regexp.MustCompile(`\bDST=\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	ufwSpt = regexp.MustCompile(`\bSPT=\d+\b`)
	ufwDpt = regexp.MustCompile(`\bDPT=\d+\b`)
	ufwLen = regexp.MustCompile(`\bLEN=\d+\b`)
	ufwID  = regexp.MustCompile(`\bID=\d+\b`)
	ufwTTL = regexp.MustCompile(`\bTTL=\d+\b`)

	// 2. Loki structured key=value logs
	lokiTS       = regexp.MustCompile(`\bts=\S+`)
	lokiCaller   = regexp.MustCompile(`\bcaller=(\w+\.go):\d+`)
	lokiDuration = regexp.MustCompile(`\bduration=\S+`)

	// 3. Shipper batch progress
	batchSending = regexp.MustCompile(`\[BATCH\] Sending \d+`)

	// 4. PAM session lines
	pamUser = regexp.MustCompile(`\bfor user \S+`)

	// 5. Cron command lines
	cronCmd = regexp.MustCompile(`\((\w+)\) CMD \((.+?)\)`)

	// 6. GIN request lines, then remaining human-form durations
	ginLog = regexp.MustCompile(
		`\[GIN\]\s*\d{4}/\d{2}/\d{2}\s*-\s*\d{2}:\d{2}:\d{2}\s*\|\s*(\d+)\s*\|\s*[\d.]+[^|]*\|\s*\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)
	humanDuration = regexp.MustCompile(`\b\d+(\.\d+)?(ms|s|m|h|us|ns)\b`)

	// 7. API prefix timestamps (ISO-ish at start of line)
	apiPrefixTS = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}[.\d]*Z?\s*`)

	// 8. Shipper PID wrapper
	shipperPID = regexp.MustCompile(`\[\s*\d+\]`)

	// 9. Generic substitutions (broadest, applied last)
	isoTimestamp = regexp.MustCompile(
		`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}([.\d]*)([+-]\d{2}:?\d{2}|Z)?`)
	uuidToken = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	longHex   = regexp.MustCompile(`\b[0-9a-fA-F]{16,}\b`)
	ipv4      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	ipv6      = regexp.MustCompile(`\b([0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{1,4}\b`)
	macAddr   = regexp.MustCompile(`\b([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}\b`)
	pidField  = regexp.MustCompile(`\bpid=\d+\b`)
	duration  = regexp.MustCompile(`\b\d+(\.\d+)?\s*(ms|s|m|h|us|ns|seconds|minutes|hours)\b`)
	largeNum  = regexp.MustCompile(`\b\d{4,}\b`)

	// 10. Path hygiene: user-scoped home directories
	homeDir = regexp.MustCompile(`(/home/)[0-9A-Za-z._-]+`)

	// 11. Whitespace collapse (also eats CR/LF; NULs become spaces first)
	whitespace = regexp.MustCompile(`\s+`)
)

func applyV1(text string) string {
	// 1. UFW BLOCK fields
	text = ufwMAC.ReplaceAllString(text, "MAC=<MAC>")
	text = ufwSrc.ReplaceAllString(text, "SRC=<IPV4>")
	text = ufwDst.ReplaceAllString(text, "DST=<IPV4>")
	text = ufwSpt.ReplaceAllString(text, "SPT=<PORT>")
	text = ufwDpt.ReplaceAllString(text, "DPT=<PORT>")
	text = ufwLen.ReplaceAllString(text, "LEN=<N>")
	text = ufwID.ReplaceAllString(text, "ID=<N>")
	text = ufwTTL.ReplaceAllString(text, "TTL=<N>")

	// 2. Loki structured logs
	text = lokiTS.ReplaceAllString(text, "ts=<TS>")
	text = lokiCaller.ReplaceAllString(text, "caller=${1}:<LINE>")
	text = lokiDuration.ReplaceAllString(text, "duration=<DUR>")

	// 3. Batch progress
	text = batchSending.ReplaceAllString(text, "[BATCH] Sending <N>")

	// 4. PAM sessions
	text = pamUser.ReplaceAllString(text, "for user <USER>")

	// 5. Cron
	text = cronCmd.ReplaceAllString(text, "(<USER>) CMD (<CMD>)")

	// 6. GIN request lines; leftover durations after the GIN skeleton
	text = ginLog.ReplaceAllString(text, "[GIN] <TS> | ${1} | <DUR> | <IPV4>")
	text = humanDuration.ReplaceAllString(text, "<DUR>")

	// 7. API prefix timestamps
	text = apiPrefixTS.ReplaceAllString(text, "<TS> ")

	// 8. Shipper PID wrapper
	text = shipperPID.ReplaceAllString(text, "[<PID>]")

	// 9. Generic substitutions
	text = isoTimestamp.ReplaceAllString(text, "<TS>")
	text = uuidToken.ReplaceAllString(text, "<UUID>")
	text = longHex.ReplaceAllString(text, "<HEX>")
	text = ipv4.ReplaceAllString(text, "<IPV4>")
	text = macAddr.ReplaceAllString(text, "<MAC>")
	text = ipv6.ReplaceAllString(text, "<IPV6>")
	text = pidField.ReplaceAllString(text, "pid=<PID>")
	text = duration.ReplaceAllString(text, "<DUR>")
	text = largeNum.ReplaceAllString(text, "<N>")

	// 10. Path hygiene
	text = homeDir.ReplaceAllString(text, "${1}<USER>")

	// 11. Turn NULs into spaces, collapse whitespace, trim
	text = strings.ReplaceAll(text, "\x00", " ")
	text = whitespace.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	return text
}

// Canonicalize normalizes a raw log message using the named rule version.
// The result is deterministic and idempotent for a given version.
func Canonicalize(text, version string) (string, error) {
	switch version {
	case "v1":
		return applyV1(text), nil
	default:
		return "", fmt.Errorf("unknown canonicalization version %q", version)
	}
}

// TemplateHash fingerprints a template identity. The version participates in
// the hash so a rule change yields a disjoint template universe instead of
// silently merging incompatible canonical forms.
func TemplateHash(service, level, version, canonicalText string) string {
	u := xxh3.Hash128([]byte(service + "|" + level + "|" + version + "|" + canonicalText))
	return fmt.Sprintf("%016x%016x", u.Hi, u.Lo)
}

// LogHash fingerprints a raw event for deduplication. Same event resubmitted
// by a retrying shipper hashes identically.
func LogHash(timestamp time.Time, service, host, message string) string {
	u := xxh3.Hash128([]byte(timestamp.UTC().Format(TimeLayout) + "|" + host + "|" + service + "|" + message))
	return fmt.Sprintf("%016x%016x", u.Hi, u.Lo)
}
