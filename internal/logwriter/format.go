package logwriter

import (
	"strings"
	"time"
)

// Stream identifies which child pipe a log line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// stderrToken is embedded in every stderr line so ReadStructuredLogs can
// bucket lines without re-parsing the full format.
const stderrToken = "[stderr]"

// FormatLine renders one on-disk log line:
// [<app-id>] [<local-timestamp>] [<stream>] <payload>\n
func FormatLine(appID string, stream Stream, payload string) string {
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	payload = strings.TrimSuffix(payload, "\n")
	return "[" + appID + "] [" + ts + "] [" + string(stream) + "] " + payload + "\n"
}

func isStderrLine(line string) bool {
	return strings.Contains(line, stderrToken)
}
