package logmux

import (
	"fmt"
	"hash/fnv"
)

// ANSI foreground colors used to distinguish sources. Red is reserved for
// stderr emphasis, so it is not part of the rotation.
var palette = []string{
	"\033[32m", // green
	"\033[33m", // yellow
	"\033[34m", // blue
	"\033[35m", // magenta
	"\033[36m", // cyan
	"\033[92m", // bright green
	"\033[94m", // bright blue
	"\033[95m", // bright magenta
	"\033[96m", // bright cyan
}

const ansiReset = "\033[0m"

// ColorFor returns the ANSI color code for a source name. The choice is a
// pure function of the name, so a process renders identically for the whole
// session regardless of start order.
func ColorFor(source string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(source))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Render formats a line as "[HH:MM:SS] name | text" with the source name
// colored. stderr lines get a red text body so failures stand out.
func Render(l Line) string {
	body := l.Text
	if l.Stream == StreamStderr {
		body = "\033[31m" + body + ansiReset
	}
	return fmt.Sprintf("[%s] %s%s%s | %s",
		l.At.Format("15:04:05"), ColorFor(l.Source), l.Source, ansiReset, body)
}

// RenderPlain formats a line without ANSI codes, for non-TTY output.
func RenderPlain(l Line) string {
	return fmt.Sprintf("[%s] %s | %s", l.At.Format("15:04:05"), l.Source, l.Text)
}
