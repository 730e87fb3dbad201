package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultModel = "mock-default"
	notesFile    = "AGENT_NOTES.md"
)

// scenario is what one run of the mock agent does.
type scenario struct {
	task     string
	exitCode int
	sleep    time.Duration
	silent   bool
	partial  bool
	failure  string
}

// parseScenario interprets leading slash commands in the prompt:
//
//	/error            report an error result and exit 1
//	/exit N           exit with code N after the normal run
//	/slow DURATION    announce work, then wait DURATION
//	/silent DURATION  print nothing, then wait DURATION
//	/partial          stop after a progress message without a result
//
// Commands may be chained; the remaining text is the task.
func parseScenario(prompt string) scenario {
	var sc scenario
	fields := strings.Fields(prompt)
	i := 0
	for i < len(fields) && strings.HasPrefix(fields[i], "/") {
		cmd := fields[i]
		i++
		switch cmd {
		case "/partial":
			sc.partial = true
		case "/error":
			sc.failure = "Simulated failure"
			sc.exitCode = 1
		case "/exit":
			if i < len(fields) {
				if n, err := strconv.Atoi(fields[i]); err == nil {
					sc.exitCode = n
					i++
				}
			}
		case "/slow", "/silent":
			sc.silent = cmd == "/silent"
			if i < len(fields) {
				if d, err := time.ParseDuration(fields[i]); err == nil {
					sc.sleep = d
					i++
				}
			}
		default:
			i--
			sc.task = strings.Join(fields[i:], " ")
			return sc
		}
	}
	sc.task = strings.Join(fields[i:], " ")
	if sc.task == "" {
		sc.task = "(no task)"
	}
	return sc
}

// delayRange returns the min and max pause in milliseconds between
// messages for a model name.
func delayRange(model string) (int, int) {
	switch model {
	case "mock-fast":
		return 10, 50
	case "mock-slow":
		return 500, 3000
	default:
		return 100, 500
	}
}

// readFileSnippet reads up to maxLines lines from path.
func readFileSnippet(path string, maxLines int) string {
	f, err := os.Open(path)
	if err != nil {
		return "(file not readable)\n"
	}
	defer func() { _ = f.Close() }()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	for n := 0; n < maxLines && scanner.Scan(); n++ {
		b.WriteString(scanner.Text())
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return "\n"
	}
	return b.String()
}

func notesContent(task, readme string) string {
	return fmt.Sprintf("# Agent notes\n\nTask: %s\nModel session: %s\n\n## README excerpt\n\n%s", task, sessionID, readme)
}
