package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
)

// EnvLogLevel names the environment variable consulted when no level is given.
const EnvLogLevel = "OFFLINE_AGENT_LOG"

// InitLogger sets up apex/log with a CustomHandler writing to stderr. An empty
// level falls back to OFFLINE_AGENT_LOG, then to INFO.
func InitLogger(level string) error {
	if level == "" {
		level = os.Getenv(EnvLogLevel)
	}
	if level == "" {
		level = "INFO"
	}
	parsed, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetHandler(NewCustomHandler(os.Stderr))
	log.SetLevel(parsed)
	return nil
}

// CustomHandler formats one line per entry: timestamp, level initial,
// message, then fields sorted by name.
type CustomHandler struct {
	mu  sync.Mutex
	out io.Writer
}

func NewCustomHandler(out io.Writer) *CustomHandler {
	return &CustomHandler{out: out}
}

// HandleLog implements the log.Handler interface
func (h *CustomHandler) HandleLog(e *log.Entry) error {
	timestamp := e.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	level := strings.ToUpper(e.Level.String())

	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %.1s %s", timestamp.Format("2006-01-02 15:04:05"), level, e.Message)
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%v", name, e.Fields[name])
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}
