package logutil

import (
    "encoding/json"
    "fmt"
    "log"
    "os"
    "strings"
    "sync/atomic"
    "time"
)

var (
    jsonMode  atomic.Bool
    debugMode atomic.Bool
)

func init() {
    if os.Getenv("STORECLUSTER_LOG_JSON") == "1" || os.Getenv("STORECLUSTER_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
    if os.Getenv("STORECLUSTER_LOG_DEBUG") == "1" {
        debugMode.Store(true)
    }
}

func SetJSON(enabled bool)  { jsonMode.Store(enabled) }
func SetDebug(enabled bool) { debugMode.Store(enabled) }

// Named returns a logger sharing l's writer and flags whose lines are tagged
// with the given component. The tag is rendered as a "[component] " prefix in
// text mode and as the "component" field in JSON mode.
func Named(l *log.Logger, component string) *log.Logger {
    if l == nil { l = log.Default() }
    return log.New(l.Writer(), "["+component+"] ", l.Flags()|log.Lmsgprefix)
}

func Debugf(l *log.Logger, f string, args ...any) {
    if !debugMode.Load() { return }
    logf(l, "debug", f, args...)
}
func Infof(l *log.Logger, f string, args ...any)  { logf(l, "info", f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, "warn", f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, "error", f, args...) }

func logf(l *log.Logger, level, f string, args ...any) {
    if l == nil { l = log.Default() }
    msg := fmt.Sprintf(f, args...)
    component := componentOf(l)
    if jsonMode.Load() {
        evt := map[string]any{
            "ts":    time.Now().UTC().Format(time.RFC3339Nano),
            "level": level,
            "msg":   msg,
        }
        if component != "" { evt["component"] = component }
        b, _ := json.Marshal(evt)
        // bypass the component prefix so each line stays valid JSON
        log.New(l.Writer(), "", 0).Println(string(b))
        return
    }
    l.Output(3, strings.ToUpper(level)+" "+msg)
}

func componentOf(l *log.Logger) string {
    p := l.Prefix()
    if strings.HasPrefix(p, "[") && strings.HasSuffix(p, "] ") {
        return p[1 : len(p)-2]
    }
    return ""
}
