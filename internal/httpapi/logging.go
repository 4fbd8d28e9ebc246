package httpapi

import (
	"bytes"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger used by the HTTP layer. Nop until SetLogger.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// loggingLineWriter logs complete NDJSON lines at debug level.
type loggingLineWriter struct {
	buf []byte
	rid string
}

func (lw *loggingLineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		if idx > 0 {
			z := zlog.Debug().Bytes("line", lw.buf[:idx])
			if lw.rid != "" {
				z = z.Str("request_id", lw.rid)
			}
			z.Msg("chat>")
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// EnvRequestLog sets the default per-request log level.
const EnvRequestLog = "FLEETLLM_HTTP_LOG"

var defaultLogLevel = func() LogLevel {
	if v, ok := os.LookupEnv(EnvRequestLog); ok {
		return parseLevel(v)
	}
	return LevelInfo
}()

// SetRequestLogLevel overrides the default per-request log level.
func SetRequestLogLevel(s string) { defaultLogLevel = parseLevel(s) }

func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// reqLog brackets one handler with start/end log lines at the request's level.
type reqLog struct {
	lvl   LogLevel
	op    string
	rid   string
	start time.Time
}

func newReqLog(r *http.Request, op string) *reqLog {
	return &reqLog{lvl: requestLogLevel(r), op: op, rid: middleware.GetReqID(r.Context()), start: time.Now()}
}

func (l *reqLog) begin(model string) {
	if l.lvl < LevelInfo {
		return
	}
	z := zlog.Info().Str("op", l.op).Str("model", model)
	if l.rid != "" {
		z = z.Str("request_id", l.rid)
	}
	z.Msg("request start")
}

func (l *reqLog) end(status int, err error) {
	var z *zerolog.Event
	switch {
	case err != nil && l.lvl >= LevelError:
		z = zlog.Error().Err(err)
	case l.lvl >= LevelInfo:
		z = zlog.Info()
	default:
		return
	}
	if l.rid != "" {
		z = z.Str("request_id", l.rid)
	}
	z.Str("op", l.op).Int("status", status).Dur("dur", time.Since(l.start)).Msg("request end")
}
