// Package logging contains the structured logger shared by the
// measurement engine, the client and the traffic generator.
package logging

import (
	golog "log"
	"net/http"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/gorilla/handlers"
)

// Logger emits JSON logs on the standard error. Measurement rows are not
// logs: they go to the standard output and to the result files.
var Logger = log.Logger{
	Handler: json.New(os.Stderr),
	Level:   log.DebugLevel,
}

// MakeAccessLogHandler wraps |handler| with another handler that logs
// access to each resource on the standard output, using the combined
// access log format rather than JSON.
func MakeAccessLogHandler(handler http.Handler) http.Handler {
	return handlers.LoggingHandler(golog.Writer(), handler)
}

// RoundFields returns the fields that identify a measurement round in
// every log entry.
func RoundFields(round, middle, middleFP, exit string) log.Fields {
	return log.Fields{
		"round":     round,
		"middle":    middle,
		"middle_fp": middleFP,
		"exit":      exit,
	}
}
