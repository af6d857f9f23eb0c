package speedfile

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const (
	ApacheTimeFormat = "02/Jan/2006:15:04:05 -0700"
	recordField      = "transfer"
)

type transferKey struct{}

// Middleware that gives every request a Transfer and finalizes it once the
// handler returns. Handlers that stream pick the transfer up with
// TransferFromContext and finalize it themselves; the call here then does nothing.
func AccessLogger(sink Sink) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			t := NewTransfer(r, 0, sink)
			ctx := context.WithValue(r.Context(), transferKey{}, t)
			next.ServeHTTP(ww, r.WithContext(ctx))
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			t.Finish(status, uint64(ww.BytesWritten()))
		})
	}
}

func TransferFromContext(ctx context.Context) *Transfer {
	t, _ := ctx.Value(transferKey{}).(*Transfer)
	return t
}

// Writes transfer records as apache style lines. The logger holds a lock for
// every entry, so concurrent records never interleave.
type FileLog struct {
	logger *logrus.Logger
	closer io.Closer
}

func NewFileLog(out io.Writer) *FileLog {
	logger := logrus.New()
	logger.Out = out
	logger.Formatter = &ApacheFormatter{}
	logger.Level = logrus.InfoLevel
	return &FileLog{logger: logger}
}

// Open (or create) the access log for appending
func OpenFileLog(path string) (*FileLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	l := NewFileLog(file)
	l.closer = file
	return l, nil
}

func (l *FileLog) Record(rec *TransferRecord) {
	l.logger.WithField(recordField, rec).Info()
}

func (l *FileLog) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// remote - - [date] "METHOD path proto" status length "referer" "agent" requested elapsed completed
type ApacheFormatter struct{}

func (f *ApacheFormatter) Format(e *logrus.Entry) ([]byte, error) {
	rec, ok := e.Data[recordField].(*TransferRecord)
	if !ok {
		return []byte(e.Message + "\n"), nil
	}
	remote := rec.RemoteAddr
	if remote == "" {
		remote = "unknown"
	}
	length := "-"
	if rec.Written > 0 {
		length = strconv.FormatUint(rec.Written, 10)
	}
	requested := "-"
	if rec.Requested > 0 {
		requested = strconv.FormatUint(rec.Requested, 10)
	}
	line := fmt.Sprintf("%s - - [%s] \"%s %s %s\" %d %s %q %q %s %.3f %t\n",
		remote, rec.Start.Format(ApacheTimeFormat), rec.Method, rec.Path, rec.Proto,
		rec.Status, length, rec.Referer, rec.UserAgent,
		requested, rec.Elapsed().Seconds(), rec.Completed)
	return []byte(line), nil
}

// Fields for logging a record to the operational log
func TransferFields(rec *TransferRecord) logrus.Fields {
	return logrus.Fields{
		"path":      rec.Path,
		"remote":    rec.RemoteAddr,
		"requested": rec.Requested,
		"written":   rec.Written,
		"elapsed":   rec.Elapsed().Round(time.Millisecond),
		"completed": rec.Completed,
	}
}
