package speedfile

import (
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
)

var (
	ErrTransferAborted = errors.New("transfer aborted")
)

// The summary of one response. Elapsed time is measured until the last write
// was accepted by the transport, which can be before the bytes actually left
// the kernel or TLS buffers, so small transfers look faster than they were.
type TransferRecord struct {
	RequestID  string
	RemoteAddr string
	Method     string
	Path       string
	Proto      string
	Status     int
	Referer    string
	UserAgent  string
	Requested  uint64 // resolved size, 0 when not a stream
	Written    uint64 // bytes accepted by the transport
	Start      time.Time
	End        time.Time
	Completed  bool
	Err        string
}

func (t *TransferRecord) Elapsed() time.Duration {
	return t.End.Sub(t.Start)
}

// Bytes per second. See the note on TransferRecord about its accuracy
func (t *TransferRecord) Speed() float64 {
	secs := t.Elapsed().Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(t.Written) / secs
}

// Something that receives finalized transfer records. Implementations must be
// safe for concurrent use.
type Sink interface {
	Record(rec *TransferRecord)
}

type SinkFunc func(rec *TransferRecord)

func (f SinkFunc) Record(rec *TransferRecord) {
	f(rec)
}

type MultiSink []Sink

func (m MultiSink) Record(rec *TransferRecord) {
	for _, s := range m {
		s.Record(rec)
	}
}

// Tracks a single response. The record is finalized exactly once, by whichever
// of Complete, Abort or Finish runs first; everything after that is ignored.
type Transfer struct {
	record  TransferRecord
	written atomic.Uint64
	done    atomic.Bool
	once    sync.Once
	sink    Sink
}

func NewTransfer(r *http.Request, requested uint64, sink Sink) *Transfer {
	t := &Transfer{
		record: TransferRecord{
			RequestID:  middleware.GetReqID(r.Context()),
			RemoteAddr: remoteHost(r.RemoteAddr),
			Method:     r.Method,
			Path:       r.URL.Path,
			Proto:      r.Proto,
			Status:     http.StatusOK,
			Referer:    r.Referer(),
			UserAgent:  r.UserAgent(),
			Requested:  requested,
			Start:      time.Now(),
		},
		sink: sink,
	}
	return t
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Only meaningful before the transfer starts writing
func (t *Transfer) SetRequested(n uint64) {
	t.record.Requested = n
}

func (t *Transfer) SetStatus(status int) {
	t.record.Status = status
}

func (t *Transfer) Written() uint64 {
	return t.written.Load()
}

func (t *Transfer) Finalized() bool {
	return t.done.Load()
}

// Write one chunk to the transport. A failed write ends the transfer and
// returns ErrTransferAborted; nothing should be written after that.
func (t *Transfer) Write(w io.Writer, chunk []byte) error {
	if t.done.Load() {
		return errors.Wrap(ErrTransferAborted, "already finalized")
	}
	n, err := w.Write(chunk)
	t.written.Add(uint64(n))
	if err != nil {
		t.Abort(err)
		return errors.Wrapf(ErrTransferAborted, "after %d bytes: %s", t.written.Load(), err)
	}
	return nil
}

func (t *Transfer) Complete() {
	t.finalize(true, nil)
}

func (t *Transfer) Abort(err error) {
	if err == nil {
		err = ErrTransferAborted
	}
	t.finalize(false, err)
}

// Finalize a response that wasn't streamed through Write (index, errors),
// using the byte count seen by the response writer.
func (t *Transfer) Finish(status int, written uint64) {
	t.once.Do(func() {
		t.record.Status = status
		t.written.Store(written)
		t.seal(true, nil)
	})
}

func (t *Transfer) finalize(completed bool, err error) {
	t.once.Do(func() {
		t.seal(completed, err)
	})
}

// Must only run inside once
func (t *Transfer) seal(completed bool, err error) {
	t.done.Store(true)
	rec := t.record
	rec.End = time.Now()
	rec.Written = t.written.Load()
	rec.Completed = completed
	if err != nil {
		rec.Err = err.Error()
	}
	if t.sink != nil {
		t.sink.Record(&rec)
	}
}
