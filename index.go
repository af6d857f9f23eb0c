package speedfile

import (
	_ "embed"
	"html/template"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

const (
	AppVersion = "0.1.0"
)

//go:embed index.html
var defaultIndexTemplate string

// One file listed on the index page
type IndexSize struct {
	Name  string // as configured, like 10MB
	File  string // link target, like 10MB.bin
	Bytes uint64
}

func (s *Server) indexSizes() []IndexSize {
	result := make([]IndexSize, 0, len(s.config.IndexSizes))
	for _, name := range s.config.IndexSizes {
		file := name + ".bin"
		spec, err := s.parse(file)
		if err != nil {
			// Validate catches these at startup, but a test or library user might not call it
			logrus.WithError(err).Warnf("skipping index size %s", name)
			continue
		}
		result = append(result, IndexSize{Name: name, File: file, Bytes: spec.Bytes})
	}
	return result
}

func (s *Server) getIndexTemplate() (*template.Template, error) {
	name := "index.html"
	if s.config.IndexTemplate != "" {
		name = filepath.Base(s.config.IndexTemplate)
	}
	t := template.New(name).Funcs(template.FuncMap{
		"Bytes":    humanize.Bytes,
		"IBytes":   humanize.IBytes,
		"BytesI64": func(n int64) string { return humanize.Bytes(uint64(n)) },
		"Comma":    func(n uint64) string { return humanize.Comma(int64(n)) },
		"NiceDate": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
		"Speed": func(rec *TransferRecord) string {
			return humanize.Bytes(uint64(rec.Speed())) + "/s"
		},
		"contains": strings.Contains,
		"size": func(name string) uint64 {
			spec, err := s.parse(name)
			if err != nil {
				return 0
			}
			return spec.Bytes
		},
	})
	// A custom template is read on every request so it can be edited live
	if s.config.IndexTemplate != "" {
		return t.ParseFiles(s.config.IndexTemplate)
	}
	return t.Parse(defaultIndexTemplate)
}

// Generate the data used for the index template
func (s *Server) getIndexData(r *http.Request) map[string]any {
	data := make(map[string]any)
	errors := make([]string, 0)
	data["appversion"] = AppVersion
	data["time"] = time.Now()
	data["sizes"] = s.indexSizes()
	data["maxsize"] = uint64(s.config.MaxFileSize)
	data["active"] = s.StreamsActive()
	data["started"] = s.StreamsStarted()
	data["agent"] = strings.ToLower(StringUpTo("/", r.UserAgent()))
	data["host"] = r.Host
	data["scheme"] = "http"
	if r.TLS != nil {
		data["scheme"] = "https"
	}
	if s.config.Datapath != "" {
		statistics, err := GetTransferStatistics("", s.config)
		if err != nil {
			logrus.WithError(err).Warn("couldn't get statistics")
			errors = append(errors, "Couldn't load transfer statistics")
			statistics = &TransferStatistics{}
		}
		data["statistics"] = statistics
		if s.config.IndexRecent > 0 {
			recent, err := GetRecentTransfers(0, s.config.IndexRecent, s.config)
			if err != nil {
				logrus.WithError(err).Warn("couldn't get recent transfers")
				errors = append(errors, "Couldn't load recent downloads")
				recent = nil
			}
			data["recent"] = recent
		}
	}
	data["errors"] = errors
	return data
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.getIndexTemplate()
	if err != nil {
		logrus.WithError(err).Error("can't load template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = tmpl.Execute(w, s.getIndexData(r))
	if err != nil {
		logrus.WithError(err).Error("can't execute template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
}
