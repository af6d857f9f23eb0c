package speedfile

import (
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
)

func createTables(t *testing.T, name string) *Config {
	config_raw := GetDefaultConfig_Toml()
	var config Config
	err := toml.Unmarshal([]byte(config_raw), &config)
	if err != nil {
		t.Fatalf("Couldn't parse config toml: %s\n", err)
	}
	config.ApplyDefaults()
	config.Datapath = filepath.Join(t.TempDir(), name+".db")
	err = CreateTables(&config)
	if err != nil {
		t.Fatalf("Couldn't create tables: %s\n", err)
	}
	return &config
}

func workingRecord(path string, completed bool) *TransferRecord {
	spec, err := ParseSize(path, 0)
	if err != nil {
		panic(err)
	}
	start := time.Now().Add(-time.Second)
	rec := &TransferRecord{
		RequestID:  "test/1",
		RemoteAddr: "10.0.0.1",
		Method:     "GET",
		Path:       "/" + path,
		Proto:      "HTTP/1.1",
		Status:     200,
		UserAgent:  "curl/8.0",
		Requested:  spec.Bytes,
		Written:    spec.Bytes,
		Start:      start,
		End:        start.Add(time.Second),
		Completed:  completed,
	}
	if !completed {
		rec.Written = spec.Bytes / 2
		rec.Err = "broken pipe"
	}
	return rec
}

func TestCreateTablesTwice(t *testing.T) {
	config := createTables(t, "twice")
	err := CreateTables(config)
	if err != nil {
		t.Fatalf("Creating tables again should be fine: %s\n", err)
	}
}

func TestEmptyStatistics(t *testing.T) {
	config := createTables(t, "emptystats")
	stats, err := GetTransferStatistics("", config)
	if err != nil {
		t.Fatalf("Couldn't get empty statistics: %s\n", err)
	}
	if stats.Count != 0 || stats.Completed != 0 || stats.Aborted != 0 || stats.TotalSize != 0 {
		t.Fatalf("Statistics supposed to be empty, got %v", stats)
	}
	recent, err := GetRecentTransfers(0, 10, config)
	if err != nil {
		t.Fatalf("Couldn't get empty recent transfers: %s\n", err)
	}
	if len(recent) != 0 {
		t.Fatalf("Recent transfers supposed to be empty!")
	}
}

func TestStoreStatistics(t *testing.T) {
	config := createTables(t, "statistics")
	store, err := OpenTransferStore(config)
	if err != nil {
		t.Fatalf("Couldn't open store: %s\n", err)
	}

	store.Record(workingRecord("10MB.bin", true))
	store.Record(workingRecord("1MB.bin", false))
	other := workingRecord("2KB.bin", true)
	other.RemoteAddr = "10.0.0.2"
	store.Record(other)
	// Not a stream, so not part of the statistics
	index := workingRecord("1B.bin", true)
	index.Path = "/"
	index.Requested = 0
	store.Record(index)

	// Close writes everything still queued
	err = store.Close()
	if err != nil {
		t.Fatalf("Couldn't close store: %s\n", err)
	}

	stats, err := GetTransferStatistics("", config)
	if err != nil {
		t.Fatalf("Couldn't get statistics: %s\n", err)
	}
	if stats.Count != 3 {
		t.Fatalf("Expected 3 transfers, got %d\n", stats.Count)
	}
	if stats.Completed != 2 || stats.Aborted != 1 {
		t.Fatalf("Expected 2 completed and 1 aborted, got %d and %d\n", stats.Completed, stats.Aborted)
	}
	if stats.TotalSize != 10_000_000+500_000+2000 {
		t.Fatalf("Wrong total size: %d\n", stats.TotalSize)
	}

	stats, err = GetTransferStatistics("10.0.0.2", config)
	if err != nil {
		t.Fatalf("Couldn't get statistics for remote: %s\n", err)
	}
	if stats.Count != 1 || stats.TotalSize != 2000 {
		t.Fatalf("Wrong statistics for single remote: %v\n", stats)
	}
}

func TestRecentTransfers(t *testing.T) {
	config := createTables(t, "recent")
	db, err := config.OpenDb()
	if err != nil {
		t.Fatalf("Couldn't open db: %s\n", err)
	}
	defer db.Close()
	for i := 1; i <= 5; i++ {
		err = InsertTransfer(workingRecord(fmt.Sprintf("%dMB.bin", i), i%2 == 0), db)
		if err != nil {
			t.Fatalf("Couldn't insert transfer: %s\n", err)
		}
	}

	recent, err := GetRecentTransfers(0, 3, config)
	if err != nil {
		t.Fatalf("Couldn't get recent transfers: %s\n", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Expected 3 transfers, got %d\n", len(recent))
	}
	if recent[0].Path != "/5MB.bin" || recent[2].Path != "/3MB.bin" {
		t.Fatalf("Transfers not newest first: %s, %s\n", recent[0].Path, recent[2].Path)
	}
	if recent[0].Completed || recent[0].Written != 2_500_000 || recent[0].Err != "broken pipe" {
		t.Fatalf("Aborted transfer didn't come back right: %v\n", recent[0])
	}
	if !recent[1].Completed || recent[1].Requested != 4_000_000 {
		t.Fatalf("Completed transfer didn't come back right: %v\n", recent[1])
	}
	if recent[1].Elapsed() != time.Second {
		t.Fatalf("Expected elapsed to survive storage, got %s\n", recent[1].Elapsed())
	}

	recent, err = GetRecentTransfers(1, 3, config)
	if err != nil {
		t.Fatalf("Couldn't get second page: %s\n", err)
	}
	if len(recent) != 2 || recent[1].Path != "/1MB.bin" {
		t.Fatalf("Second page wrong: %v\n", recent)
	}
}

func TestPruneTransfers(t *testing.T) {
	config := createTables(t, "prune")
	db, err := config.OpenDb()
	if err != nil {
		t.Fatalf("Couldn't open db: %s\n", err)
	}
	defer db.Close()

	for i := 0; i < 4; i++ {
		rec := workingRecord("1MB.bin", true)
		if i < 3 {
			rec.Start = time.Now().Add(-48 * time.Hour)
			rec.End = rec.Start.Add(time.Second)
		}
		err = InsertTransfer(rec, db)
		if err != nil {
			t.Fatalf("Couldn't insert transfer: %s\n", err)
		}
	}

	deleted, err := PruneTransfers(time.Now().Add(-24*time.Hour), config)
	if err != nil {
		t.Fatalf("Couldn't prune: %s\n", err)
	}
	if deleted != 3 {
		t.Fatalf("Expected to prune 3, pruned %d\n", deleted)
	}
	stats, err := GetTransferStatistics("", config)
	if err != nil {
		t.Fatalf("Couldn't get statistics: %s\n", err)
	}
	if stats.Count != 1 {
		t.Fatalf("Expected 1 transfer left, got %d\n", stats.Count)
	}
}

func TestStoreConcurrent(t *testing.T) {
	config := createTables(t, "concurrent")
	store, err := OpenTransferStore(config)
	if err != nil {
		t.Fatalf("Couldn't open store: %s\n", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				store.Record(workingRecord("1KB.bin", true))
			}
		}()
	}
	wg.Wait()
	err = store.Close()
	if err != nil {
		t.Fatalf("Couldn't close store: %s\n", err)
	}
	// Anything after close is ignored, not a panic
	store.Record(workingRecord("1KB.bin", true))
	err = store.Close()
	if err != nil {
		t.Fatalf("Closing twice should be fine: %s\n", err)
	}

	stats, err := GetTransferStatistics("", config)
	if err != nil {
		t.Fatalf("Couldn't get statistics: %s\n", err)
	}
	if stats.Count != 160 {
		t.Fatalf("Expected 160 transfers, got %d\n", stats.Count)
	}
}

func TestIndexShowsStatistics(t *testing.T) {
	config := createTables(t, "indexstats")
	config.Listen = []string{"127.0.0.1:0"}
	db, err := config.OpenDb()
	if err != nil {
		t.Fatalf("Couldn't open db: %s\n", err)
	}
	err = InsertTransfer(workingRecord("10MB.bin", true), db)
	db.Close()
	if err != nil {
		t.Fatalf("Couldn't insert transfer: %s\n", err)
	}

	server, err := NewServer(config, nil)
	if err != nil {
		t.Fatalf("Couldn't create server: %s\n", err)
	}
	data := server.getIndexData(httptest.NewRequest("GET", "/", nil))
	stats, ok := data["statistics"].(*TransferStatistics)
	if !ok {
		t.Fatalf("Index data has no statistics: %v\n", data)
	}
	if stats.Count != 1 || stats.TotalSize != 10_000_000 {
		t.Fatalf("Wrong index statistics: %v\n", stats)
	}
}

func TestIndexShowsRecentTransfers(t *testing.T) {
	config := createTables(t, "indexrecent")
	config.IndexRecent = 2
	db, err := config.OpenDb()
	if err != nil {
		t.Fatalf("Couldn't open db: %s\n", err)
	}
	for i, name := range []string{"1MB.bin", "2MB.bin", "3MB.bin"} {
		err = InsertTransfer(workingRecord(name, i != 2), db)
		if err != nil {
			t.Fatalf("Couldn't insert transfer: %s\n", err)
		}
	}
	db.Close()

	server, err := NewServer(config, nil)
	if err != nil {
		t.Fatalf("Couldn't create server: %s\n", err)
	}
	data := server.getIndexData(httptest.NewRequest("GET", "/", nil))
	recent, ok := data["recent"].([]*TransferRecord)
	if !ok {
		t.Fatalf("Index data has no recent transfers: %v\n", data)
	}
	if len(recent) != 2 || recent[0].Path != "/3MB.bin" {
		t.Fatalf("Expected the 2 newest transfers, got %v\n", recent)
	}

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	body := w.Body.String()
	for _, expected := range []string{"Recent downloads", "/3MB.bin", "/2MB.bin", "cut short", "1.5 MB/s", "2.0 MB/s"} {
		if !strings.Contains(body, expected) {
			t.Fatalf("Index page is missing %q:\n%s\n", expected, body)
		}
	}
	if strings.Contains(body, "/1MB.bin</td>") {
		t.Fatalf("Index page shows more recent transfers than configured\n")
	}

	config.IndexRecent = 0
	data = server.getIndexData(httptest.NewRequest("GET", "/", nil))
	if _, ok := data["recent"]; ok {
		t.Fatalf("Recent transfers shown even though they're disabled\n")
	}
}
