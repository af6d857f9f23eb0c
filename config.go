package speedfile

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	ForeverDuration    = "2000000h"
	BusyTimeout        = 5000
	DefaultMaxFileSize = 10 * 1024 * 1024 * 1024
	DefaultContentType = "application/octet-stream"
)

type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	bs := string(b)
	if bs == "never" || bs == "infinite" {
		bs = ForeverDuration
	}
	x, err := time.ParseDuration(bs)
	if err != nil {
		return err
	}
	*d = Duration(x)
	return nil
}

// A byte count written the way people write them: "10GiB", "500 MB", "1024"
type ByteSize uint64

func (s *ByteSize) UnmarshalText(b []byte) error {
	x, err := humanize.ParseBytes(string(b))
	if err != nil {
		return err
	}
	*s = ByteSize(x)
	return nil
}

func (s ByteSize) String() string {
	return humanize.IBytes(uint64(s))
}

type Config struct {
	Listen              []string // Plaintext listen addresses (host:port)
	TLSListen           []string // TLS listen addresses
	TLSCert             string   // Certificate chain (PEM) for the TLS listeners
	TLSKey              string   // Private key (PEM) for the TLS listeners
	ListenOptional      bool     // If set, failing plaintext listeners are skipped instead of fatal
	TLSListenOptional   bool     // Same for the TLS listeners (including bad certificates)
	MaxFileSize         ByteSize // Largest size a client may request
	ContentType         string   // Content-Type of the random files
	IndexRoot           string   // Extra path (besides /) that shows the index
	IndexTemplate       string   // html/template file for the index. Built-in template if empty
	IndexSizes          []string // Sizes to list on the index page, like "10MB"
	IndexRecent         int      // Amount of recent downloads shown on the index page (needs Datapath)
	AccessLog           string   // Access log file, appended to. Disabled if empty
	Datapath            string   // Transfer history database. Disabled if empty
	Xff                 bool     // Trust X-Forwarded-For/X-Real-IP/Forwarded for client addresses
	LogRequests         bool     // Also log every request to the console
	Timeout             Duration // Timeout for rendering the index
	SendTimeout         Duration // A stream is dropped when one chunk can't be sent within this
	ShutdownGrace       Duration // How long running streams may finish on shutdown
	HeaderLimit         int      // max size of the http header
	ParseCacheSize      int      // Amount of parsed size tokens to remember
	TransferRetention   Duration // How long to keep transfer history
	MaintenanceInterval Duration // Interval between history pruning
}

func GetDefaultConfig_Toml() string {
	return fmt.Sprintf(`# Config auto-generated on %s
Listen=["0.0.0.0:5007"] # Plaintext listeners
TLSListen=[]            # TLS listeners, like ["0.0.0.0:5443"]. Need TLSCert and TLSKey
TLSCert=""              # PEM certificate (chain) file
TLSKey=""               # PEM private key file
ListenOptional=false    # Keep running if a plaintext listener can't start
TLSListenOptional=false # Keep running if a TLS listener (or its certificate) can't start
MaxFileSize="10GiB"     # Largest file a client can ask for
ContentType="application/octet-stream"
IndexRoot="/index.html" # The index is always at /, this is an extra path for it
IndexTemplate=""        # Custom html/template for the index page. Built-in one if empty
IndexRecent=10          # Recent downloads shown on the index page (from the history db)
AccessLog="access.log"  # Apache style access log. Empty to disable
Datapath="transfers.db" # Where to keep transfer history (sqlite). Empty to disable
Xff=false               # Use X-Forwarded-For etc for the client address (only behind a proxy!)
LogRequests=false       # Log every request to the console as well
Timeout="30s"           # Timeout for the index page
SendTimeout="20s"       # Drop a download when a single chunk takes longer than this to send
ShutdownGrace="10s"     # On shutdown, running downloads get this long before they're cut
HeaderLimit=100_000     # Size limit for http header (you usually don't need to change this)
ParseCacheSize=1024     # How many different file names to remember parsed sizes for
TransferRetention="720h"  # How long to keep transfer history
MaintenanceInterval="10m" # Interval between history cleanups

# Files shown on the index page
IndexSizes=["1MB", "10MB", "100MB", "1GB", "10GB", "1MiB", "10MiB", "100MiB", "1GiB"]
`, time.Now().Format(time.RFC3339))
}

// Fill in everything left empty so you can directly use the values
func (c *Config) ApplyDefaults() {
	if c.MaxFileSize == 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.ContentType == "" {
		c.ContentType = DefaultContentType
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(30 * time.Second)
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = Duration(20 * time.Second)
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = Duration(10 * time.Second)
	}
	if c.HeaderLimit == 0 {
		c.HeaderLimit = 100_000
	}
	if c.ParseCacheSize == 0 {
		c.ParseCacheSize = 1024
	}
	if c.TransferRetention == 0 {
		c.TransferRetention = Duration(720 * time.Hour)
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = Duration(10 * time.Minute)
	}
	if c.IndexRoot != "" && !strings.HasPrefix(c.IndexRoot, "/") {
		c.IndexRoot = "/" + c.IndexRoot
	}
}

// Check everything we can before trying to start
func (c *Config) Validate() error {
	if len(c.Listen) == 0 && len(c.TLSListen) == 0 {
		return errors.New("no listeners configured (Listen or TLSListen)")
	}
	if len(c.TLSListen) > 0 && (c.TLSCert == "" || c.TLSKey == "") {
		return errors.New("TLSListen needs both TLSCert and TLSKey")
	}
	for _, size := range c.IndexSizes {
		if _, err := ParseSize(size+".bin", uint64(c.MaxFileSize)); err != nil {
			return errors.Wrapf(err, "bad IndexSizes entry %q", size)
		}
	}
	return nil
}

func (c *Config) OpenDb() (*sql.DB, error) {
	return sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=%d", c.Datapath, BusyTimeout))
}

func (c *Config) DbSize() (int64, error) {
	file, err := os.Open(c.Datapath)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	fileInfo, err := file.Stat()
	if err != nil {
		return 0, err
	}
	return fileInfo.Size(), nil
}
