package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/randomouscrap98/speedfile"

	"github.com/alecthomas/kingpin"
	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	configFile = kingpin.Flag("config", "path to the config file (created with defaults if missing)").
			Default("config.toml").
			Short('c').
			String()
	debug = kingpin.Flag("debug", "log at debug level (every aborted stream etc)").
		Short('d').
		Bool()
)

func must(err error) {
	if err != nil {
		logrus.Fatal(err)
	}
}

func initConfig(path string, allowRecreate bool) *speedfile.Config {
	var config speedfile.Config
	// Read the config. It's OK if it doesn't exist
	configData, err := os.ReadFile(path)
	if err != nil {
		if allowRecreate {
			configRaw := speedfile.GetDefaultConfig_Toml()
			err = os.WriteFile(path, []byte(configRaw), 0600)
			if err != nil {
				logrus.Errorf("Couldn't write default config: %s", err)
			} else {
				logrus.Infof("Generated default config at %s", path)
				return initConfig(path, false)
			}
		} else {
			logrus.Fatalf("Couldn't read config file %s: %s", path, err)
		}
	} else {
		// If the config exists, it MUST be parsable.
		err = toml.Unmarshal(configData, &config)
		must(err)
	}
	// Get all the defaults propogated
	config.ApplyDefaults()
	must(config.Validate())
	return &config
}

func maintenanceFunc(ctx context.Context, config *speedfile.Config) {
	ticker := time.NewTicker(time.Duration(config.MaintenanceInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := speedfile.PruneTransfers(time.Now().Add(-time.Duration(config.TransferRetention)), config)
			if err != nil {
				logrus.Errorf("MAINTENANCE PRUNE ERROR: %s", err)
				continue
			}
			size, err := config.DbSize()
			if err != nil {
				logrus.Warnf("Couldn't get history size: %s", err)
			}
			logrus.Infof("Maintenance deleted %d transfers, history is %s", deleted, humanize.Bytes(uint64(size)))
		}
	}
}

// Where transfer records go: console (debug), access log file, history db.
// On error everything opened so far is closed again.
func initSinks(config *speedfile.Config) (speedfile.MultiSink, func(), error) {
	sinks := speedfile.MultiSink{
		speedfile.SinkFunc(func(rec *speedfile.TransferRecord) {
			if rec.Requested > 0 {
				logrus.WithFields(speedfile.TransferFields(rec)).Debug("transfer finished")
			}
		}),
	}
	closers := make([]func() error, 0)
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logrus.Warnf("Error while closing: %s", err)
			}
		}
	}
	if config.AccessLog != "" {
		accessLog, err := speedfile.OpenFileLog(config.AccessLog)
		if err != nil {
			return nil, nil, errors.Wrap(err, "access log")
		}
		sinks = append(sinks, accessLog)
		closers = append(closers, accessLog.Close)
		logrus.Infof("Access log: %s", config.AccessLog)
	}
	if config.Datapath != "" {
		store, err := speedfile.OpenTransferStore(config)
		if err != nil {
			closeAll()
			return nil, nil, errors.Wrap(err, "transfer history")
		}
		sinks = append(sinks, store)
		closers = append(closers, store.Close)
		logrus.Infof("Transfer history: %s", config.Datapath)
	}
	return sinks, closeAll, nil
}

// Everything after the config: returns instead of exiting so the sinks are
// always closed and queued records written.
func run(ctx context.Context, config *speedfile.Config) error {
	listeners, err := speedfile.Bind(config)
	if err != nil {
		return err
	}

	sinks, closeSinks, err := initSinks(config)
	if err != nil {
		listeners.Close()
		return err
	}
	defer closeSinks()

	server, err := speedfile.NewServer(config, sinks)
	if err != nil {
		listeners.Close()
		return err
	}

	if config.Datapath != "" {
		go maintenanceFunc(ctx, config)
	}

	err = listeners.Serve(ctx, server.Handler())
	if err != nil {
		logrus.Errorf("Server stopped: %s", err)
	}

	// Aborted streams are still writing their records
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Wait(waitCtx); err != nil {
		logrus.Warnf("%d streams didn't finish in time", server.StreamsActive())
	}
	return nil
}

func main() {
	kingpin.Version(speedfile.AppVersion)
	kingpin.Parse()
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	logrus.Infof("Speedfile server version %s", speedfile.AppVersion)
	config := initConfig(*configFile, true)
	logrus.Infof("Max file size is %s, send timeout = %s",
		humanize.IBytes(uint64(config.MaxFileSize)), time.Duration(config.SendTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, config)
	stop()
	must(err)
	logrus.Info("Bye")
}
