package speedfile

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrListenerBind  = errors.New("can't bind listener")
	ErrTLSCredential = errors.New("can't load tls credentials")
)

type Listener struct {
	net.Listener
	Address string // the real address, so port 0 shows what was picked
	TLS     bool
}

func (l *Listener) URL() string {
	if l.TLS {
		return "https://" + l.Address
	}
	return "http://" + l.Address
}

// Every listener the server runs on. Plaintext and TLS listeners all feed the
// same handler; TLS is taken off before the handler sees the request.
type Listeners struct {
	config    *Config
	list      []*Listener
	tlsConfig *tls.Config
}

// Bind every configured address. A failure is fatal unless that kind of
// listener is marked optional, and at least one listener has to work.
func Bind(config *Config) (*Listeners, error) {
	ls := &Listeners{config: config}
	fail := func(err error, optional bool) error {
		if optional {
			logrus.WithError(err).Warn("skipping optional listener")
			return nil
		}
		ls.Close()
		return err
	}

	for _, addr := range sliceDistinct(config.Listen) {
		if err := ls.bind(addr, false); err != nil {
			if err = fail(err, config.ListenOptional); err != nil {
				return nil, err
			}
		}
	}

	if len(config.TLSListen) > 0 {
		cert, err := tls.LoadX509KeyPair(config.TLSCert, config.TLSKey)
		if err != nil {
			err = errors.Wrapf(ErrTLSCredential, "%s / %s: %s", config.TLSCert, config.TLSKey, err)
			if err = fail(err, config.TLSListenOptional); err != nil {
				return nil, err
			}
		} else {
			ls.tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			for _, addr := range sliceDistinct(config.TLSListen) {
				if err := ls.bind(addr, true); err != nil {
					if err = fail(err, config.TLSListenOptional); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	if len(ls.list) == 0 {
		return nil, errors.Wrap(ErrListenerBind, "no listener could be started")
	}
	return ls, nil
}

func (ls *Listeners) bind(addr string, isTLS bool) error {
	nl, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(ErrListenerBind, "%s: %s", addr, err)
	}
	ls.list = append(ls.list, &Listener{Listener: nl, Address: nl.Addr().String(), TLS: isTLS})
	return nil
}

func (ls *Listeners) List() []*Listener {
	return ls.list
}

func (ls *Listeners) Close() error {
	var first error
	for _, l := range ls.list {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Serve the handler on every listener until ctx is done. Running requests
// then get the configured grace period; after that their contexts are
// cancelled (streams finalize as aborted) and every connection is closed.
// If a listener dies on its own the others keep serving.
func (ls *Listeners) Serve(ctx context.Context, handler http.Handler) error {
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	errorLog := logrus.StandardLogger().WriterLevel(logrus.WarnLevel)
	defer errorLog.Close()

	srv := &http.Server{
		Handler:           handler,
		MaxHeaderBytes:    ls.config.HeaderLimit,
		ReadHeaderTimeout: time.Duration(ls.config.Timeout),
		TLSConfig:         ls.tlsConfig,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ErrorLog:          log.New(errorLog, "", 0),
	}

	var g errgroup.Group
	for _, l := range ls.list {
		l := l
		g.Go(func() error {
			logrus.Infof("Listening on %s", l.URL())
			var err error
			if l.TLS {
				err = srv.ServeTLS(l, "", "")
			} else {
				err = srv.Serve(l)
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			logrus.WithError(err).Errorf("listener %s stopped", l.Address)
			return errors.Wrapf(err, "serve %s", l.Address)
		})
	}
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	grace := time.Duration(ls.config.ShutdownGrace)
	logrus.Infof("Shutting down, giving running requests %s", grace)
	graceCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(graceCtx); err != nil {
		logrus.WithError(err).Warn("grace period over, aborting running requests")
		cancelBase()
		srv.Close()
	}
	return <-done
}
