package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cncio/grblink/config"
	"github.com/cncio/grblink/grbl"
	"github.com/cncio/grblink/telemetry"
	"github.com/cncio/grblink/transport"
)

func main() {
	cfgPath := flag.String("config", "grblink.yml", "Path to the YAML config file.")
	device := flag.String("device", "", "Serial device path, overrides the config file.")
	addr := flag.String("addr", "", "Address to bind the HTTP server to, overrides the config file.")
	flag.Parse()

	log := logrus.New()
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if *device != "" {
		cfg.Transport.Device = *device
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	var t transport.Transport
	switch cfg.Transport.Kind {
	case "serial":
		t = transport.NewSerial(cfg.Transport.Device, cfg.Transport.Baud)
	case "tcp":
		t = transport.NewTCP(cfg.Transport.Addr)
	case "websocket":
		t = transport.NewWebsocket(cfg.Transport.URL)
	}

	sess := grbl.New(t,
		grbl.WithLogger(log.WithField("component", "session")),
		grbl.WithStatusInterval(cfg.StatusInterval()),
		grbl.WithBufferSize(cfg.BufferSize),
		grbl.WithRetention(cfg.Retention()),
	)
	if err := sess.Start(); err != nil {
		log.WithError(err).Fatal("start session")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pub *telemetry.Publisher
	if cfg.Kafka.Enabled {
		pub = telemetry.NewPublisher(cfg.Kafka.Broker, cfg.Kafka.Topic, log.WithField("component", "telemetry"))
		go pub.Run(ctx, sess, cfg.StatusInterval())
	}

	api := newAPI(ctx, sess, cfg.CommandTimeout(), log.WithField("component", "api"))
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api}
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	if pub != nil {
		pub.Close()
	}
	if err := sess.Stop(); err != nil {
		log.WithError(err).Warn("session stop")
	}
}
