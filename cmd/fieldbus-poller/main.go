// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ClusterCockpit/fieldbus-poller/internal/config"
	"github.com/ClusterCockpit/fieldbus-poller/internal/fanout"
	"github.com/ClusterCockpit/fieldbus-poller/internal/metrics"
	"github.com/ClusterCockpit/fieldbus-poller/internal/notifier"
	"github.com/ClusterCockpit/fieldbus-poller/internal/poller"
	"github.com/ClusterCockpit/fieldbus-poller/internal/repository"
	"github.com/ClusterCockpit/fieldbus-poller/internal/runtimeEnv"
	"github.com/ClusterCockpit/fieldbus-poller/internal/supervisor"
	"github.com/ClusterCockpit/fieldbus-poller/internal/taskmanager"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/log"
)

func main() {
	var flagConfigFile string
	var flagMigrateDB bool
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the default configuration options by those specified in `config.json`")
	flag.BoolVar(&flagMigrateDB, "migrate-db", false, "Run pending database migrations and exit")
	flag.Parse()

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("parsing './.env' file failed: %s", err.Error())
	}

	config.Init(flagConfigFile)
	log.SetLogLevel(config.Keys.LogLevel)
	log.SetLogDateTime(config.Keys.LogDate)

	if strings.HasPrefix(config.Keys.DB, "env:") {
		config.Keys.DB = os.Getenv(strings.TrimPrefix(config.Keys.DB, "env:"))
	}

	if flagMigrateDB {
		repository.MigrateDB(config.Keys.DBDriver, config.Keys.DB)
		return
	}

	repository.Connect(config.Keys.DBDriver, config.Keys.DB)
	repo := repository.GetRepository()

	collector := metrics.New()

	var nc *notifier.Notifier
	if config.Keys.Nats != nil {
		var err error
		nc, err = notifier.New(config.Keys.Nats)
		if err != nil {
			log.Fatalf("notifier init failed: %s", err.Error())
		}
	}
	defer nc.Close()

	sup := supervisor.New(config.Resolved.ConnectBackoffBase, config.Resolved.ConnectBackoffMax)
	hub := fanout.NewHub()

	engine := poller.New(repo, sup, poller.Config{
		PollInterval:  config.Resolved.PollInterval,
		OpTimeout:     config.Resolved.OpTimeout,
		BlockMaxGap:   config.Keys.BlockMaxGap,
		BlockMaxSize:  config.Keys.BlockMaxSize,
		MaxConcurrent: config.Keys.MaxConcurrentDevices,
	}, nil, hub, nc, collector)

	pruneInterval := config.Resolved.PollInterval * time.Duration(config.Keys.HistoryPruneEveryN)
	taskmgr, err := taskmanager.Start(repo, repo, nc, pruneInterval, 30*time.Second)
	if err != nil {
		log.Fatalf("taskmanager start failed: %s", err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", collector.Handler())

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		tagIDs, err := parseSubscriptionIDs(req, repo)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Warnf("websocket upgrade failed: %s", err.Error())
			return
		}
		hub.Register(conn, tagIDs)
	})

	r.Use(handlers.CompressHandler)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	logged := handlers.CustomLoggingHandler(io.Discard, r, func(_ io.Writer, params handlers.LogFormatterParams) {
		log.Debugf("%s %s (%d, %dms)", params.Request.Method, params.URL.RequestURI(),
			params.StatusCode, time.Since(params.TimeStamp).Milliseconds())
	})

	server := &http.Server{
		Addr:         config.Keys.Addr,
		Handler:      logged,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	metricsServer := &http.Server{
		Addr:    config.Keys.MetricsAddr,
		Handler: collector.Handler(),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	if err := runtimeEnv.DropPrivileges(config.Keys.User, config.Keys.Group); err != nil {
		log.Fatalf("error while changing user: %s", err.Error())
	}

	runtimeEnv.SystemdNotifiy(true, "running")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	runtimeEnv.SystemdNotifiy(false, "shutting down")
	cancel()
	server.Shutdown(context.Background())
	metricsServer.Shutdown(context.Background())
	taskmgr.Shutdown()
	wg.Wait()
	log.Info("fieldbus-poller: shutdown complete")
}

// parseSubscriptionIDs resolves the ?tags=external_id,external_id,... query
// parameter to internal tag ids before the websocket upgrade, so an
// invalid external_id fails the request with a normal HTTP error instead
// of silently subscribing to nothing.
func parseSubscriptionIDs(req *http.Request, repo *repository.Repository) ([]int64, error) {
	raw := req.URL.Query().Get("tags")
	if raw == "" {
		return nil, nil
	}

	var ids []int64
	for _, externalID := range strings.Split(raw, ",") {
		externalID = strings.TrimSpace(externalID)
		if externalID == "" {
			continue
		}
		id, err := repo.TagIDByExternalID(externalID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
