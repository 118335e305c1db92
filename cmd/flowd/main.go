// Copyright 2024 OpenEPC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"net/http"
	_ "net/http/pprof"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/openepc/flowd/config"
	"github.com/openepc/flowd/control"
	"github.com/openepc/flowd/flowd"
	"github.com/openepc/flowd/flowd/dataplane"
	"github.com/openepc/flowd/pkg/log"
	"github.com/openepc/flowd/pkg/private/serrors"
	"github.com/openepc/flowd/private/app/launcher"
)

var globalCfg config.Config

func main() {
	application := launcher.Application{
		TOMLConfig: &globalCfg,
		ShortName:  "Flow Orchestrator",
		Main:       realMain,
	}
	application.Run()
}

func realMain(ctx context.Context) error {
	capabilities, err := globalCfg.Pipeline.CapabilitySet()
	if err != nil {
		return serrors.Wrap("reading capabilities", err)
	}

	service := &flowd.Service{
		ID:           globalCfg.General.ID,
		Capabilities: capabilities,
		Addressless:  globalCfg.Pipeline.Addressless,
		QueueSize:    globalCfg.Pipeline.QueueSize,
		Tables:       globalCfg.Pipeline.TableAssignments(),
		Stats:        dataplane.NewStats(),
		Enforcement:  dataplane.NewEnforcer("enforcement"),
		Billing:      dataplane.NewEnforcer("billing"),
		MAC:          dataplane.NewMACTable(),
		DPI:          dataplane.NewClassifier(),
		IPFIX:        dataplane.NewIPFIXTable(),
		Defaults:     dataplane.NewDefaultFlows(),
		Learners: []control.LearnController{
			dataplane.NewLearnTable("quota"),
			dataplane.NewLearnTable("vlan_learn"),
			dataplane.NewLearnTable("tunnel_learn"),
		},
		Metrics: flowd.NewMetrics(),
	}
	if err := service.Setup(ctx); err != nil {
		return serrors.Wrap("setting up service", err)
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
	}))
	service.APIServer().Register(r)

	g, errCtx := errgroup.WithContext(ctx)

	apiServer := &http.Server{
		Addr:    globalCfg.API.Addr,
		Handler: r,
	}
	log.Info("Exposing API", "addr", globalCfg.API.Addr)
	g.Go(func() error {
		defer log.HandlePanic()
		err := apiServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return serrors.Wrap("serving API", err, "addr", globalCfg.API.Addr)
		}
		return nil
	})

	var metricsServer *http.Server
	if globalCfg.Metrics.Prometheus != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/debug/", http.DefaultServeMux)
		metricsServer = &http.Server{
			Addr:    globalCfg.Metrics.Prometheus,
			Handler: mux,
		}
		log.Info("Exposing metrics", "addr", globalCfg.Metrics.Prometheus)
		g.Go(func() error {
			defer log.HandlePanic()
			err := metricsServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return serrors.Wrap("serving metrics", err,
					"addr", globalCfg.Metrics.Prometheus)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer log.HandlePanic()
		<-errCtx.Done()
		if err := apiServer.Close(); err != nil {
			return err
		}
		if metricsServer != nil {
			if err := metricsServer.Close(); err != nil {
				return err
			}
		}
		return service.Close(context.Background())
	})

	return g.Wait()
}
