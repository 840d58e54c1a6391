// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/flowplane/flowplane/internal/filterschema"
	"github.com/flowplane/flowplane/internal/httpsvc"
	"github.com/flowplane/flowplane/internal/learning"
	"github.com/flowplane/flowplane/internal/metrics"
	"github.com/flowplane/flowplane/internal/openapi"
	"github.com/flowplane/flowplane/internal/platformapi"
	"github.com/flowplane/flowplane/internal/store"
	"github.com/flowplane/flowplane/internal/workgroup"
	"github.com/flowplane/flowplane/internal/xdscache"
	"github.com/flowplane/flowplane/internal/xdsserver"
)

// registerServe registers the serve subcommand and flags on app, following
// cmd/contour/serve.go's registerServe shape (a --config-path flag applied
// before the rest so CLI flags can override it).
func registerServe(app *kingpin.Application) (*kingpin.CmdClause, *serveContext) {
	ctx := newServeContext()

	serve := app.Command("serve", "Run the flowplane control plane.")

	var configFile string
	parseConfig := func(_ *kingpin.ParseContext) error {
		if configFile == "" {
			return nil
		}
		return ctx.parseConfigFile(configFile)
	}

	serve.Flag("config-path", "Path to base configuration.").Short('c').
		PlaceHolder("/path/to/file").Action(parseConfig).ExistingFileVar(&configFile)

	serve.Flag("debug", "Enable debug logging.").Short('d').BoolVar(&ctx.Debug)

	serve.Flag("db-driver", "Database driver (pgx or sqlite).").StringVar(&ctx.DBDriver)
	serve.Flag("db-dsn", "Database connection string.").StringVar(&ctx.DBDSN)

	serve.Flag("xds-address", "xDS gRPC API address.").PlaceHolder("<ipaddr>").StringVar(&ctx.XDSAddress)
	serve.Flag("xds-port", "xDS gRPC API port.").PlaceHolder("<port>").IntVar(&ctx.XDSPort)

	serve.Flag("ca-file", "CA bundle for verifying gateway client certificates.").StringVar(&ctx.CAFile)
	serve.Flag("cert-file", "flowplane certificate file for serving gRPC over TLS.").StringVar(&ctx.CertFile)
	serve.Flag("key-file", "flowplane key file for serving gRPC over TLS.").StringVar(&ctx.KeyFile)
	serve.Flag("insecure", "Allow serving xDS without TLS.").BoolVar(&ctx.PermitInsecureGRPC)

	serve.Flag("accesslog-address", "Envoy access-log receiver address.").StringVar(&ctx.AccessLogAddress)
	serve.Flag("accesslog-port", "Envoy access-log receiver port.").IntVar(&ctx.AccessLogPort)
	serve.Flag("extproc-address", "Envoy ext_proc receiver address.").StringVar(&ctx.ExtProcAddress)
	serve.Flag("extproc-port", "Envoy ext_proc receiver port.").IntVar(&ctx.ExtProcPort)
	serve.Flag("learning-sweep-interval", "Learning session completion-check cadence.").DurationVar(&ctx.LearningSweep)

	serve.Flag("filter-schema-dir", "Directory of custom filter type schemas.").StringVar(&ctx.FilterSchemaDir)

	serve.Flag("metrics-address", "Address the metrics HTTP endpoint will bind to.").StringVar(&ctx.MetricsAddress)
	serve.Flag("metrics-port", "Port the metrics HTTP endpoint will bind to.").IntVar(&ctx.MetricsPort)

	return serve, ctx
}

// doServe wires together every component (C1-C9) and runs them side by
// side under one workgroup.Group, stopped by SIGTERM/SIGINT, following the
// lifecycle shape of cmd/contour/serve.go's Serve.doServe but with no
// Kubernetes informer caches, no leader election, and no CRD reconcilers.
func doServe(log *logrus.Logger, ctx *serveContext) error {
	background := context.Background()

	db, err := store.Open(background, store.Driver(ctx.DBDriver), ctx.DBDSN, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	cache := xdscache.New()
	refresher := xdscache.NewRefresher(db, cache)
	if err := refresher.RefreshAll(background); err != nil {
		return fmt.Errorf("priming xds cache: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	schemaRegistry, err := filterschema.New(ctx.FilterSchemaDir, log.WithField("context", "filterschema"))
	if err != nil {
		return fmt.Errorf("loading filter schema registry: %w", err)
	}

	materializer := platformapi.New(db, refresher, log.WithField("context", "platformapi"))
	_ = openapi.New(db, materializer, log.WithField("context", "openapi"))

	sup := learning.New(db, refresher, envoyExtProcClusterName, log.WithField("context", "learning"))
	sup.SetMetrics(m)

	var group workgroup.Group

	xds := xdsserver.New(cache, log.WithField("context", "xds"))
	xds.SetMetrics(m)
	if err := addGRPCServer(&group, "xds", ctx.XDSAddress, ctx.XDSPort, grpcOptions(ctx), xds.Register, log); err != nil {
		return err
	}

	als := learning.NewAccessLogService(sup, log.WithField("context", "accesslog"))
	if err := addGRPCServer(&group, "accesslog", ctx.AccessLogAddress, ctx.AccessLogPort, nil, als.Register, log); err != nil {
		return err
	}

	extproc := learning.NewExternalProcessorService(sup, log.WithField("context", "extproc"))
	if err := addGRPCServer(&group, "extproc", ctx.ExtProcAddress, ctx.ExtProcPort, nil, extproc.Register, log); err != nil {
		return err
	}

	group.AddContext(func(taskCtx context.Context) {
		if err := schemaRegistry.Watch(taskCtx); err != nil {
			log.WithError(err).WithField("context", "filterschema").Error("watching filter schema directory")
		}
	})

	group.AddContext(func(taskCtx context.Context) {
		ticker := time.NewTicker(ctx.LearningSweep)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				sup.Correlator().Sweep()
				sup.CheckCompletion(taskCtx)
				m.SetActiveLearningSessions(sup.ActiveSessionCount())
				m.SetCacheSize(cache.Stats())
			}
		}
	})

	metricssvc := httpsvc.Service{
		Addr:        ctx.MetricsAddress,
		Port:        ctx.MetricsPort,
		FieldLogger: log.WithField("context", "metricsvc"),
	}
	metricssvc.ServeMux.Handle("/metrics", metrics.Handler(registry))
	group.Add(func(stop <-chan struct{}) error {
		taskCtx, cancel := context.WithCancel(background)
		go func() {
			<-stop
			cancel()
		}()
		return metricssvc.Start(taskCtx)
	})

	group.Add(func(stop <-chan struct{}) error {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		select {
		case sig := <-c:
			log.WithField("context", "sigterm-handler").WithField("signal", sig).Info("shutting down")
		case <-stop:
		}
		return nil
	})

	log.Info("flowplane serving")
	return group.Run()
}

// envoyExtProcClusterName is the cluster name handed to learning.New; the
// learning tap manager writes it into the ext_proc HTTP filter's config as
// grpc_service_target on every listener it taps (internal/learning/taps.go).
const envoyExtProcClusterName = "flowplane_learning_extproc"

// addGRPCServer starts a gRPC server listening on host:port with opts,
// calling register to wire its services, and stops it when the group's
// stop channel closes. Grounded on cmd/contour/serve.go's setupXDSServer,
// generalized from one hard-coded xDS listener to any number of
// independently-addressed gRPC surfaces (xDS, access-log, ext_proc).
func addGRPCServer(group *workgroup.Group, name, address string, port int, opts []grpc.ServerOption, register func(*grpc.Server), log *logrus.Logger) error {
	addr := net.JoinHostPort(address, strconv.Itoa(port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening for %s on %s: %w", name, addr, err)
	}

	server := grpc.NewServer(opts...)
	register(server)

	group.Add(func(stop <-chan struct{}) error {
		entry := log.WithField("context", name).WithField("address", addr)
		entry.Info("started gRPC server")
		defer entry.Info("stopped gRPC server")

		go func() {
			<-stop
			// Envoy keeps long-lived streaming RPCs open; there is no
			// graceful way to make those fail, so force-close instead.
			server.Stop()
		}()

		return server.Serve(l)
	})
	return nil
}

// grpcOptions returns the xDS gRPC server options: a high stream limit
// (Envoy opens one EDS stream per CDS entry), keepalive tuned for
// long-lived xDS connections, and optional mTLS. Grounded on
// cmd/contour/servecontext.go's grpcOptions/tlsconfig.
func grpcOptions(ctx *serveContext) []grpc.ServerOption {
	opts := []grpc.ServerOption{
		grpc.MaxConcurrentStreams(1 << 20),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 20 * time.Second,
		}),
	}
	if !ctx.PermitInsecureGRPC {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig(ctx))))
	}
	return opts
}

// tlsConfig builds the server-side mTLS configuration that authenticates
// connecting gateways; their client certificate's SPIFFE URI SAN is how
// internal/xdsserver resolves the calling team.
func tlsConfig(ctx *serveContext) *tls.Config {
	cert, err := tls.LoadX509KeyPair(ctx.CertFile, ctx.KeyFile)
	if err != nil {
		logrus.StandardLogger().WithError(err).Fatal("loading xDS server certificate")
	}
	ca, err := os.ReadFile(ctx.CAFile)
	if err != nil {
		logrus.StandardLogger().WithError(err).Fatal("loading xDS client CA bundle")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		logrus.StandardLogger().WithField("file", ctx.CAFile).Fatal("failed to parse client CA bundle")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}
}
