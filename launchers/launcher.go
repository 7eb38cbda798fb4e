/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package launchers

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pelicanplatform/diskpool/config"
	"github.com/pelicanplatform/diskpool/metrics"
	"github.com/pelicanplatform/diskpool/param"
	"github.com/pelicanplatform/diskpool/pool"
	"github.com/pelicanplatform/diskpool/pool_errors"
)

var (
	ErrExitOnSignal error = errors.New("Exit program on signal")
	ErrRestart      error = errors.New("Restart program")
)

const webShutdownTimeout = 5 * time.Second

// newEngine returns the gin engine serving the admin API and metrics.
func newEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	webLogger := log.WithFields(log.Fields{"daemon": "gin"})
	engine.Use(func(ctx *gin.Context) {
		startTime := time.Now()

		ctx.Next()

		latency := time.Since(startTime)
		webLogger.WithFields(log.Fields{"method": ctx.Request.Method,
			"status":   ctx.Writer.Status(),
			"time":     latency.String(),
			"client":   ctx.RemoteIP(),
			"resource": ctx.Request.URL.Path},
		).Debug("Served Request")
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return engine
}

// LaunchPool starts the pool, its admin web server and the signal handler.
// Everything runs on the errgroup stored in ctx under config.EgrpKey.
func LaunchPool(ctx context.Context) (p *pool.Pool, shutdownCancel context.CancelFunc, err error) {
	egrp, ok := ctx.Value(config.EgrpKey).(*errgroup.Group)
	if !ok {
		egrp = &errgroup.Group{}
	}

	ctx, shutdownCancel = context.WithCancel(ctx)

	engine := newEngine()
	config.WatchConfig(ctx)

	if p, err = PoolServe(ctx, engine, egrp); err != nil {
		err = errors.Wrap(err, "Failure when starting the pool")
		return
	}

	addr := net.JoinHostPort(param.Server_WebHost.GetString(), strconv.Itoa(param.Server_WebPort.GetInt()))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		shutdownCancel()
		return
	}
	server := &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infoln("Starting web engine on", ln.Addr())
	egrp.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorln("Failure when running the web engine:", err)
			metrics.SetComponentHealthStatus(metrics.Server_WebUI, metrics.StatusCritical, err.Error())
			shutdownCancel()
			return err
		}
		log.Info("Web engine has shutdown")
		return nil
	})
	egrp.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), webShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	metrics.SetComponentHealthStatus(metrics.Server_WebUI, metrics.StatusOK, "")

	egrp.Go(func() error {
		log.Debug("Will shutdown process on signal")
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
		defer signal.Stop(sigs)
		for {
			select {
			case sig := <-sigs:
				if sig == syscall.SIGHUP {
					log.Warning("Received SIGHUP; will restart process")
					shutdownCancel()
					return ErrRestart
				}
				log.Warningf("Received signal %v; will shutdown process", sig)
				// Tell the pool manager before the heartbeat stops
				if sig == syscall.SIGTERM {
					p.Disable(pool_errors.CodeDefault, "Pool is shutting down", true)
				}
				shutdownCancel()
				return ErrExitOnSignal
			case <-ctx.Done():
				return nil
			}
		}
	})

	return
}
