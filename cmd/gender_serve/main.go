/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// gender_serve serves a model trained with gender_train over HTTP.
//
//	$ gender_serve -model=~/work/faces/model -addr=:8080
//	$ curl -F image=@face.jpg http://localhost:8080/classify
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gomlx/gender/classifier"
	"github.com/gomlx/gender/server"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagModel   = flag.String("model", "", "Directory of the saved model (a checkpoint directory).")
	flagAddr    = flag.String("addr", ":8080", "Address to listen on.")
	flagRelease = flag.Bool("release", true, "Run gin in release mode.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagModel == "" {
		klog.Fatal("-model must be given")
	}
	if *flagRelease {
		gin.SetMode(gin.ReleaseMode)
	}

	modelDir := must.M1(fsutil.ReplaceTildeInDir(*flagModel))
	c, err := classifier.New(backends.MustNew(), modelDir)
	if err != nil {
		klog.Fatalf("Failed to load model: %+v", err)
	}
	info := c.Info()
	klog.Infof("Loaded %q model from %q (global_step=%d), classes %q", info.Model, modelDir, info.GlobalStep, info.Classes)

	srv := &http.Server{
		Addr:    *flagAddr,
		Handler: server.NewRouter(c),
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		klog.Infof("Listening on %s", *flagAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Fatalf("Server failed: %+v", err)
		}
	}()
	<-ctx.Done()
	klog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		klog.Errorf("Shutdown failed: %+v", err)
	}
}
