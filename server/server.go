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

// Package server exposes a classifier over HTTP, using gin.
//
// Endpoints:
//
//   - POST /classify: multipart form with the image file in the "image" field. Returns the predicted label,
//     the probabilities of each class and the time the classification took.
//   - GET /model: the model description (classifier.Info).
//   - GET /healthz: returns "OK".
package server

import (
	"bytes"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/gomlx/gender/classifier"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxImageBytes is the maximum size of an uploaded image.
const MaxImageBytes = 8 << 20

// Classifier is implemented by classifier.Classifier.
type Classifier interface {
	Classify(img image.Image) (classifier.Prediction, error)
	Info() classifier.Info
}

// APIs holds the handlers of the server.
type APIs struct {
	C Classifier
}

// HTTPError is the body of error responses.
type HTTPError struct {
	Error string `json:"error"`
}

// ClassifyResponse is the body returned by POST /classify.
type ClassifyResponse struct {
	File          string             `json:"file"`
	Bytes         int64              `json:"bytes"`
	Label         string             `json:"label"`
	Index         int                `json:"index"`
	Probabilities map[string]float32 `json:"probabilities"`
	ElapsedMs     int64              `json:"elapsed_ms"`
}

// NewRouter returns the gin engine serving the classifier.
func NewRouter(c Classifier) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.MaxMultipartMemory = MaxImageBytes

	a := &APIs{C: c}
	r.POST("/classify", a.Classify)
	r.GET("/model", a.ShowModel)
	r.GET("/healthz", a.Health)
	return r
}

// requestLogger logs each request with klog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		klog.V(1).Infof("%s %s: %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// Classify the image uploaded in the "image" form field.
func (a *APIs) Classify(c *gin.Context) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		Error(c, http.StatusBadRequest, errors.Wrap(err, "missing \"image\" file"))
		return
	}
	defer func() { _ = file.Close() }()

	var contents bytes.Buffer
	n, err := io.Copy(&contents, io.LimitReader(file, MaxImageBytes+1))
	if err != nil {
		Error(c, http.StatusBadRequest, errors.Wrap(err, "failed to read image"))
		return
	}
	if n > MaxImageBytes {
		Error(c, http.StatusRequestEntityTooLarge, errors.Errorf("image larger than %d bytes", MaxImageBytes))
		return
	}
	img, err := imaging.Decode(&contents, imaging.AutoOrientation(true))
	if err != nil {
		Error(c, http.StatusBadRequest, errors.Wrapf(err, "failed to decode image %q", header.Filename))
		return
	}

	t0 := time.Now()
	prediction, err := a.C.Classify(img)
	if err != nil {
		Error(c, http.StatusInternalServerError, err)
		return
	}
	elapsed := time.Since(t0)
	classes := a.C.Info().Classes
	probabilities := make(map[string]float32, len(classes))
	for ii, prob := range prediction.Probabilities {
		if ii < len(classes) {
			probabilities[classes[ii]] = prob
		}
	}
	c.JSON(http.StatusOK, ClassifyResponse{
		File:          header.Filename,
		Bytes:         n,
		Label:         prediction.Label,
		Index:         prediction.Index,
		Probabilities: probabilities,
		ElapsedMs:     elapsed.Milliseconds(),
	})
}

// ShowModel returns the model description.
func (a *APIs) ShowModel(c *gin.Context) {
	c.JSON(http.StatusOK, a.C.Info())
}

// Health always returns OK, once the model is loaded.
func (a *APIs) Health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// Error responds with the error in a JSON body.
func Error(c *gin.Context, status int, err error) {
	c.JSON(status, HTTPError{
		Error: err.Error(),
	})
}
