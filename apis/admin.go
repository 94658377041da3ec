// Copyright 2022 The livequery Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livequery/common"
	"github.com/alwitt/livequery/livequery"
	"github.com/apex/log"
)

// ReadinessCheck reports whether a dependency is able to serve
type ReadinessCheck interface {
	// Ready whether the dependency is ready
	Ready(ctxt context.Context) bool
}

// APIRestAdminHandler REST handler for live query server administration
type APIRestAdminHandler struct {
	goutils.RestAPIHandler
	server    livequery.LiveQueryServer
	readiness ReadinessCheck
}

// GetAPIRestAdminHandler define APIRestAdminHandler
func GetAPIRestAdminHandler(
	server livequery.LiveQueryServer,
	readiness ReadinessCheck,
	httpConfig *common.HTTPConfig,
) (APIRestAdminHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "admin",
	}
	return APIRestAdminHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		server:         server,
		readiness:      readiness,
	}, nil
}

// -----------------------------------------------------------------------

// APIRestRespStats response for the engine statistics
type APIRestRespStats struct {
	goutils.RestAPIBaseResponse
	// Stats the engine statistics
	Stats livequery.Stats `json:"stats"`
}

// GetStats godoc
// @Summary Query live query engine statistics
// @Description Number of connected clients, and subscriptions overall and per collection
// @tags Admin
// @Produce json
// @Param Livequery-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespStats "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Livequery-Request-ID "Request ID to match against logs"
// @Router /v1/admin/stats [get]
func (h APIRestAdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Stats: h.server.Stats(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestAdminHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For live query server liveness check
// @Description Will return success to indicate the server is live
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/alive [get]
func (h APIRestAdminHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestAdminHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For live query server readiness check
// @Description Will return success if the change event backbone is reachable
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/ready [get]
func (h APIRestAdminHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.readiness.Ready(r.Context()) {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestAdminHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
