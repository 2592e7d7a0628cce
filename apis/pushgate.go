// Copyright 2021-2022 The pushgate Authors
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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/pushgate/broker"
	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/orderpush"
	"github.com/alwitt/pushgate/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

const maxRequestBodyBytes = 1 << 20

// PublishParam parameters of a REST initiated topic publish
type PublishParam struct {
	Topic       string `json:"topic"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	Payload     []byte `json:"-"`
}

// PushParam parameters of a REST initiated order event push
type PushParam struct {
	UserID string            `json:"userId"`
	Event  common.OrderEvent `json:"event"`
}

// APIRestPushgateHandler REST handler for the publish / push glue
type APIRestPushgateHandler struct {
	goutils.RestAPIHandler
	sessions  registry.ConnectionRegistry
	topics    broker.TopicBroker
	validate  *validator.Validate
	publish   common.CallFunc[PublishParam, int]
	push      common.CallFunc[PushParam, int]
	readiness []ReadinessCheck
}

// GetAPIRestPushgateHandler define APIRestPushgateHandler
func GetAPIRestPushgateHandler(
	sessions registry.ConnectionRegistry,
	topics broker.TopicBroker,
	orders orderpush.OrderEventChannel,
	httpConfig *common.HTTPConfig,
	apiConfig *common.APIConfig,
	readiness ...ReadinessCheck,
) (APIRestPushgateHandler, error) {
	if sessions == nil || topics == nil || orders == nil {
		return APIRestPushgateHandler{}, fmt.Errorf("REST handler requires registry, broker, and order channel")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "pushgate",
	}
	return APIRestPushgateHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		sessions: sessions,
		topics:   topics,
		validate: validator.New(),
		publish: common.WrapCall(
			"publish", apiConfig.CallLogging, logTags,
			func(ctxt context.Context, param PublishParam) (int, error) {
				return topics.Publish(ctxt, param.Topic, param.ContentType, param.Payload)
			},
		),
		push: common.WrapCall(
			"push-order-event", apiConfig.CallLogging, logTags,
			func(ctxt context.Context, param PushParam) (int, error) {
				return orders.Push(ctxt, param.UserID, param.Event)
			},
		),
		readiness: readiness,
	}, nil
}

// =======================================================================
// Publish / push

// APIRestRespDelivered response carrying the number of sessions reached
type APIRestRespDelivered struct {
	goutils.RestAPIBaseResponse
	// Delivered number of sessions the message was queued to
	Delivered int `json:"delivered"`
}

// -----------------------------------------------------------------------

// PublishTopic godoc
// @Summary Publish a message on a topic
// @Description Deliver the request body to every session subscribed to the topic
// @tags Pushgate
// @Accept plain
// @Produce json
// @Param Pushgate-Request-ID header string false "User provided request ID to match against logs"
// @Param topic path string true "Topic to publish on"
// @Param message body string true "Message payload"
// @Success 200 {object} APIRestRespDelivered "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/topics/{topic} [post]
func (h APIRestPushgateHandler) PublishTopic(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	topic, ok := mux.Vars(r)["topic"]
	if !ok {
		msg := "No topic provided"
		log.WithFields(localLogTags).Errorf("%s", msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := broker.ValidatePublishTopic(topic); err != nil {
		msg := "Invalid topic"
		log.WithError(err).WithFields(localLogTags).Errorf("%s", msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		msg := "Failed to read body"
		log.WithError(err).WithFields(localLogTags).Errorf("%s", msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if len(payload) == 0 {
		msg := "Empty message body"
		log.WithFields(localLogTags).Errorf("%s", msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	delivered, err := h.publish(
		r.Context(),
		PublishParam{
			Topic:       topic,
			ContentType: r.Header.Get("Content-Type"),
			Size:        len(payload),
			Payload:     payload,
		},
	)
	if err != nil {
		msg := fmt.Sprintf("Unable to publish message to %s", topic)
		log.WithError(err).WithFields(localLogTags).Errorf("%s", msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespDelivered{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Delivered: delivered,
	}
}

// PublishTopicHandler Wrapper around PublishTopic
func (h APIRestPushgateHandler) PublishTopicHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishTopic(w, r)
	}
}

// -----------------------------------------------------------------------

// PushOrder godoc
// @Summary Push an order event to a user
// @Description Deliver an order event to every open order channel of the user
// @tags Pushgate
// @Accept json
// @Produce json
// @Param Pushgate-Request-ID header string false "User provided request ID to match against logs"
// @Param userID path string true "Target user"
// @Param event body common.OrderEvent true "Order event"
// @Success 200 {object} APIRestRespDelivered "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/users/{userID}/orders [post]
func (h APIRestPushgateHandler) PushOrder(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	userID, ok := mux.Vars(r)["userID"]
	if !ok || userID == "" {
		msg := "No user ID provided"
		log.WithFields(localLogTags).Errorf("%s", msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var event common.OrderEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(&event); err != nil {
		msg := "Unable to parse order event"
		log.WithError(err).WithFields(localLogTags).Errorf("%s", msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if event.UserID != "" && event.UserID != userID {
		msg := "Order event user does not match target user"
		log.WithFields(localLogTags).Errorf("%s", msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := h.validate.Struct(&event); err != nil {
		msg := "Invalid order event"
		log.WithError(err).WithFields(localLogTags).Errorf("%s", msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	delivered, err := h.push(r.Context(), PushParam{UserID: userID, Event: event})
	if err != nil {
		msg := fmt.Sprintf("Unable to push order event to %s", userID)
		log.WithError(err).WithFields(localLogTags).Errorf("%s", msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespDelivered{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Delivered: delivered,
	}
}

// PushOrderHandler Wrapper around PushOrder
func (h APIRestPushgateHandler) PushOrderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PushOrder(w, r)
	}
}

// =======================================================================
// Session listing

// APIRestRespSessionInfo one registered session
type APIRestRespSessionInfo struct {
	// ID is the session ID
	ID string `json:"id"`
	// UserID is the authenticated user, empty for anonymous sessions
	UserID string `json:"user_id,omitempty"`
	// Transport is the session's transport kind
	Transport string `json:"transport"`
	// CreatedAt is when the session was registered
	CreatedAt time.Time `json:"created_at"`
	// LastSeen is the last inbound activity
	LastSeen time.Time `json:"last_seen"`
	// Topics is the set of subscribed topics
	Topics []string `json:"topics"`
}

// APIRestRespSessions response listing all registered sessions
type APIRestRespSessions struct {
	goutils.RestAPIBaseResponse
	// Sessions the registered sessions, ordered by ID
	Sessions []APIRestRespSessionInfo `json:"sessions"`
	// ActiveTopics number of topics with at least one subscriber
	ActiveTopics int `json:"active_topics"`
}

// ListSessions godoc
// @Summary List registered sessions
// @Description Query the connection registry and broker statistics
// @tags Pushgate
// @Produce json
// @Param Pushgate-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSessions "success"
// @Router /v1/sessions [get]
func (h APIRestPushgateHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	sessions := h.sessions.Sessions()
	resp := APIRestRespSessions{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Sessions:            make([]APIRestRespSessionInfo, 0, len(sessions)),
		ActiveTopics:        h.topics.TopicCount(),
	}
	for _, session := range sessions {
		topics := session.Topics()
		sort.Strings(topics)
		resp.Sessions = append(resp.Sessions, APIRestRespSessionInfo{
			ID:        session.ID(),
			UserID:    session.UserID(),
			Transport: string(session.Kind()),
			CreatedAt: session.CreatedAt(),
			LastSeen:  session.LastSeen(),
			Topics:    topics,
		})
	}
	sort.Slice(resp.Sessions, func(i, j int) bool {
		return resp.Sessions[i].ID < resp.Sessions[j].ID
	})
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ListSessionsHandler Wrapper around ListSessions
func (h APIRestPushgateHandler) ListSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListSessions(w, r)
	}
}

// =======================================================================
// Health

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Pushgate
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestPushgateHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestPushgateHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success once every upstream dependency is usable
// @tags Pushgate
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestPushgateHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	for _, check := range h.readiness {
		if err := check(); err != nil {
			log.WithError(err).WithFields(localLogTags).Warn("Readiness check failed")
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestPushgateHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
