// Copyright 2025-2026 The chatrelay Authors
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
	"errors"
	"net/http"

	"github.com/alwitt/chatrelay/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// ErrorDetail is the response detail in case of error
type ErrorDetail struct {
	// Code is the response code
	Code int `json:"code"`
	// Msg is an optional descriptive message
	Msg *string `json:"message,omitempty"`
	// Detail is an optional descriptive message providing additional details
	Detail *string `json:"detail,omitempty"`
	// RequiredFields lists the request fields which failed validation
	RequiredFields []string `json:"required_fields,omitempty"`
}

// StandardResponse standard REST API response
type StandardResponse struct {
	// Success indicates whether the request was successful
	Success bool `json:"success"`
	// RequestID gives the request ID to match against logs
	RequestID string `json:"request_id"`
	// Error are details in case of errors
	Error *ErrorDetail `json:"error,omitempty"`
}

// ========================================================================================

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// APIRestHandler base REST handler
type APIRestHandler struct {
	common.Component
	// requestIDHeader is the HTTP header carrying a caller provided request ID
	requestIDHeader string
	// doNotLogHeaders are request headers never echoed into logs
	doNotLogHeaders map[string]bool
}

// getAPIRestHandler define a base REST handler
func getAPIRestHandler(
	logTags log.Fields, requestLogging common.HTTPRequestLogging,
) APIRestHandler {
	offLimitHeaders := make(map[string]bool)
	for _, header := range requestLogging.DoNotLogHeaders {
		offLimitHeaders[header] = true
	}
	return APIRestHandler{
		Component:       common.Component{LogTags: logTags},
		requestIDHeader: requestLogging.RequestIDHeader,
		doNotLogHeaders: offLimitHeaders,
	}
}

// ReadRequestIDFromContext fetch the request ID recorded in a request context
func ReadRequestIDFromContext(ctxt context.Context) string {
	if param, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		return param.ID
	}
	return ""
}

// GetLogTagsForContext fetch the handler log tags merged with the request
// parameters recorded in a request context
func (h APIRestHandler) GetLogTagsForContext(ctxt context.Context) log.Fields {
	tags, err := common.UpdateLogTags(ctxt, h.LogTags)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Failed to update logtags")
		return h.LogTags
	}
	return tags
}

// GetStdRESTSuccessMsg define a standard success response
func (h APIRestHandler) GetStdRESTSuccessMsg(ctxt context.Context) StandardResponse {
	return StandardResponse{Success: true, RequestID: ReadRequestIDFromContext(ctxt)}
}

// GetStdRESTErrorMsg define a standard error response
func (h APIRestHandler) GetStdRESTErrorMsg(
	ctxt context.Context, code int, message string, detail string,
) StandardResponse {
	return StandardResponse{
		Success:   false,
		RequestID: ReadRequestIDFromContext(ctxt),
		Error:     &ErrorDetail{Code: code, Msg: &message, Detail: &detail},
	}
}

// GetStdRESTValidationErrorMsg define a standard validation error response
// naming the request fields which failed validation
func (h APIRestHandler) GetStdRESTValidationErrorMsg(
	ctxt context.Context, message string, validationErr error,
) StandardResponse {
	detail := validationErr.Error()
	resp := StandardResponse{
		Success:   false,
		RequestID: ReadRequestIDFromContext(ctxt),
		Error: &ErrorDetail{
			Code: http.StatusBadRequest, Msg: &message, Detail: &detail,
		},
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(validationErr, &fieldErrs) {
		for _, fieldErr := range fieldErrs {
			resp.Error.RequiredFields = append(resp.Error.RequiredFields, fieldErr.Field())
		}
	}
	return resp
}

// WriteRESTResponse write a REST response
func (h APIRestHandler) WriteRESTResponse(
	w http.ResponseWriter, respCode int, resp interface{}, headers map[string]string,
) error {
	w.Header().Set("Content-Type", "application/json")
	for header, value := range headers {
		w.Header().Set(header, value)
	}
	w.WriteHeader(respCode)
	if resp == nil {
		return nil
	}
	t, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err = w.Write(t); err != nil {
		return err
	}
	return nil
}

// Write logging support, used as the output of the request access logger
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// attachRequestID middleware function to attach a request ID to a API request
func (h APIRestHandler) attachRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(h.requestIDHeader)
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		// Echo the ID back so callers can match responses against logs
		rw.Header().Set(h.requestIDHeader, reqID)
		localLogTags := log.Fields{}
		for tag, value := range h.LogTags {
			localLogTags[tag] = value
		}
		localLogTags["request_id"] = reqID
		for header, values := range r.Header {
			if h.doNotLogHeaders[header] {
				continue
			}
			localLogTags[header] = values
		}
		log.WithFields(localLogTags).Debugf("Processing %s %s", r.Method, r.URL.String())
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Host: r.Host, Method: r.Method, URI: r.URL.String(),
			},
		)

		next(rw, r.WithContext(ctx))
	}
}
