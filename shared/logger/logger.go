// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides structured JSON logging for negotiation services.
// Every entry carries the component name, instance identity, and the client
// and request IDs of the negotiation turn being processed, so logs from
// concurrent turns can be separated downstream.
package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger emits structured log entries for one component.
type Logger struct {
	Component  string
	InstanceID string
	Container  string
}

// LogEntry is the JSON shape written to stdout.
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Container  string                 `json:"container"`
	ClientID   string                 `json:"client_id"`
	RequestID  string                 `json:"request_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the specified component.
func New(component string) *Logger {
	// Instance ID is set during deployment
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
}

// Log writes one structured entry to stdout.
func (l *Logger) Log(level LogLevel, clientID, requestID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		Container:  l.Container,
		ClientID:   clientID,
		RequestID:  requestID,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fall back to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	// Docker captures stdout
	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(clientID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, clientID, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(clientID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, clientID, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(clientID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, clientID, requestID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(clientID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, clientID, requestID, message, fields)
}

// WithRequest binds client and request IDs for the duration of one
// processing turn, so engine internals do not have to carry them.
func (l *Logger) WithRequest(clientID, requestID string) *RequestLogger {
	return &RequestLogger{base: l, clientID: clientID, requestID: requestID}
}

// RequestLogger is a Logger bound to one request's identity.
type RequestLogger struct {
	base      *Logger
	clientID  string
	requestID string
}

// Info logs an informational message for the bound request
func (r *RequestLogger) Info(message string, fields map[string]interface{}) {
	r.base.Info(r.clientID, r.requestID, message, fields)
}

// Error logs an error message for the bound request
func (r *RequestLogger) Error(message string, fields map[string]interface{}) {
	r.base.Error(r.clientID, r.requestID, message, fields)
}

// Warn logs a warning message for the bound request
func (r *RequestLogger) Warn(message string, fields map[string]interface{}) {
	r.base.Warn(r.clientID, r.requestID, message, fields)
}

// Debug logs a debug message for the bound request
func (r *RequestLogger) Debug(message string, fields map[string]interface{}) {
	r.base.Debug(r.clientID, r.requestID, message, fields)
}

// InfoWithDuration logs an info message with a duration field
func (r *RequestLogger) InfoWithDuration(message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	r.Info(message, fields)
}
