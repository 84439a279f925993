// Package queue holds the durable FIFO of writes that could not be sent
// while the device was offline.
package queue

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Method is the kind of write a mutation performs
type Method string

const (
	Create  Method = "CREATE"
	Update  Method = "UPDATE"
	Replace Method = "REPLACE"
	Delete  Method = "DELETE"
)

// Verb returns the HTTP method used to replay m
func (m Method) Verb() string {
	switch m {
	case Create:
		return http.MethodPost
	case Update:
		return http.MethodPatch
	case Replace:
		return http.MethodPut
	case Delete:
		return http.MethodDelete
	default:
		return ""
	}
}

// Valid reports whether m is a known method
func (m Method) Valid() bool {
	return m.Verb() != ""
}

// ParseMethod accepts either a method name or an HTTP verb
func ParseMethod(s string) (Method, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CREATE", http.MethodPost:
		return Create, nil
	case "UPDATE", http.MethodPatch:
		return Update, nil
	case "REPLACE", http.MethodPut:
		return Replace, nil
	case "DELETE":
		return Delete, nil
	}
	return "", fmt.Errorf("unknown mutation method %q", s)
}

// Mutation is a write waiting to be replayed against the remote API
type Mutation struct {
	ID         string          `json:"id"`
	Method     Method          `json:"method"`
	Target     string          `json:"target"`
	Body       json.RawMessage `json:"body,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	// Resource is the cache namespace the write belongs to, if known
	Resource string `json:"resource,omitempty"`
	// ObjectID is the id of the object the write targets; empty for creates
	// and singletons
	ObjectID string `json:"object_id,omitempty"`
	// Attempts counts failed replays
	Attempts int `json:"attempts,omitempty"`
}
