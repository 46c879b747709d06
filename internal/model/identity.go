// Copyright 2025 Tom Barlow
//
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

// Package model holds the data types that flow through the monitoring pipeline:
// entity identities, monitoring records and aggregation results, plus the narrow
// interface through which the model layer supplies validated, tracked entities.
package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	monerrors "github.com/tombee/monitord/pkg/errors"
)

// MinPort and MaxPort bound valid entity and endpoint ports.
const (
	MinPort = 1
	MaxPort = 65535
)

// EntityIdentity identifies a monitored entity. It is immutable once constructed.
type EntityIdentity struct {
	id   string
	host string
	port int
}

// NewEntityIdentity validates and constructs an identity.
func NewEntityIdentity(id, host string, port int) (EntityIdentity, error) {
	if strings.TrimSpace(id) == "" {
		return EntityIdentity{}, &monerrors.ValidationError{Field: "id", Message: "must not be empty"}
	}
	if err := ValidateHost(host); err != nil {
		return EntityIdentity{}, err
	}
	if err := ValidatePort(port); err != nil {
		return EntityIdentity{}, err
	}
	return EntityIdentity{id: id, host: host, port: port}, nil
}

// ID returns the unique identifier.
func (e EntityIdentity) ID() string { return e.id }

// Host returns the host the entity is reachable at.
func (e EntityIdentity) Host() string { return e.host }

// Port returns the entity's port.
func (e EntityIdentity) Port() int { return e.port }

// IsZero reports whether e was never constructed.
func (e EntityIdentity) IsZero() bool { return e.id == "" }

func (e EntityIdentity) String() string {
	return fmt.Sprintf("%s@%s", e.id, net.JoinHostPort(e.host, fmt.Sprint(e.port)))
}

// ValidateHost accepts "localhost", an absolute URL, or an IPv4/IPv6 literal.
func ValidateHost(host string) error {
	if host == "" {
		return &monerrors.ValidationError{Field: "host", Message: "must not be empty"}
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return nil
	}
	if u, err := url.Parse(host); err == nil && u.Scheme != "" && u.Host != "" {
		return nil
	}
	return &monerrors.ValidationError{
		Field:      "host",
		Message:    fmt.Sprintf("%q is not localhost, a URL, or an IP literal", host),
		Suggestion: "use localhost, an IPv4/IPv6 address, or a URL such as tcp://broker.example.com",
	}
}

// ValidatePort checks that port is within [MinPort, MaxPort].
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return &monerrors.ValidationError{
			Field:   "port",
			Message: fmt.Sprintf("must be in [%d, %d], got %d", MinPort, MaxPort, port),
		}
	}
	return nil
}

// DialHost returns the host part usable in a network address.
// URL hosts are reduced to their hostname.
func DialHost(host string) string {
	if u, err := url.Parse(host); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Hostname()
	}
	return strings.Trim(host, "[]")
}
