package gocluster

import (
	"context"
	"net"
	"strconv"
)

// Runnable is a long running function intended to be launched in a goroutine.
type Runnable func(context.Context)

// Runner exposes a Runnable through an interface
type Runner interface {
	Run(context.Context)
}

func MaybeAppendRunnable(runnables []Runnable, maybeRunner interface{}) []Runnable {
	if r, ok := maybeRunner.(Runner); ok {
		runnables = append(runnables, r.Run)
	}
	return runnables
}

// Endpoint is the network address of a service instance, plus an open bag of string properties.
//
// Two Endpoints are equal if their host and port match, the properties are not considered.  An
// Endpoint should be treated as immutable once it has been handed to a ServerSet, constructors
// and decoders always take a private copy of the property map.
type Endpoint struct {
	Host       string
	Port       int
	Properties map[string]string
}

// NewEndpoint returns an Endpoint holding a copy of props.
func NewEndpoint(host string, port int, props map[string]string) Endpoint {
	return Endpoint{
		Host:       host,
		Port:       port,
		Properties: copyProperties(props),
	}
}

// Equal reports whether e and other refer to the same host and port.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Host == other.Host && e.Port == other.Port
}

// String returns the endpoint in host:port form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Property returns the named property, and whether it was present.
func (e Endpoint) Property(name string) (string, bool) {
	v, ok := e.Properties[name]
	return v, ok
}

func copyProperties(props map[string]string) map[string]string {
	if props == nil {
		return nil
	}
	c := make(map[string]string, len(props))
	for k, v := range props {
		c[k] = v
	}
	return c
}

// Status is the advertised health of a service instance.  It is carried through the codec but
// never interpreted by the membership code.
type Status string

const (
	StatusAlive    Status = "ALIVE"
	StatusDead     Status = "DEAD"
	StatusStarting Status = "STARTING"
	StatusStopping Status = "STOPPING"
	StatusStopped  Status = "STOPPED"
	StatusWarning  Status = "WARNING"
)

// ServiceInstance is the payload a member advertises in a ServerSet.
type ServiceInstance struct {
	ServiceEndpoint     Endpoint
	AdditionalEndpoints map[string]Endpoint
	Status              Status
}

// NewServiceInstance returns an ALIVE ServiceInstance for the endpoint, with a private copy of the
// additional endpoints.
func NewServiceInstance(endpoint Endpoint, additional map[string]Endpoint) ServiceInstance {
	si := ServiceInstance{
		ServiceEndpoint: NewEndpoint(endpoint.Host, endpoint.Port, endpoint.Properties),
		Status:          StatusAlive,
	}
	if len(additional) > 0 {
		si.AdditionalEndpoints = make(map[string]Endpoint, len(additional))
		for name, ep := range additional {
			si.AdditionalEndpoints[name] = NewEndpoint(ep.Host, ep.Port, ep.Properties)
		}
	}
	return si
}

// Equal reports whether two instances advertise the same service endpoint.
func (si ServiceInstance) Equal(other ServiceInstance) bool {
	return si.ServiceEndpoint.Equal(other.ServiceEndpoint)
}

// Codec serializes ServiceInstances into member node payloads.  Decode failures must be
// returned as errors, they are never fatal to the caller.
type Codec interface {
	Encode(si ServiceInstance) ([]byte, error)
	Decode(data []byte) (ServiceInstance, error)
}
