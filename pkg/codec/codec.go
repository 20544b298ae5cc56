// Package codec serializes the ServiceInstance a ServerSet member advertises.
package codec

import (
	"errors"
	"fmt"

	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"

	"github.com/atlassian/gocluster"
)

const (
	// NameJSON is the plain JSON codec.
	NameJSON = "json"
	// NameJSONSnappy is JSON compressed with snappy block encoding.
	NameJSONSnappy = "json+snappy"
)

// ErrUnknownCodec is returned by FromName for unsupported names.
var ErrUnknownCodec = errors.New("unknown codec")

var jsonConfig = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
}.Froze()

type jsonEndpoint struct {
	Host       string            `json:"host"`
	Port       int               `json:"port"`
	Properties map[string]string `json:"properties,omitempty"`
}

type jsonInstance struct {
	ServiceEndpoint     *jsonEndpoint           `json:"serviceEndpoint"`
	AdditionalEndpoints map[string]jsonEndpoint `json:"additionalEndpoints,omitempty"`
	Status              string                  `json:"status,omitempty"`
}

// JSON encodes instances as
// {"serviceEndpoint":{"host":"h","port":1},"additionalEndpoints":{"http":{...}},"status":"ALIVE"}.
type JSON struct{}

var _ gocluster.Codec = JSON{}

func (JSON) Encode(instance gocluster.ServiceInstance) ([]byte, error) {
	ji := jsonInstance{
		ServiceEndpoint: toJSONEndpoint(instance.ServiceEndpoint),
		Status:          string(instance.Status),
	}
	if len(instance.AdditionalEndpoints) > 0 {
		ji.AdditionalEndpoints = make(map[string]jsonEndpoint, len(instance.AdditionalEndpoints))
		for name, ep := range instance.AdditionalEndpoints {
			ji.AdditionalEndpoints[name] = *toJSONEndpoint(ep)
		}
	}
	return jsonConfig.Marshal(&ji)
}

func (JSON) Decode(data []byte) (gocluster.ServiceInstance, error) {
	var ji jsonInstance
	if err := jsonConfig.Unmarshal(data, &ji); err != nil {
		return gocluster.ServiceInstance{}, fmt.Errorf("failed to decode service instance: %w", err)
	}
	if ji.ServiceEndpoint == nil {
		return gocluster.ServiceInstance{}, errors.New("failed to decode service instance: missing serviceEndpoint")
	}
	service, err := fromJSONEndpoint(*ji.ServiceEndpoint)
	if err != nil {
		return gocluster.ServiceInstance{}, err
	}
	instance := gocluster.ServiceInstance{
		ServiceEndpoint: service,
		Status:          gocluster.Status(ji.Status),
	}
	if instance.Status == "" {
		instance.Status = gocluster.StatusAlive
	}
	if len(ji.AdditionalEndpoints) > 0 {
		instance.AdditionalEndpoints = make(map[string]gocluster.Endpoint, len(ji.AdditionalEndpoints))
		for name, jep := range ji.AdditionalEndpoints {
			ep, err := fromJSONEndpoint(jep)
			if err != nil {
				return gocluster.ServiceInstance{}, fmt.Errorf("additional endpoint %q: %w", name, err)
			}
			instance.AdditionalEndpoints[name] = ep
		}
	}
	return instance, nil
}

func toJSONEndpoint(ep gocluster.Endpoint) *jsonEndpoint {
	return &jsonEndpoint{
		Host:       ep.Host,
		Port:       ep.Port,
		Properties: ep.Properties,
	}
}

func fromJSONEndpoint(jep jsonEndpoint) (gocluster.Endpoint, error) {
	if jep.Port < 0 || jep.Port > 65535 {
		return gocluster.Endpoint{}, fmt.Errorf("failed to decode service instance: port %d out of range", jep.Port)
	}
	return gocluster.Endpoint{
		Host:       jep.Host,
		Port:       jep.Port,
		Properties: jep.Properties,
	}, nil
}

// Snappy compresses the output of another codec.
type Snappy struct {
	Codec gocluster.Codec
}

var _ gocluster.Codec = Snappy{}

func (s Snappy) Encode(instance gocluster.ServiceInstance) ([]byte, error) {
	raw, err := s.Codec.Encode(instance)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func (s Snappy) Decode(data []byte) (gocluster.ServiceInstance, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return gocluster.ServiceInstance{}, fmt.Errorf("failed to decompress service instance: %w", err)
	}
	return s.Codec.Decode(raw)
}

// FromName returns the codec called name.
func FromName(name string) (gocluster.Codec, error) {
	switch name {
	case NameJSON:
		return JSON{}, nil
	case NameJSONSnappy:
		return Snappy{Codec: JSON{}}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
	}
}
