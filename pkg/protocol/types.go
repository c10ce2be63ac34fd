// Package protocol holds the request and response shapes exchanged between
// collector agents and the sync server.
package protocol

import (
	"fmt"
	"strings"
)

// AgentType is the declared role of the machine running an agent.
type AgentType string

const (
	AgentTypeDomainController AgentType = "domain-controller"
	AgentTypeServer           AgentType = "server"
	AgentTypeWorkstation      AgentType = "workstation"
)

// ParseAgentType accepts the canonical names case-insensitively.
func ParseAgentType(raw string) (AgentType, error) {
	switch t := AgentType(strings.ToLower(strings.TrimSpace(raw))); t {
	case AgentTypeDomainController, AgentTypeServer, AgentTypeWorkstation:
		return t, nil
	default:
		return "", fmt.Errorf("unknown agent type %q", raw)
	}
}

// DataType tags a submission with the kind of directory records it carries.
// The zero value is invalid.
type DataType uint8

const (
	DataTypeUsers DataType = iota + 1
	DataTypeGroups
	DataTypePolicies
)

// AllDataTypes lists every defined data type in submission order.
var AllDataTypes = []DataType{DataTypeUsers, DataTypeGroups, DataTypePolicies}

func (d DataType) String() string {
	switch d {
	case DataTypeUsers:
		return "users"
	case DataTypeGroups:
		return "groups"
	case DataTypePolicies:
		return "policies"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(d))
	}
}

// Valid reports whether d is one of the defined data types.
func (d DataType) Valid() bool {
	return d >= DataTypeUsers && d <= DataTypePolicies
}

// ParseDataType converts a wire name into a DataType.
func ParseDataType(raw string) (DataType, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for _, d := range AllDataTypes {
		if d.String() == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", raw)
}

func (d DataType) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid data type %d", uint8(d))
	}
	return []byte(d.String()), nil
}

func (d *DataType) UnmarshalText(text []byte) error {
	parsed, err := ParseDataType(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Payload encodings and compressions understood by the submission pipeline.
const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"

	CompressionNone = "none"
	CompressionZstd = "zstd"
)
