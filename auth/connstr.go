package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyConnString  = errors.New("empty connection string")
	ErrMissingHostName  = errors.New("connection string: HostName required")
	ErrMissingDeviceID  = errors.New("connection string: DeviceId required")
	ErrMissingCreds     = errors.New("connection string: SharedAccessKey, SharedAccessSignature or x509=true required")
	ErrConflictingCreds = errors.New("connection string: SharedAccessKey and SharedAccessSignature are mutually exclusive")
	ErrDeviceIDPresent  = errors.New("connection string must not contain DeviceId")
)

const (
	keyHostName              = "hostname"
	keyDeviceID              = "deviceid"
	keySharedAccessKey       = "sharedaccesskey"
	keySharedAccessKeyName   = "sharedaccesskeyname"
	keySharedAccessSignature = "sharedaccesssignature"
	keyGatewayHostName       = "gatewayhostname"
	keyX509                  = "x509"
)

// ConnectionString is the parsed device connection descriptor.
type ConnectionString struct {
	HostName              string
	DeviceID              string
	SharedAccessKey       string
	SharedAccessKeyName   string
	SharedAccessSignature string
	GatewayHostName       string
	X509                  bool
}

// ParseConnectionString parses a `Key=Value;...` descriptor. Keys are case
// insensitive; values may contain '='.
func ParseConnectionString(s string) (*ConnectionString, error) {
	if strings.TrimSpace(s) == "" {
		return nil, ErrEmptyConnString
	}

	kv, err := parsePairs(s)
	if err != nil {
		return nil, err
	}

	cs := &ConnectionString{
		HostName:              kv[keyHostName],
		DeviceID:              kv[keyDeviceID],
		SharedAccessKey:       kv[keySharedAccessKey],
		SharedAccessKeyName:   kv[keySharedAccessKeyName],
		SharedAccessSignature: kv[keySharedAccessSignature],
		GatewayHostName:       kv[keyGatewayHostName],
		X509:                  strings.EqualFold(kv[keyX509], "true"),
	}
	if err := cs.Validate(); err != nil {
		return nil, err
	}
	return cs, nil
}

// WithDeviceID appends a device id to a hub-scoped connection string.
func WithDeviceID(s, deviceID string) (string, error) {
	if deviceID == "" {
		return "", ErrMissingDeviceID
	}
	kv, err := parsePairs(s)
	if err != nil {
		return "", err
	}
	if _, ok := kv[keyDeviceID]; ok {
		return "", ErrDeviceIDPresent
	}
	return strings.TrimRight(s, "; ") + ";DeviceId=" + deviceID, nil
}

func parsePairs(s string) (map[string]string, error) {
	kv := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("connection string: malformed segment %q", part)
		}
		kv[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return kv, nil
}

func (c *ConnectionString) Validate() error {
	if c.HostName == "" {
		return ErrMissingHostName
	}
	if c.DeviceID == "" {
		return ErrMissingDeviceID
	}
	if c.SharedAccessKey != "" && c.SharedAccessSignature != "" {
		return ErrConflictingCreds
	}
	if c.SharedAccessKey == "" && c.SharedAccessSignature == "" && !c.X509 {
		return ErrMissingCreds
	}
	if c.SharedAccessKey != "" {
		if _, err := base64.StdEncoding.DecodeString(c.SharedAccessKey); err != nil {
			return fmt.Errorf("connection string: SharedAccessKey is not base64: %w", err)
		}
	}
	return nil
}

// HubName is the first label of the host name.
func (c *ConnectionString) HubName() string {
	name, _, _ := strings.Cut(c.HostName, ".")
	return name
}

// Endpoint is the host a device connects to, the gateway if one is set.
func (c *ConnectionString) Endpoint() string {
	if c.GatewayHostName != "" {
		return c.GatewayHostName
	}
	return c.HostName
}

// Audience is the SAS resource URI for the device.
func (c *ConnectionString) Audience() string {
	return c.HostName + "/devices/" + c.DeviceID
}

func (c *ConnectionString) String() string {
	var b strings.Builder
	b.WriteString("HostName=" + c.HostName + ";DeviceId=" + c.DeviceID)
	if c.SharedAccessKeyName != "" {
		b.WriteString(";SharedAccessKeyName=" + c.SharedAccessKeyName)
	}
	if c.SharedAccessKey != "" {
		b.WriteString(";SharedAccessKey=***")
	}
	if c.SharedAccessSignature != "" {
		b.WriteString(";SharedAccessSignature=***")
	}
	if c.GatewayHostName != "" {
		b.WriteString(";GatewayHostName=" + c.GatewayHostName)
	}
	if c.X509 {
		b.WriteString(";x509=true")
	}
	return b.String()
}
