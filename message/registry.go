package message

import (
	"net"
	"strconv"
	"time"
)

// Registry commands.
const (
	CommandRegister   = "REGISTER"
	CommandDiscover   = "DISCOVER"
	CommandDeregister = "DEREGISTER"
	CommandHeartbeat  = "HEARTBEAT"
)

// ServiceInstance is one live provider of a service as seen by the registry.
// LastHeartbeatAt is only ever written by the registry.
type ServiceInstance struct {
	ServiceName     string    `json:"serviceName"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	InstanceID      string    `json:"instanceId"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// Address returns "host:port".
func (s ServiceInstance) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// RegistryRequest is one registry command. Host and Port are only used by REGISTER.
type RegistryRequest struct {
	Command     string `json:"command"`
	ServiceName string `json:"serviceName"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	InstanceID  string `json:"instanceId,omitempty"`
}

// RegistryReply answers a RegistryRequest. Instances is only filled for DISCOVER.
type RegistryReply struct {
	Ack       bool              `json:"ack"`
	Instances []ServiceInstance `json:"instances,omitempty"`
	Error     string            `json:"error,omitempty"`
}
