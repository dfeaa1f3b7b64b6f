package pool

import (
	"net"
	"strconv"
)

// Credentials holds the login used when dialing a node.
type Credentials struct {
	Username string
	Password string
	Database string
}

// Node is one backing data-store endpoint. Immutable after construction.
type Node struct {
	ID          string
	Host        string
	Port        uint16
	Credentials Credentials
	Weight      uint32
	Region      string
	MinSize     uint32
	MaxSize     uint32
	IsPrimary   bool
}

// NewNode builds a Node from its config.
func NewNode(config *NodeConfig) *Node {

	return &Node{
		ID:   nodeID(config.Host, config.Port),
		Host: config.Host,
		Port: config.Port,
		Credentials: Credentials{
			Username: config.Username,
			Password: config.Password,
			Database: config.Database,
		},
		Weight:    config.Weight,
		Region:    config.Region,
		MinSize:   config.MinConnections,
		MaxSize:   config.MaxConnections,
		IsPrimary: config.IsPrimary,
	}
}

// Address returns the host:port dial address of the node.
func (n *Node) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(int(n.Port)))
}

func nodeID(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// NodeHost bundles everything the router keeps per node.
type NodeHost struct {
	Node    *Node
	Pool    *ConnectionPool
	Metrics *NodeMetrics
	Breaker *CircuitBreaker
}

// ID returns the node identifier.
func (nh *NodeHost) ID() string {
	return nh.Node.ID
}
