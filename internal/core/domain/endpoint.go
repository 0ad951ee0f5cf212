package domain

// EndpointID identifies one logical RPC connection to a controller interface.
type EndpointID string

func (id EndpointID) String() string { return string(id) }

// EndpointKind describes the transport flavour of an endpoint.
type EndpointKind string

const (
	KindXMLRPC  EndpointKind = "xmlrpc"  // request/response plus inbound event callback
	KindJSONRPC EndpointKind = "jsonrpc" // poll-only, no callback registration
)

// DefaultJSONRPCPort is substituted for JSON-RPC endpoints that have no
// dedicated port configured.
const DefaultJSONRPCPort = 2010

// SupportsCallbacks reports whether endpoints of this kind can receive
// inbound events (ping-pong heartbeats, value change notifications).
func (k EndpointKind) SupportsCallbacks() bool {
	return k == KindXMLRPC
}
