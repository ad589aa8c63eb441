package server

import "github.com/dotside-studios/davi-emv-agent/buildinfo"

// mDNS service discovery constants
var (
	MDNSServiceType = "_emv-agent._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

// HTTP API
const (
	APIPrefix          = "/api/v1"
	WebSocketPath      = "/ws"
	HeaderSessionToken = "X-Session-Token"
)

// CORS configuration
const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, POST, DELETE, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization, X-Session-Token"
)
