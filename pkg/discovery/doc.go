// Package discovery finds and announces tether endpoints with mDNS/DNS-SD.
//
// Servers advertise the _tether._tcp service. The instance port is the
// listening port and TXT records describe how to reach the endpoint:
//
//	scheme=ws      transport scheme (ws, wss or tcp; default ws)
//	path=/events   URL path appended to the base (optional)
//	ver=1          protocol major version (optional)
//
// A Resolver turns a browse result into a transport.Endpoint that can be
// handed to client.New.
package discovery
