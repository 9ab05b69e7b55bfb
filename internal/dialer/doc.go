// Package dialer provides outbound dialing implementations used by flume.
//
// Dialers implement a small interface (DialContext) and are used by the
// forwarding pipeline to establish backend connections either directly or
// via an upstream SOCKS5 proxy.
package dialer
