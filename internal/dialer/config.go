package dialer

import (
	"net"
	"time"
)

type Config struct {
	// DialTimeout bounds DNS lookup and TCP connect when the caller's
	// context carries no earlier deadline.
	DialTimeout time.Duration

	KeepAlive net.KeepAliveConfig
}
