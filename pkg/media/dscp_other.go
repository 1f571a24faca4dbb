//go:build !linux

package media

import "net"

// markVoice на других платформах не поддерживается
func markVoice(conn *net.UDPConn, dscp int) error {
	return nil
}
