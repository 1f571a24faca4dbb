//go:build linux

package media

import (
	"net"

	"golang.org/x/sys/unix"
)

// markVoice выставляет DSCP в старших 6 битах TOS (IPv4) и Traffic Class (IPv6)
func markVoice(conn *net.UDPConn, dscp int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	tos := dscp << 2

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
		if sockErr != nil {
			// сокет может быть только IPv6
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
		}
		// приоритет очереди ядра для интерактивного аудио
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
	})
	if err != nil {
		return err
	}
	return sockErr
}
