//go:build windows

package sim

import "syscall"

// setReuseAddr sets SO_REUSEADDR on the simulator listener (Windows handle).
func setReuseAddr(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
