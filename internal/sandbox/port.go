package sandbox

import "net"

// freePort asks the kernel for an unused TCP port by binding to port 0
// and immediately releasing the listener. The runtime binds the port
// right after, so the race window is tolerably small.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
