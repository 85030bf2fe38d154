package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// dataConnTimeout bounds both the passive accept wait and the active
// dial.
const dataConnTimeout = 10 * time.Second

// dataChannel is the per-session data connection state. A session owns
// at most one data channel at a time.
type dataChannel struct {
	mu         sync.Mutex
	pasv       net.Listener
	activeIP   string
	activePort int
	conn       net.Conn
}

func (d *dataChannel) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	if d.pasv != nil {
		d.pasv.Close()
		d.pasv = nil
	}
}

func (d *dataChannel) setPassive(ln net.Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pasv != nil {
		d.pasv.Close()
	}
	d.pasv = ln
	d.activeIP = ""
}

func (d *dataChannel) setActive(ip string, port int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pasv != nil {
		d.pasv.Close()
		d.pasv = nil
	}
	d.activeIP = ip
	d.activePort = port
}

// listenPassive opens a listener for PASV/EPSV, honouring the configured
// port range with round-robin selection.
func (s *session) listenPassive() (net.Listener, error) {
	cfg := s.server.cfg.Get()
	if cfg.PasvMinPort > 0 && cfg.PasvMaxPort >= cfg.PasvMinPort {
		rangeLen := int32(cfg.PasvMaxPort - cfg.PasvMinPort + 1)
		start := s.server.nextPassivePort.Add(1)
		for i := int32(0); i < rangeLen; i++ {
			port := cfg.PasvMinPort + int((start+i)%rangeLen)
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
			if err == nil {
				return ln, nil
			}
		}
		return nil, fmt.Errorf("no available ports in range [%d, %d]", cfg.PasvMinPort, cfg.PasvMaxPort)
	}
	return net.Listen("tcp", ":0")
}

// openDataConn establishes the data connection previously arranged by
// PASV/EPSV (accept) or PORT/EPRT (dial), wrapping it in TLS when PROT P
// is in force.
func (s *session) openDataConn() (net.Conn, error) {
	s.data.mu.Lock()
	pasv := s.data.pasv
	activeIP := s.data.activeIP
	activePort := s.data.activePort
	s.data.mu.Unlock()

	var conn net.Conn
	var err error
	switch {
	case pasv != nil:
		if t, ok := pasv.(*net.TCPListener); ok {
			_ = t.SetDeadline(time.Now().Add(dataConnTimeout))
		}
		conn, err = pasv.Accept()
		s.data.mu.Lock()
		if s.data.pasv != nil {
			s.data.pasv.Close()
			s.data.pasv = nil
		}
		s.data.mu.Unlock()
	case activeIP != "":
		addr := net.JoinHostPort(activeIP, strconv.Itoa(activePort))
		conn, err = net.DialTimeout("tcp", addr, dataConnTimeout)
		s.data.mu.Lock()
		s.data.activeIP = ""
		s.data.mu.Unlock()
	default:
		return nil, fmt.Errorf("no data connection setup")
	}
	if err != nil {
		return nil, err
	}

	if s.prot == "P" {
		if s.server.tlsConfig == nil {
			conn.Close()
			return nil, fmt.Errorf("TLS configuration missing")
		}
		tlsConn := tls.Server(conn, s.server.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	s.data.mu.Lock()
	s.data.conn = conn
	s.data.mu.Unlock()
	return conn, nil
}

// protectionOkay reports whether the data channel satisfies the
// configured protection requirement.
func (s *session) protectionOkay() bool {
	return !s.server.cfg.Get().TLSDataRequired || s.prot == "P"
}

// validateActiveIP refuses PORT/EPRT targets that do not match the
// control connection source (FTP bounce prevention).
func (s *session) validateActiveIP(ip net.IP) bool {
	remote := net.ParseIP(s.remoteIP)
	return remote != nil && ip.Equal(remote)
}

// pasvHostIP resolves the IP advertised in PASV replies, preferring the
// configured public host.
func (s *session) pasvHostIP() []string {
	host := ""
	s.mu.Lock()
	if s.conn != nil {
		if h, _, err := net.SplitHostPort(s.conn.LocalAddr().String()); err == nil {
			host = h
		}
	}
	s.mu.Unlock()

	if public := s.server.cfg.Get().PublicHost; public != "" {
		host = public
	}
	ip := net.ParseIP(host)
	if ip == nil {
		if addrs, err := net.LookupIP(host); err == nil {
			for _, a := range addrs {
				if v4 := a.To4(); v4 != nil {
					ip = v4
					break
				}
			}
		}
	}
	if ip != nil && ip.To4() != nil {
		return strings.Split(ip.To4().String(), ".")
	}
	return []string{"0", "0", "0", "0"}
}
