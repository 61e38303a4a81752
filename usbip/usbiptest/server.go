// Package usbiptest provides an in-process USB/IP exporter for tests.
package usbiptest

import (
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/MatthiasValvekens/usbip-vhci/driver"
	"github.com/MatthiasValvekens/usbip-vhci/usbip"
)

// Server answers devlist and import requests like usbipd. A device is hidden
// from the devlist while an import connection for it is open.
type Server struct {
	listener net.Listener

	mu       sync.Mutex
	devices  []driver.DeviceDescriptor
	exported map[string]bool
	imports  []string
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func NewServer(devices ...driver.DeviceDescriptor) (*Server, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: l,
		devices:  devices,
		exported: map[string]bool{},
		conns:    map[net.Conn]struct{}{},
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *Server) Target() usbip.Target {
	host, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return usbip.Target{Host: host, Port: p}
}

func (s *Server) SetDevices(devices ...driver.DeviceDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = devices
}

// Imports lists the bus ids of all successful imports so far.
func (s *Server) Imports() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.imports...)
}

func (s *Server) Close() {
	_ = s.listener.Close()
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			_ = conn.Close()
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	code, busId, err := usbip.ReadRequest(conn)
	if err != nil {
		return
	}

	switch code {
	case usbip.OpReqDevlist:
		_ = usbip.WriteDeviceList(conn, s.available())
	case usbip.OpReqImport:
		dev := s.claim(busId)
		_ = usbip.WriteImportReply(conn, dev)
		if dev == nil {
			return
		}
		// the device stays exported until the importer hangs up
		_, _ = io.Copy(io.Discard, conn)
		s.mu.Lock()
		delete(s.exported, busId)
		s.mu.Unlock()
	}
}

func (s *Server) available() []usbip.DeviceDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []usbip.DeviceDescription
	for _, dev := range s.devices {
		if !s.exported[dev.BusID] {
			result = append(result, usbip.NewDeviceDescription(dev))
		}
	}
	return result
}

func (s *Server) claim(busId string) *usbip.DeviceDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exported[busId] {
		return nil
	}
	for _, dev := range s.devices {
		if dev.BusID == busId {
			s.exported[busId] = true
			s.imports = append(s.imports, busId)
			desc := usbip.NewDeviceDescription(dev)
			return &desc
		}
	}
	return nil
}
