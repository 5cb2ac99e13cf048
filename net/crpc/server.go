package crpc

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

// Caller dispatches a request to a named endpoint. The encoded response is kept by the
// Caller and fetched by sequence number.
type Caller interface {
	Invoke(endpoint string, req []byte) uint64
	Response(seq uint64) ([]byte, bool)
}

type Server struct {
	listener net.Listener
	handler  Caller
}

func NewServer(listener net.Listener, handler Caller) *Server {
	return &Server{
		listener: listener,
		handler:  handler,
	}
}

// Serve accepts connections until the context is cancelled. Each connection is served on its own goroutine.
func (srv *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Infof("crpc.Server: context cancelled, closing listener %s", srv.listener.Addr())
		if err := srv.listener.Close(); err != nil {
			log.Warnf("crpc.Server: error closing listener %s: %v", srv.listener.Addr(), err)
		}
	}()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		rw, err := srv.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Infof("crpc.Server: listener %s shut down", srv.listener.Addr())
				return ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Warnf("crpc.Server: Accept error on %s: %v; retrying in %v", srv.listener.Addr(), err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			log.Errorf("crpc.Server: accept error on %s: %v. Server stopping.", srv.listener.Addr(), err)
			return err
		}

		tempDelay = 0
		log.Debugf("crpc.Server: accepted connection from %s on %s", rw.RemoteAddr(), srv.listener.Addr())
		go srv.serveConn(ctx, rw)
	}
}

func (srv *Server) serveConn(ctx context.Context, conn net.Conn) {
	decoder := cbor.NewDecoder(conn)
	encoder := cbor.NewEncoder(conn)
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			log.Infof("crpc.Server: serveConn for %s stopping due to server context cancellation.", conn.RemoteAddr())
			return
		default:
		}

		req := &RequestHeader{}
		err := decoder.Decode(req)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Debugf("crpc.Server: connection %s closed: %v", conn.RemoteAddr(), err)
			} else {
				log.Errorf("crpc.Server: error decoding request header for %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		var body cbor.RawMessage
		if err := decoder.Decode(&body); err != nil {
			log.Errorf("crpc.Server: error decoding request body for %s on connection %s: %v", req.Endpoint, conn.RemoteAddr(), err)
			return
		}

		repl := &ResponseHeader{Seq: req.Seq}
		var res []byte
		if req.Endpoint == "" {
			repl.Err = "rpc: empty endpoint name"
		} else {
			var ok bool
			if res, ok = srv.handler.Response(srv.handler.Invoke(req.Endpoint, body)); !ok {
				repl.Err = "rpc: response of " + req.Endpoint + " expired before it was sent"
			}
		}

		if err := encoder.Encode(repl); err != nil {
			log.Errorf("crpc.Server: error encoding response header for %s on connection %s: %v", req.Endpoint, conn.RemoteAddr(), err)
			return
		}
		if repl.Err == "" {
			if err := encoder.Encode(cbor.RawMessage(res)); err != nil {
				log.Errorf("crpc.Server: error encoding response body for %s on connection %s: %v", req.Endpoint, conn.RemoteAddr(), err)
				return
			}
		}
	}
}

// Addr returns the addresses the server can be reached at. A listener bound to an
// unspecified IP is expanded to the addresses of every interface that is up.
func (srv *Server) Addr() []net.Addr {
	listenerAddr := srv.listener.Addr()

	host, portStr, err := net.SplitHostPort(listenerAddr.String())
	if err != nil {
		log.Errorf("crpc.Server.Addr: failed to parse listener address '%s': %v", listenerAddr, err)
		return []net.Addr{listenerAddr}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		return []net.Addr{listenerAddr}
	}

	listenIP := net.ParseIP(host)
	if listenIP != nil && !listenIP.IsUnspecified() {
		return []net.Addr{&net.TCPAddr{IP: listenIP, Port: port}}
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		log.Errorf("crpc.Server.Addr: failed to get network interfaces: %v", err)
		return []net.Addr{listenerAddr}
	}

	seen := make(map[string]struct{})
	var addresses []net.Addr
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		ifaddrs, err := iface.Addrs()
		if err != nil {
			log.Warnf("crpc.Server.Addr: could not get addresses for interface %s: %v", iface.Name, err)
			continue
		}
		for _, a := range ifaddrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsUnspecified() {
				continue
			}
			// 0.0.0.0 only serves IPv4
			if listenIP != nil && listenIP.Equal(net.IPv4zero) && ipnet.IP.To4() == nil {
				continue
			}
			addr := &net.TCPAddr{IP: ipnet.IP, Port: port}
			if _, dup := seen[addr.String()]; dup {
				continue
			}
			seen[addr.String()] = struct{}{}
			addresses = append(addresses, addr)
		}
	}

	if len(addresses) == 0 {
		return []net.Addr{listenerAddr}
	}
	return addresses
}
