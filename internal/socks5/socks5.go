// Package socks5 implements the server side of the SOCKS5 handshake
// (RFC 1928) for the CONNECT command, with optional username/password
// authentication (RFC 1929). The data plane is handled elsewhere; this
// package only negotiates, parses the request, and sends replies.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// SOCKS5 protocol constants.
const (
	Version5 = 0x05

	AuthNone         = 0x00
	AuthUserPass     = 0x02
	AuthNoAcceptable = 0xFF

	userPassVersion = 0x01

	CmdConnect = 0x01

	AddrIPv4   = 0x01
	AddrDomain = 0x03
	AddrIPv6   = 0x04

	RepSuccess              = 0x00
	RepGeneralFailure       = 0x01
	RepConnectionNotAllowed = 0x02
	RepNetworkUnreachable   = 0x03
	RepHostUnreachable      = 0x04
	RepConnectionRefused    = 0x05
	RepTTLExpired           = 0x06
	RepCommandNotSupported  = 0x07
	RepAddressNotSupported  = 0x08
)

// Handshake performs the server-side SOCKS5 negotiation on conn.
// When username and password are both non-empty, the client must offer and
// pass username/password authentication; otherwise only "no auth" is
// accepted. On success it returns the requested target host and port.
// The caller is responsible for the final reply via SendReply.
func Handshake(conn io.ReadWriter, username, password string) (string, int, error) {
	needAuth := username != "" && password != ""

	if err := negotiateMethod(conn, needAuth); err != nil {
		return "", 0, err
	}
	if needAuth {
		if err := verifyUserPass(conn, username, password); err != nil {
			return "", 0, err
		}
	}
	return readConnectRequest(conn)
}

// Refuse performs the method negotiation so the client reaches the reply
// stage, then sends the given reply code. Used to turn away requests that
// never get a backend (e.g. no connected WebSocket peer).
func Refuse(conn io.ReadWriter, rep byte) error {
	if err := negotiateMethod(conn, false); err != nil {
		return err
	}
	return SendReply(conn, rep, nil)
}

// negotiateMethod handles VER | NMETHODS | METHODS and selects either
// no-auth or username/password.
func negotiateMethod(conn io.ReadWriter, needAuth bool) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("read auth header: %w", err)
	}
	if header[0] != Version5 {
		return fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}
	nMethods := int(header[1])
	if nMethods == 0 {
		return errors.New("no auth methods offered")
	}
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("read auth methods: %w", err)
	}

	want := byte(AuthNone)
	if needAuth {
		want = AuthUserPass
	}
	for _, m := range methods {
		if m == want {
			if _, err := conn.Write([]byte{Version5, want}); err != nil {
				return fmt.Errorf("write auth reply: %w", err)
			}
			return nil
		}
	}
	_, _ = conn.Write([]byte{Version5, AuthNoAcceptable})
	if needAuth {
		return errors.New("client does not support username/password auth")
	}
	return errors.New("client does not support no-auth")
}

// verifyUserPass runs the RFC 1929 subnegotiation and checks credentials.
func verifyUserPass(conn io.ReadWriter, username, password string) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("read userpass header: %w", err)
	}
	if header[0] != userPassVersion {
		return fmt.Errorf("unsupported userpass version: %d", header[0])
	}
	user := make([]byte, header[1])
	if _, err := io.ReadFull(conn, user); err != nil {
		return fmt.Errorf("read username: %w", err)
	}
	lenBuf := make([]byte, 1)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return fmt.Errorf("read password length: %w", err)
	}
	pass := make([]byte, lenBuf[0])
	if _, err := io.ReadFull(conn, pass); err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	if string(user) != username || string(pass) != password {
		_, _ = conn.Write([]byte{userPassVersion, 0x01})
		return errors.New("invalid username or password")
	}
	if _, err := conn.Write([]byte{userPassVersion, 0x00}); err != nil {
		return fmt.Errorf("write userpass reply: %w", err)
	}
	return nil
}

// readConnectRequest parses VER | CMD | RSV | ATYP | DST.ADDR | DST.PORT.
// The full request is consumed before any error reply goes out, so the
// reply never races the client's request write.
func readConnectRequest(conn io.ReadWriter) (string, int, error) {
	reqHeader := make([]byte, 4)
	if _, err := io.ReadFull(conn, reqHeader); err != nil {
		return "", 0, fmt.Errorf("read request header: %w", err)
	}
	if reqHeader[0] != Version5 {
		return "", 0, fmt.Errorf("unsupported SOCKS version in request: %d", reqHeader[0])
	}

	host, err := readAddr(conn, reqHeader[3])
	if err != nil {
		_ = SendReply(conn, RepAddressNotSupported, nil)
		return "", 0, err
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", 0, fmt.Errorf("read port: %w", err)
	}
	port := int(binary.BigEndian.Uint16(portBuf))

	if reqHeader[1] != CmdConnect {
		_ = SendReply(conn, RepCommandNotSupported, nil)
		return "", 0, fmt.Errorf("unsupported SOCKS command: %d", reqHeader[1])
	}

	return host, port, nil
}

// readAddr reads one DST.ADDR of the given ATYP.
func readAddr(conn io.Reader, atyp byte) (string, error) {
	switch atyp {
	case AddrIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", fmt.Errorf("read IPv4: %w", err)
		}
		return net.IP(addr).String(), nil
	case AddrIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", fmt.Errorf("read IPv6: %w", err)
		}
		return net.IP(addr).String(), nil
	case AddrDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", fmt.Errorf("read domain length: %w", err)
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", fmt.Errorf("read domain: %w", err)
		}
		return string(domain), nil
	default:
		return "", fmt.Errorf("unsupported address type: %d", atyp)
	}
}

// SendReply sends a SOCKS5 reply to the client.
func SendReply(conn io.Writer, rep byte, bindAddr *net.TCPAddr) error {
	var addrBytes []byte
	var port uint16

	if bindAddr != nil {
		ip := bindAddr.IP.To4()
		if ip != nil {
			addrBytes = append([]byte{AddrIPv4}, ip...)
		} else {
			addrBytes = append([]byte{AddrIPv6}, bindAddr.IP.To16()...)
		}
		port = uint16(bindAddr.Port)
	}

	if addrBytes == nil {
		addrBytes = []byte{AddrIPv4, 0, 0, 0, 0}
		port = 0
	}

	reply := make([]byte, 0, 3+len(addrBytes)+2)
	reply = append(reply, Version5, rep, 0x00)
	reply = append(reply, addrBytes...)
	reply = binary.BigEndian.AppendUint16(reply, port)

	_, err := conn.Write(reply)
	return err
}
