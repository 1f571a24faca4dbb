package sipua

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// TransportType транспортный протокол сигнального сервера
type TransportType string

const (
	TransportUDP TransportType = "UDP"
	TransportTCP TransportType = "TCP"
	TransportTLS TransportType = "TLS"
	TransportWS  TransportType = "WS"
	TransportWSS TransportType = "WSS"
)

var ErrBadServer = errors.New("invalid signaling server")

// Endpoint адрес сигнального сервера, разобранный из URL вида
// wss://pbx.example.com:8089/ws, udp://10.0.0.1:5060 или sip:pbx.example.com
type Endpoint struct {
	Type TransportType
	Host string
	Port int
	// WSPath путь WebSocket, для остальных транспортов пустой
	WSPath string
}

// ParseEndpoint разбирает URL сигнального сервера
func ParseEndpoint(server string) (Endpoint, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return Endpoint{}, errors.Wrap(ErrBadServer, "empty")
	}

	// sip:host[:port][;transport=x] без двойного слеша
	if strings.HasPrefix(server, "sip:") || strings.HasPrefix(server, "sips:") {
		var uri sip.Uri
		if err := sip.ParseUri(server, &uri); err != nil {
			return Endpoint{}, errors.Wrapf(ErrBadServer, "%s: %v", server, err)
		}
		ep := Endpoint{Type: TransportUDP, Host: uri.Host, Port: uri.Port}
		if strings.HasPrefix(server, "sips:") {
			ep.Type = TransportTLS
		}
		if uri.UriParams != nil {
			if tr, ok := uri.UriParams.Get("transport"); ok && tr != "" {
				ep.Type = TransportType(strings.ToUpper(tr))
			}
		}
		return ep.withDefaults()
	}

	u, err := url.Parse(server)
	if err != nil {
		return Endpoint{}, errors.Wrapf(ErrBadServer, "%s: %v", server, err)
	}
	ep := Endpoint{Type: TransportType(strings.ToUpper(u.Scheme)), Host: u.Hostname()}
	if p := u.Port(); p != "" {
		ep.Port, err = strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, errors.Wrapf(ErrBadServer, "port %q", p)
		}
	}
	if ep.IsWebSocket() {
		ep.WSPath = u.Path
	}
	return ep.withDefaults()
}

func (e Endpoint) withDefaults() (Endpoint, error) {
	if err := e.Validate(); err != nil {
		return Endpoint{}, err
	}
	if e.Port == 0 {
		e.Port = e.defaultPort()
	}
	if e.IsWebSocket() && e.WSPath == "" {
		e.WSPath = "/"
	}
	return e, nil
}

// Validate проверяет корректность адреса
func (e Endpoint) Validate() error {
	switch e.Type {
	case TransportUDP, TransportTCP, TransportTLS, TransportWS, TransportWSS:
	default:
		return errors.Wrapf(ErrBadServer, "unknown transport %q", e.Type)
	}
	if e.Host == "" {
		return errors.Wrap(ErrBadServer, "empty host")
	}
	if e.Port < 0 || e.Port > 65535 {
		return errors.Wrapf(ErrBadServer, "port %d", e.Port)
	}
	if e.IsWebSocket() && e.WSPath != "" && !strings.HasPrefix(e.WSPath, "/") {
		return errors.Wrap(ErrBadServer, "WSPath must start with /")
	}
	return nil
}

func (e Endpoint) defaultPort() int {
	switch e.Type {
	case TransportTLS:
		return 5061
	case TransportWS:
		return 80
	case TransportWSS:
		return 443
	default:
		return 5060
	}
}

// Scheme SIP схема для данного транспорта
func (e Endpoint) Scheme() string {
	if e.IsSecure() {
		return "sips"
	}
	return "sip"
}

// Network значение для sipgo: udp, tcp, tls, ws, wss
func (e Endpoint) Network() string {
	return strings.ToLower(string(e.Type))
}

// IsSecure TLS или WSS
func (e Endpoint) IsSecure() bool {
	return e.Type == TransportTLS || e.Type == TransportWSS
}

// IsWebSocket WS или WSS
func (e Endpoint) IsWebSocket() bool {
	return e.Type == TransportWS || e.Type == TransportWSS
}

// HostPort адрес для подключения
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URI адрес сервера для Request-URI регистрации и маршрутизации
func (e Endpoint) URI() sip.Uri {
	var uri sip.Uri
	// значение собрано из проверенных полей, ParseUri не может вернуть ошибку
	_ = sip.ParseUri(fmt.Sprintf("sip:%s;transport=%s", e.HostPort(), e.Network()), &uri)
	return uri
}

func (e Endpoint) String() string {
	if e.IsWebSocket() {
		return fmt.Sprintf("%s://%s%s", e.Network(), e.HostPort(), e.WSPath)
	}
	return fmt.Sprintf("%s://%s", e.Network(), e.HostPort())
}
