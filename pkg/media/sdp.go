package media

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// Codec статический аудио кодек
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
}

var (
	PCMU = Codec{PayloadType: 0, Name: "PCMU", ClockRate: 8000}
	PCMA = Codec{PayloadType: 8, Name: "PCMA", ClockRate: 8000}
)

// SupportedCodecs кодеки в порядке предпочтения
var SupportedCodecs = []Codec{PCMU, PCMA}

const (
	// DTMFPayloadType динамический payload type для telephone-event
	DTMFPayloadType uint8 = 101
	ptime                 = 20 * time.Millisecond
	sessionName           = "webphone"
)

var (
	ErrNoAudio         = errors.New("no audio media description")
	ErrNoConnection    = errors.New("no connection information")
	ErrIncompatible    = errors.New("no compatible codec")
	ErrInvalidEndpoint = errors.New("invalid media endpoint")
)

// Remote параметры удаленной стороны, извлеченные из SDP
type Remote struct {
	Addr  *net.UDPAddr
	Codec Codec
	// DTMFPayloadType 0, если удаленная сторона не поддерживает telephone-event
	DTMFPayloadType uint8
	Direction       string
}

// BuildOffer создает audio-only SDP offer для локального адреса addr
func BuildOffer(addr *net.UDPAddr) (*sdp.SessionDescription, error) {
	return build(addr, SupportedCodecs, DTMFPayloadType)
}

// BuildAnswer создает SDP answer на offer с первым общим кодеком
func BuildAnswer(offer *sdp.SessionDescription, addr *net.UDPAddr) (*sdp.SessionDescription, Remote, error) {
	remote, err := ParseRemote(offer)
	if err != nil {
		return nil, Remote{}, err
	}
	answer, err := build(addr, []Codec{remote.Codec}, remote.DTMFPayloadType)
	if err != nil {
		return nil, Remote{}, err
	}
	return answer, remote, nil
}

// ParseBytes разбирает SDP тело сообщения
func ParseBytes(body []byte) (*sdp.SessionDescription, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, errors.Wrap(err, "parse sdp")
	}
	return desc, nil
}

// ParseRemote извлекает адрес, кодек и DTMF из offer или answer
func ParseRemote(desc *sdp.SessionDescription) (Remote, error) {
	if desc == nil {
		return Remote{}, ErrNoAudio
	}

	var audio *sdp.MediaDescription
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return Remote{}, ErrNoAudio
	}

	conn := audio.ConnectionInformation
	if conn == nil {
		conn = desc.ConnectionInformation
	}
	if conn == nil || conn.Address == nil {
		return Remote{}, ErrNoConnection
	}
	ip := net.ParseIP(conn.Address.Address)
	if ip == nil {
		return Remote{}, errors.Wrapf(ErrInvalidEndpoint, "address %q", conn.Address.Address)
	}

	codec, err := selectCodec(audio)
	if err != nil {
		return Remote{}, err
	}

	remote := Remote{
		Addr:      &net.UDPAddr{IP: ip, Port: audio.MediaName.Port.Value},
		Codec:     codec,
		Direction: "sendrecv",
	}
	for _, attr := range audio.Attributes {
		switch attr.Key {
		case "rtpmap":
			pt, name, ok := splitRtpmap(attr.Value)
			if ok && strings.EqualFold(name, "telephone-event") {
				remote.DTMFPayloadType = pt
			}
		case "sendrecv", "sendonly", "recvonly", "inactive":
			remote.Direction = attr.Key
		}
	}
	return remote, nil
}

// selectCodec выбирает первый поддерживаемый статический кодек из форматов
func selectCodec(md *sdp.MediaDescription) (Codec, error) {
	for _, format := range md.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil || pt >= 96 {
			continue
		}
		for _, c := range SupportedCodecs {
			if int(c.PayloadType) == pt {
				return c, nil
			}
		}
	}
	return Codec{}, errors.Wrapf(ErrIncompatible, "formats %v", md.MediaName.Formats)
}

func splitRtpmap(value string) (uint8, string, bool) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	pt, err := strconv.Atoi(parts[0])
	if err != nil || pt < 0 || pt > 127 {
		return 0, "", false
	}
	name, _, _ := strings.Cut(parts[1], "/")
	return uint8(pt), name, true
}

func build(addr *net.UDPAddr, codecs []Codec, dtmf uint8) (*sdp.SessionDescription, error) {
	if addr == nil || addr.IP == nil || addr.Port == 0 {
		return nil, errors.Wrapf(ErrInvalidEndpoint, "%v", addr)
	}
	host := addr.IP.String()
	addrType := "IP4"
	if addr.IP.To4() == nil {
		addrType = "IP6"
	}
	now := uint64(time.Now().Unix())

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: host,
		},
		SessionName: sdp.SessionName(sessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: addr.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, c := range codecs {
		md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(c.PayloadType)))
		md.Attributes = append(md.Attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate)))
	}
	if dtmf != 0 {
		md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(dtmf)))
		md.Attributes = append(md.Attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/8000", dtmf)),
			sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", dtmf)))
	}
	md.Attributes = append(md.Attributes,
		sdp.NewAttribute("ptime", strconv.Itoa(int(ptime/time.Millisecond))),
		sdp.NewPropertyAttribute("sendrecv"))

	desc.MediaDescriptions = []*sdp.MediaDescription{md}
	return desc, nil
}
