package media

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pkg/errors"

	"github.com/arzzra/webphone/pkg/signaling"
)

const (
	// maxPacketSize размер буфера чтения, больше MTU
	maxPacketSize = 1500
	// dscpEF Expedited Forwarding для голоса (RFC 3246)
	dscpEF = 46
)

var (
	ErrStreamClosed  = errors.New("media stream closed")
	ErrNotStarted    = errors.New("media stream not started")
	ErrAlreadyActive = errors.New("media stream already started")
)

// TrackHandler получает новые удаленные треки. Вызывается один раз на SSRC.
type TrackHandler func(track signaling.Track)

// Stream RTP поток одной сессии: UDP сокет, прием пакетов с обнаружением
// удаленных источников и отправка с учетом mute.
type Stream struct {
	id   string
	conn *net.UDPConn
	log  *slog.Logger

	mu      sync.Mutex
	remote  *net.UDPAddr
	codec   Codec
	dtmfPT  uint8
	onTrack TrackHandler
	sources map[uint32]signaling.Track
	started bool
	closed  bool

	muted     atomic.Bool
	ssrc      uint32
	sequence  uint16
	timestamp uint32

	done chan struct{}
}

// NewStream открывает UDP сокет на эфемерном порту адреса ip.
// id используется как префикс идентификаторов треков.
func NewStream(id string, ip net.IP, log *slog.Logger) (*Stream, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: 0})
	if err != nil {
		return nil, errors.Wrap(err, "listen rtp")
	}
	if err := markVoice(conn, dscpEF); err != nil {
		log.Debug("Stream.NewStream DSCP not applied", slog.String("error", err.Error()))
	}

	s := &Stream{
		id:       id,
		conn:     conn,
		log:      log,
		sources:  make(map[uint32]signaling.Track),
		ssrc:     randomUint32(),
		sequence: uint16(randomUint32()),
		done:     make(chan struct{}),
	}
	return s, nil
}

func (s *Stream) ID() string {
	return s.id
}

// LocalAddr адрес сокета для SDP
func (s *Stream) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Start запускает прием пакетов от remote. onTrack вызывается с горутины
// приема для каждого нового SSRC.
func (s *Stream) Start(remote Remote, onTrack TrackHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if s.started {
		return ErrAlreadyActive
	}
	s.remote = remote.Addr
	s.codec = remote.Codec
	s.dtmfPT = remote.DTMFPayloadType
	s.onTrack = onTrack
	s.started = true

	s.log.Debug("Stream.Start",
		slog.String("stream", s.id),
		slog.String("local", s.conn.LocalAddr().String()),
		slog.String("remote", fmt.Sprint(remote.Addr)),
		slog.String("codec", remote.Codec.Name))

	go s.readLoop()
	return nil
}

// SetMuted включает или выключает отправку
func (s *Stream) SetMuted(muted bool) {
	s.muted.Store(muted)
}

func (s *Stream) Muted() bool {
	return s.muted.Load()
}

// WritePayload отправляет один фрейм аудио. samples количество отсчетов
// в фрейме для продвижения timestamp. В режиме mute пакет не отправляется,
// но timestamp продвигается.
func (s *Stream) WritePayload(payload []byte, samples uint32) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if !s.started || s.remote == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	remote := s.remote
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.codec.PayloadType,
			SequenceNumber: s.sequence,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.timestamp += samples
	muted := s.muted.Load()
	if !muted {
		s.sequence++
	}
	s.mu.Unlock()

	if muted {
		return nil
	}
	data, err := pkt.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal rtp")
	}
	if _, err := s.conn.WriteToUDP(data, remote); err != nil {
		return errors.Wrap(err, "write rtp")
	}
	return nil
}

// Tracks удаленные треки, обнаруженные к этому моменту
func (s *Stream) Tracks() []signaling.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signaling.Track, 0, len(s.sources))
	for _, t := range s.sources {
		out = append(out, t)
	}
	return out
}

// Close закрывает сокет и ждет завершения приема
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	err := s.conn.Close()
	if started {
		<-s.done
	}
	return err
}

func (s *Stream) readLoop() {
	defer close(s.done)
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Debug("Stream.readLoop read failed", slog.String("error", err.Error()))
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.log.Debug("Stream.readLoop bad packet",
				slog.String("from", from.String()),
				slog.String("error", err.Error()))
			continue
		}
		if pkt.Version != 2 {
			continue
		}
		s.observe(pkt)
	}
}

func (s *Stream) observe(pkt *rtp.Packet) {
	s.mu.Lock()
	if _, ok := s.sources[pkt.SSRC]; ok {
		s.mu.Unlock()
		return
	}
	track := signaling.Track{
		ID:          fmt.Sprintf("%s-%08x", s.id, pkt.SSRC),
		StreamID:    s.id,
		Kind:        "audio",
		PayloadType: pkt.PayloadType,
		ClockRate:   s.codec.ClockRate,
	}
	s.sources[pkt.SSRC] = track
	handler := s.onTrack
	s.mu.Unlock()

	s.log.Debug("Stream.observe new source",
		slog.String("track", track.ID),
		slog.Uint64("ssrc", uint64(pkt.SSRC)),
		slog.Int("payloadType", int(pkt.PayloadType)))
	if handler != nil {
		handler(track)
	}
}

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x5eed
	}
	return binary.BigEndian.Uint32(b[:])
}
