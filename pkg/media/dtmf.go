package media

import (
	"time"

	"github.com/pion/rtp"
	"github.com/pkg/errors"

	"github.com/arzzra/webphone/pkg/signaling"
)

const (
	// toneVolume уровень тона, -10 dBm0
	toneVolume = 10
	// toneRepeats количество повторов начального и конечного пакета
	toneRepeats = 3
	// telephoneEventRate частота telephone-event/8000
	telephoneEventRate = 8000
)

var ErrNoTelephoneEvent = errors.New("remote does not support telephone-event")

// encodeToneEvent payload telephone-event (RFC 4733 §2.3):
// event(8) | E(1) R(1) volume(6) | duration(16)
func encodeToneEvent(event uint8, end bool, volume uint8, duration uint16) []byte {
	b := make([]byte, 4)
	b[0] = event
	b[1] = volume & 0x3F
	if end {
		b[1] |= 0x80
	}
	b[2] = byte(duration >> 8)
	b[3] = byte(duration)
	return b
}

// SupportsTelephoneEvent удаленная сторона согласовала telephone-event
func (s *Stream) SupportsTelephoneEvent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && s.dtmfPT != 0
}

// SendTone отправляет тон пакетами telephone-event. Все пакеты одного тона
// имеют общий timestamp, первый с маркером, последние три с флагом E.
func (s *Stream) SendTone(tone rune, duration time.Duration) error {
	event, ok := signaling.ToneEvent(tone)
	if !ok {
		return errors.Wrapf(signaling.ErrInvalidTone, "tone %q", tone)
	}
	if duration <= 0 {
		return errors.New("tone duration must be positive")
	}
	samples := uint16(duration * telephoneEventRate / time.Second)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if !s.started || s.remote == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.dtmfPT == 0 {
		s.mu.Unlock()
		return ErrNoTelephoneEvent
	}

	packets := make([]*rtp.Packet, 0, 2*toneRepeats)
	for i := 0; i < 2*toneRepeats; i++ {
		end := i >= toneRepeats
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == 0,
				PayloadType:    s.dtmfPT,
				SequenceNumber: s.sequence,
				Timestamp:      s.timestamp,
				SSRC:           s.ssrc,
			},
			Payload: encodeToneEvent(event, end, toneVolume, samples),
		})
		s.sequence++
	}
	s.timestamp += uint32(samples)
	remote := s.remote
	s.mu.Unlock()

	for _, pkt := range packets {
		data, err := pkt.Marshal()
		if err != nil {
			return errors.Wrap(err, "marshal telephone-event")
		}
		if _, err := s.conn.WriteToUDP(data, remote); err != nil {
			return errors.Wrap(err, "write telephone-event")
		}
	}
	return nil
}
