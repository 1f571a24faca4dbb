package media

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/webphone/pkg/signaling"
)

// Binding привязка удаленного потока к воспроизведению
type Binding struct {
	StreamID string
	Tracks   []signaling.Track
	Since    time.Time
}

// Playback устройство воспроизведения. Вывод звука за пределами пакета.
type Playback interface {
	Play(track signaling.Track) error
	Stop(streamID string)
}

// Registry хранит по одной привязке на stream id. Повторная привязка того же
// потока ничего не делает. Реализует phone.Sink.
type Registry struct {
	mu       sync.Mutex
	bindings map[string]*Binding
	playback Playback
	log      *slog.Logger
	now      func() time.Time
}

// NewRegistry создает реестр. playback может быть nil, тогда только
// учитываются привязки.
func NewRegistry(playback Playback, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		bindings: make(map[string]*Binding),
		playback: playback,
		log:      log,
		now:      time.Now,
	}
}

func (r *Registry) Attach(track signaling.Track) error {
	key := track.StreamID
	if key == "" {
		key = track.ID
	}
	if key == "" {
		return errors.New("track without id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bindings[key]; ok {
		for _, t := range b.Tracks {
			if t.ID == track.ID {
				return nil
			}
		}
		b.Tracks = append(b.Tracks, track)
		return nil
	}

	if r.playback != nil {
		if err := r.playback.Play(track); err != nil {
			return errors.Wrapf(err, "play stream %s", key)
		}
	}
	r.bindings[key] = &Binding{
		StreamID: key,
		Tracks:   []signaling.Track{track},
		Since:    r.now(),
	}
	r.log.Info("Registry.Attach",
		slog.String("stream", key),
		slog.String("track", track.ID),
		slog.Int("payloadType", int(track.PayloadType)))
	return nil
}

func (r *Registry) Detach(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bindings[streamID]; !ok {
		return
	}
	delete(r.bindings, streamID)
	if r.playback != nil {
		r.playback.Stop(streamID)
	}
	r.log.Info("Registry.Detach", slog.String("stream", streamID))
}

// Bindings текущие привязки, отсортированные по stream id
func (r *Registry) Bindings() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		cp := *b
		cp.Tracks = append([]signaling.Track(nil), b.Tracks...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}
