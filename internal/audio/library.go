package audio

import (
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// RepeatMode controls what TryNext does at track boundaries.
type RepeatMode int

const (
	// RepeatOff stops advancing at the end of the track list.
	RepeatOff RepeatMode = iota
	// RepeatOne replays the current track.
	RepeatOne
	// RepeatAll wraps around to the first track.
	RepeatAll
)

func (m RepeatMode) String() string {
	switch m {
	case RepeatOne:
		return "one"
	case RepeatAll:
		return "all"
	default:
		return "off"
	}
}

// ParseRepeatMode maps "off", "one", "all" to a RepeatMode; anything else is off.
func ParseRepeatMode(s string) RepeatMode {
	switch strings.ToLower(s) {
	case "one":
		return RepeatOne
	case "all":
		return RepeatAll
	default:
		return RepeatOff
	}
}

var trackExtensions = map[string]bool{
	".mp3":  true,
	".ogg":  true,
	".flac": true,
	".wav":  true,
	".m4a":  true,
}

// LibraryState is a snapshot of the library for status reporting.
type LibraryState struct {
	Current    string   `json:"current"`
	Queue      []string `json:"queue"`
	Shuffle    bool     `json:"shuffle"`
	Repeat     string   `json:"repeat"`
	TrackCount int      `json:"track_count"`
}

// Library holds the ordered track list, the optional shuffle order, the
// repeat mode, the current path, and the explicit override queue.
type Library struct {
	mu      sync.Mutex
	tracks  []string
	order   []int
	pos     int
	current string
	queue   []string
	shuffle bool
	repeat  RepeatMode
	rng     *rand.Rand
}

// NewLibrary returns a library over the given track paths, in order.
func NewLibrary(tracks []string) *Library {
	l := &Library{
		tracks: append([]string(nil), tracks...),
		rng:    rand.New(rand.NewSource(rand.Int63())),
	}
	l.resetOrder()
	if len(l.tracks) > 0 {
		l.current = l.tracks[0]
	}
	return l
}

// LoadDir builds a library from the audio files found directly under dir,
// sorted by name.
func LoadDir(dir string) (*Library, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var tracks []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if trackExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			tracks = append(tracks, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(tracks)
	return NewLibrary(tracks), nil
}

// CurrentPath returns the path of the current track, or empty when the
// library has no tracks.
func (l *Library) CurrentPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Play makes path the current track. If path is in the track list the play
// position follows it; otherwise the position is untouched.
func (l *Library) Play(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = path
	for i, idx := range l.order {
		if l.tracks[idx] == path {
			l.pos = i
			return
		}
	}
}

// TryNext advances to the next track per the repeat and shuffle settings.
// It reports false when playback should stop (repeat off at the end, or an
// empty library).
func (l *Library) TryNext() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tracks) == 0 {
		return "", false
	}
	if l.repeat == RepeatOne {
		return l.current, true
	}
	next := l.pos + 1
	if next >= len(l.order) {
		if l.repeat != RepeatAll {
			return "", false
		}
		next = 0
	}
	l.pos = next
	l.current = l.tracks[l.order[next]]
	return l.current, true
}

// TryRandom picks a uniformly random track and makes it current. It reports
// false only for an empty library.
func (l *Library) TryRandom() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tracks) == 0 {
		return "", false
	}
	i := l.rng.Intn(len(l.tracks))
	l.current = l.tracks[i]
	for p, idx := range l.order {
		if idx == i {
			l.pos = p
			break
		}
	}
	return l.current, true
}

// TryConsumeQueue pops the front of the explicit queue and makes it current.
func (l *Library) TryConsumeQueue() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return "", false
	}
	path := l.queue[0]
	l.queue = l.queue[1:]
	l.current = path
	return path, true
}

// Enqueue appends path to the explicit override queue.
func (l *Library) Enqueue(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, path)
}

// SetShuffle toggles shuffle; enabling it draws a fresh random order.
func (l *Library) SetShuffle(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if on == l.shuffle {
		return
	}
	l.shuffle = on
	if on {
		l.reshuffleLocked()
	} else {
		l.resetOrderLocked()
	}
	l.pos = l.findCurrentLocked()
}

// SetRepeat sets the repeat mode.
func (l *Library) SetRepeat(mode RepeatMode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.repeat = mode
}

// State returns a snapshot for status reporting.
func (l *Library) State() LibraryState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LibraryState{
		Current:    l.current,
		Queue:      append([]string(nil), l.queue...),
		Shuffle:    l.shuffle,
		Repeat:     l.repeat.String(),
		TrackCount: len(l.tracks),
	}
}

func (l *Library) resetOrder() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetOrderLocked()
}

func (l *Library) resetOrderLocked() {
	l.order = make([]int, len(l.tracks))
	for i := range l.order {
		l.order[i] = i
	}
}

func (l *Library) reshuffleLocked() {
	l.resetOrderLocked()
	l.rng.Shuffle(len(l.order), func(i, j int) {
		l.order[i], l.order[j] = l.order[j], l.order[i]
	})
}

func (l *Library) findCurrentLocked() int {
	for p, idx := range l.order {
		if l.tracks[idx] == l.current {
			return p
		}
	}
	return 0
}
