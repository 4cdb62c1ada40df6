package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "CONNECTING"
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
	StatusReconnecting ConnectionStatus = "RECONNECTING"
	StatusFailed       ConnectionStatus = "FAILED"
	StatusClosed       ConnectionStatus = "CLOSED"
)

type Modality string

const (
	ModalityText  Modality = "TEXT"
	ModalityAudio Modality = "AUDIO"
)

type TranscriptType string

const (
	TranscriptTypeInput  TranscriptType = "INPUT"
	TranscriptTypeOutput TranscriptType = "OUTPUT"
)

type TranscriptRole string

const (
	TranscriptRoleUser      TranscriptRole = "USER"
	TranscriptRoleAssistant TranscriptRole = "ASSISTANT"
)

// Transcript is a completed utterance. Never mutated after creation.
type Transcript struct {
	Content   string
	Timestamp time.Time
	Type      TranscriptType
	Role      TranscriptRole
}

type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type RateLimit struct {
	Name         string
	Remaining    float64
	ResetSeconds float64
}

// Session is the single live connection's snapshot. At most one session
// exists at a time; a new connect replaces any prior session wholesale.
type Session struct {
	ID               string
	ConnectionStatus ConnectionStatus
	Modalities       []Modality
	HasAudio         bool
	IsMuted          bool

	Transcripts []Transcript
	TokenUsage  *TokenUsage

	RateLimits         []RateLimit
	RateLimitResetTime time.Time
	IsRateLimited      bool

	StartTime time.Time
	EndTime   time.Time
	Duration  float64

	// Non-owning references to the transport primitives. The controller is
	// the exclusive owner and the only mutator (in its teardown routine).
	PeerConnection *webrtc.PeerConnection
	DataChannel    ControlChannel
	Audio          AudioSource
}

// HasModality reports whether the session negotiated the given modality.
func (s *Session) HasModality(m Modality) bool {
	for _, mod := range s.Modalities {
		if mod == m {
			return true
		}
	}
	return false
}

// Action is a SessionStateStore input. The set is closed; reduce panics on
// anything outside it.
type Action interface {
	isAction()
}

type ActionInitSession struct {
	ID         string
	Modalities []Modality
}

type ActionSetStatus struct {
	Status ConnectionStatus
}

type ActionAttachTransport struct {
	PeerConnection *webrtc.PeerConnection
	DataChannel    ControlChannel
	Audio          AudioSource
}

type ActionSetAudio struct {
	HasAudio bool
}

type ActionSetMuted struct {
	IsMuted bool
}

type ActionAddTranscript struct {
	Transcript Transcript
}

type ActionSetTokenUsage struct {
	Usage TokenUsage
}

type ActionSetRateLimits struct {
	RateLimits    []RateLimit
	ResetTime     time.Time
	IsRateLimited bool
}

type ActionSetStartTime struct {
	StartTime time.Time
}

type ActionEndSession struct {
	EndTime time.Time
}

func (ActionInitSession) isAction()     {}
func (ActionSetStatus) isAction()       {}
func (ActionAttachTransport) isAction() {}
func (ActionSetAudio) isAction()        {}
func (ActionSetMuted) isAction()        {}
func (ActionAddTranscript) isAction()   {}
func (ActionSetTokenUsage) isAction()   {}
func (ActionSetRateLimits) isAction()   {}
func (ActionSetStartTime) isAction()    {}
func (ActionEndSession) isAction()      {}

// reduce is the pure transition function. Every action except
// ActionInitSession requires a prior session and is a no-op on nil state.
// An action type outside the closed set is a programmer error and panics.
func reduce(s *Session, action Action) *Session {
	if _, ok := action.(ActionInitSession); !ok && s == nil {
		return nil
	}
	switch a := action.(type) {
	case ActionInitSession:
		return &Session{
			ID:               a.ID,
			ConnectionStatus: StatusConnecting,
			Modalities:       append([]Modality(nil), a.Modalities...),
		}
	case ActionSetStatus:
		next := *s
		next.ConnectionStatus = a.Status
		return &next
	case ActionAttachTransport:
		next := *s
		next.PeerConnection = a.PeerConnection
		next.DataChannel = a.DataChannel
		next.Audio = a.Audio
		return &next
	case ActionSetAudio:
		next := *s
		next.HasAudio = a.HasAudio
		return &next
	case ActionSetMuted:
		next := *s
		next.IsMuted = a.IsMuted
		return &next
	case ActionAddTranscript:
		next := *s
		next.Transcripts = append(append([]Transcript(nil), s.Transcripts...), a.Transcript)
		return &next
	case ActionSetTokenUsage:
		next := *s
		usage := a.Usage
		next.TokenUsage = &usage
		return &next
	case ActionSetRateLimits:
		next := *s
		next.RateLimits = append([]RateLimit(nil), a.RateLimits...)
		next.RateLimitResetTime = a.ResetTime
		next.IsRateLimited = a.IsRateLimited
		return &next
	case ActionSetStartTime:
		next := *s
		next.StartTime = a.StartTime
		return &next
	case ActionEndSession:
		next := *s
		next.ConnectionStatus = StatusClosed
		if next.EndTime.IsZero() {
			next.EndTime = a.EndTime
			if !next.StartTime.IsZero() {
				next.Duration = a.EndTime.Sub(next.StartTime).Seconds()
			}
		}
		return &next
	default:
		panic(fmt.Sprintf("unrecognized session action %T", action))
	}
}

// Store owns the single session snapshot. All logical mutation funnels
// through reduce; callers get copies, never the live pointer's internals.
type Store struct {
	mu      sync.Mutex
	session *Session
}

func NewStore() *Store {
	return &Store{}
}

// Dispatch applies action and returns the resulting snapshot.
func (st *Store) Dispatch(action Action) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.session = reduce(st.session, action)
	return st.snapshotLocked()
}

// Session returns a copy of the current snapshot, nil when no session exists.
func (st *Store) Session() *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshotLocked()
}

// Clear drops the session wholesale. Used when a failed connect must leave
// no half-initialized session behind.
func (st *Store) Clear() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.session = nil
}

func (st *Store) snapshotLocked() *Session {
	if st.session == nil {
		return nil
	}
	snap := *st.session
	snap.Modalities = append([]Modality(nil), st.session.Modalities...)
	snap.Transcripts = append([]Transcript(nil), st.session.Transcripts...)
	snap.RateLimits = append([]RateLimit(nil), st.session.RateLimits...)
	if st.session.TokenUsage != nil {
		usage := *st.session.TokenUsage
		snap.TokenUsage = &usage
	}
	return &snap
}
