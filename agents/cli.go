package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"

	realtime "github.com/bt-bridge/realtime-session"
	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bt-bridge/realtime-session/tools"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	playbackBufferMs      = 100
	playbackRingSeconds   = 5
	transcriptIndentLevel = 1
)

// CLIAgent runs a voice conversation in the terminal: microphone in, speaker
// out, transcripts printed as they complete.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	manager *realtime.Manager

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

func (a *CLIAgent) finish() {
	a.doneOnce.Do(func() {
		close(a.done)
	})
}

// Spawn builds the session manager, wires playback and transcript printing,
// and connects. greeting, when non-empty, is pushed as the first response
// instruction once the control channel opens.
func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *realtime.SessionConfig,
	greeting string,
	printer *shared.Printer,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if cfg == nil {
		return shared.ErrNoConfig
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.done = make(chan struct{})
	a.logger.Info("spawning CLI agent")
	if err := a.printer.Writeln("🤖 Spawning voice agent...\n", 0); err != nil {
		a.logger.Error("printing spawn message", err)
	}

	mic, err := tools.NewMicrophone(logger)
	if err != nil {
		return fmt.Errorf("creating microphone: %w", err)
	}
	a.manager, err = realtime.NewManager(logger, mic, realtime.ControllerOptions{})
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	agentCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	// Remote audio goes straight to the default output device.
	a.manager.SetRemoteTrackHandler(func(track *webrtc.TrackRemote) {
		a.logger.Info(
			"received remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		tools.PlayRemoteAudio(agentCtx, a.logger, track, playbackBufferMs, playbackRingSeconds)
	})

	// A session ending on its own (remote hangup, transport failure) must
	// still release anyone waiting on Done.
	a.manager.SetSessionEndHandler(func() {
		a.logger.Info("session ended by transport")
		a.finish()
	})

	a.manager.SetChannelOpenHandler(func() {
		a.manager.UpdateSession(cfg.SessionUpdatePayload())
		if greeting != "" {
			a.manager.CreateResponse(map[string]any{
				"instructions": greeting,
			})
		}
	})

	a.manager.On(realtime.EventType(realtime.ServerEventTypeInputAudioTranscriptionCompleted), a.printTranscript)
	a.manager.On(realtime.EventType(realtime.ServerEventTypeResponseAudioTranscriptDone), a.printTranscript)
	a.manager.On(realtime.EventType(realtime.ServerEventTypeError), a.printServerError)

	if err := a.printer.Writeln("🔌 Connecting...", 0); err != nil {
		a.logger.Error("printing connect message", err)
	}
	if err := a.manager.Connect(agentCtx, cfg, nil); err != nil {
		cancel()
		if errors.Is(err, shared.ErrMicrophoneAccess) {
			if perr := a.printer.Writeln("❌ Unable to access microphone. Please ensure that your microphone is connected and that you have granted permission to access it.\n", 0); perr != nil {
				a.logger.Error("printing microphone failure message", perr)
			}
		}
		return fmt.Errorf("connecting session: %w", err)
	}
	if err := a.printer.Writeln("✅ Session connecting; speak when ready.\n", 0); err != nil {
		a.logger.Error("printing connected message", err)
	}
	return nil
}

func (a *CLIAgent) printTranscript(event realtime.Event) {
	var label, content string
	switch param := eventParam(event).(type) {
	case *realtime.ServerEventParamInputAudioTranscriptionCompleted:
		label = "🧑 You"
		content = param.Transcript
	case *realtime.ServerEventParamResponseAudioTranscriptDone:
		label = "🤖 Assistant"
		content = param.Transcript
	default:
		return
	}
	if err := a.printer.Writeln(label, 0); err != nil {
		a.logger.Error("printing transcript label", err)
		return
	}
	if err := a.printer.Writeln(content+"\n", transcriptIndentLevel); err != nil {
		a.logger.Error("printing transcript", err)
	}
}

func (a *CLIAgent) printServerError(event realtime.Event) {
	param, ok := eventParam(event).(*realtime.ServerEventParamError)
	if !ok {
		return
	}
	if err := a.printer.Writeln("⚠️  "+param.Message, 0); err != nil {
		a.logger.Error("printing server error", err)
	}
}

func eventParam(event realtime.Event) realtime.EventParam {
	se, ok := event.(*realtime.ServerEvent)
	if !ok {
		return nil
	}
	return se.Param
}

// Done closes when the agent has fully shut down.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

// Session exposes the live session snapshot for status display.
func (a *CLIAgent) Session() *realtime.Session {
	if a.manager == nil {
		return nil
	}
	return a.manager.Session()
}

func (a *CLIAgent) Close() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	a.manager.Disconnect()
	a.finish()
	return nil
}
