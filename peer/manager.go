// Package peer implements the peer connection manager. One Manager owns at
// most one WebRTC session and one data channel at a time: role assignment,
// offer/answer exchange through the signaling codec, ICE candidate queueing,
// data channel lifecycle and the published status/role/message streams.
//
// Concurrent negotiations are not supported by design. Callers (the
// connection wizard) only invoke CreateOffer/CreateAnswer from states where
// no session exists.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adwski/peerchess/model"
	"github.com/adwski/peerchess/signaling"
	"github.com/adwski/peerchess/stream"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

const (
	defaultGatherTimeout = 5 * time.Second

	dataChannelLabel = "chess-game"
)

var (
	ErrSignalingFailure = errors.New("signaling failure")
	ErrInvalidOffer     = errors.New("invalid offer")
	ErrInvalidAnswer    = errors.New("invalid answer")
	ErrNoActiveOffer    = errors.New("no active offer")
)

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type (
	Config struct {
		Logger *zerolog.Logger
		// STUNServers nil selects the google defaults; an empty non-nil
		// slice disables STUN entirely (host candidates only).
		STUNServers   []string
		GatherTimeout time.Duration
	}

	Manager struct {
		logger zerolog.Logger
		mx     *sync.Mutex

		pc      *webrtc.PeerConnection
		dc      *webrtc.DataChannel
		pending []webrtc.ICECandidateInit

		status   *stream.Broadcaster[model.ConnectionStatus]
		role     *stream.Broadcaster[model.ConnectionRole]
		messages *stream.Broadcaster[model.GameMessage]

		webrtcCfg     webrtc.Configuration
		gatherTimeout time.Duration
	}
)

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger.With().Str("component", "peer-manager").Logger()

	stunServers := cfg.STUNServers
	if stunServers == nil {
		stunServers = defaultSTUNServers
	}
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, urls := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{urls}})
	}

	gatherTimeout := cfg.GatherTimeout
	if gatherTimeout == 0 {
		gatherTimeout = defaultGatherTimeout
	}

	return &Manager{
		logger:        logger,
		mx:            &sync.Mutex{},
		status:        stream.NewReplay(cfg.Logger, model.StatusDisconnected),
		role:          stream.NewReplay(cfg.Logger, model.RoleNone),
		messages:      stream.New[model.GameMessage](cfg.Logger),
		webrtcCfg:     webrtc.Configuration{ICEServers: iceServers},
		gatherTimeout: gatherTimeout,
	}
}

// Status is the connection status stream. Late subscribers receive the
// latest value first.
func (m *Manager) Status() <-chan model.ConnectionStatus {
	return m.status.Subscribe()
}

// Role is the connection role stream, replay-latest like Status.
func (m *Manager) Role() <-chan model.ConnectionRole {
	return m.role.Subscribe()
}

// Messages is the inbound game message stream. No replay.
func (m *Manager) Messages() <-chan model.GameMessage {
	return m.messages.Subscribe()
}

func (m *Manager) CurrentStatus() model.ConnectionStatus {
	return m.status.Latest()
}

func (m *Manager) CurrentRole() model.ConnectionRole {
	return m.role.Latest()
}

// CreateOffer assigns the Host role, creates a new session with an outbound
// ordered data channel, and returns the fully gathered offer as a
// transferable blob. ICE gathering is awaited up to the configured timeout;
// on expiry whatever candidates were gathered so far are encoded anyway.
func (m *Manager) CreateOffer(ctx context.Context) (string, error) {
	m.role.Publish(model.RoleHost)
	m.status.Publish(model.StatusConnecting)

	pc, err := webrtc.NewPeerConnection(m.webrtcCfg)
	if err != nil {
		m.status.Publish(model.StatusError)
		return "", errors.Join(ErrSignalingFailure, err)
	}
	m.adoptSession(pc)
	m.setupSessionHandlers(pc)

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		m.status.Publish(model.StatusError)
		return "", errors.Join(ErrSignalingFailure, err)
	}
	m.adoptDataChannel(pc, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		m.status.Publish(model.StatusError)
		return "", errors.Join(ErrSignalingFailure, err)
	}

	gatherDone := webrtc.GatheringCompletePromise(pc)
	if err = pc.SetLocalDescription(offer); err != nil {
		m.status.Publish(model.StatusError)
		return "", errors.Join(ErrSignalingFailure, err)
	}
	m.awaitGathering(ctx, pc, gatherDone)

	local := pc.LocalDescription()
	if local == nil {
		m.status.Publish(model.StatusError)
		return "", errors.Join(ErrSignalingFailure, errors.New("no local description"))
	}

	text, err := signaling.EncodeOffer(local)
	if err != nil {
		m.status.Publish(model.StatusError)
		return "", errors.Join(ErrSignalingFailure, err)
	}
	m.logger.Debug().Int("size", len(text)).Msg("offer created")
	return text, nil
}

// CreateAnswer assigns the Guest role, consumes a pasted/scanned offer blob
// and returns the complementary answer blob. The data channel is adopted
// from whatever the remote host opens.
func (m *Manager) CreateAnswer(ctx context.Context, offerText string) (string, error) {
	m.role.Publish(model.RoleGuest)
	m.status.Publish(model.StatusConnecting)

	env, err := signaling.Decode(offerText)
	if err != nil {
		m.status.Publish(model.StatusError)
		return "", errors.Join(ErrInvalidOffer, err)
	}
	if env.Kind() != signaling.KindOffer {
		m.status.Publish(model.StatusError)
		return "", errors.Join(ErrInvalidOffer, errors.New("envelope does not carry an offer"))
	}

	pc, err := webrtc.NewPeerConnection(m.webrtcCfg)
	if err != nil {
		m.status.Publish(model.StatusError)
		return "", errors.Join(ErrSignalingFailure, err)
	}
	m.adoptSession(pc)
	m.setupSessionHandlers(pc)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.adoptDataChannel(pc, dc)
	})

	if err = pc.SetRemoteDescription(*env.Offer); err != nil {
		m.status.Publish(model.StatusError)
		return "", errors.Join(ErrSignalingFailure, err)
	}
	m.flushPendingCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		m.status.Publish(model.StatusError)
		return "", errors.Join(ErrSignalingFailure, err)
	}

	gatherDone := webrtc.GatheringCompletePromise(pc)
	if err = pc.SetLocalDescription(answer); err != nil {
		m.status.Publish(model.StatusError)
		return "", errors.Join(ErrSignalingFailure, err)
	}
	m.awaitGathering(ctx, pc, gatherDone)

	local := pc.LocalDescription()
	if local == nil {
		m.status.Publish(model.StatusError)
		return "", errors.Join(ErrSignalingFailure, errors.New("no local description"))
	}

	text, err := signaling.EncodeAnswer(local)
	if err != nil {
		m.status.Publish(model.StatusError)
		return "", errors.Join(ErrSignalingFailure, err)
	}
	m.logger.Debug().Int("size", len(text)).Msg("answer created")
	return text, nil
}

// ReceiveAnswer completes the host side of the exchange. Valid only after
// CreateOffer on this instance; otherwise it fails with ErrNoActiveOffer and
// leaves the status untouched. ICE candidates queued while waiting are
// applied in arrival order and cleared.
func (m *Manager) ReceiveAnswer(answerText string) error {
	m.mx.Lock()
	pc := m.pc
	m.mx.Unlock()

	if pc == nil || m.role.Latest() != model.RoleHost || pc.LocalDescription() == nil {
		return ErrNoActiveOffer
	}

	env, err := signaling.Decode(answerText)
	if err != nil {
		m.status.Publish(model.StatusError)
		return errors.Join(ErrInvalidAnswer, err)
	}
	if env.Kind() != signaling.KindAnswer {
		m.status.Publish(model.StatusError)
		return errors.Join(ErrInvalidAnswer, errors.New("envelope does not carry an answer"))
	}

	if err = pc.SetRemoteDescription(*env.Answer); err != nil {
		m.status.Publish(model.StatusError)
		return errors.Join(ErrSignalingFailure, err)
	}
	m.flushPendingCandidates(pc)
	m.logger.Debug().Msg("answer applied")
	return nil
}

// AddRemoteCandidate applies an ICE candidate, queueing it if the remote
// description is not set yet. Queued candidates are applied exactly once.
func (m *Manager) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	m.mx.Lock()
	pc := m.pc
	if pc == nil || pc.RemoteDescription() == nil {
		m.pending = append(m.pending, candidate)
		m.mx.Unlock()
		m.logger.Debug().Msg("candidate queued, remote description not set")
		return nil
	}
	m.mx.Unlock()
	return pc.AddICECandidate(candidate)
}

// SendMessage serializes a game message and writes it to the data channel.
// When the channel is not open the message is dropped with a warning;
// transient unavailability during negotiation must not crash the caller.
func (m *Manager) SendMessage(msgType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error().Err(err).Str("type", msgType).Msg("failed to marshal payload")
		return
	}
	msg := model.GameMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	b, err := json.Marshal(&msg)
	if err != nil {
		m.logger.Error().Err(err).Str("type", msgType).Msg("failed to marshal message")
		return
	}

	m.mx.Lock()
	dc := m.dc
	m.mx.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		m.logger.Warn().Str("type", msgType).Msg("data channel not open, message dropped")
		return
	}
	if err = dc.SendText(string(b)); err != nil {
		m.logger.Error().Err(err).Str("type", msgType).Msg("data channel send failed")
	}
}

// Disconnect tears down the session: closes the data channel and the peer
// connection, clears the pending candidate queue, resets role and status.
// Safe to call at any time, including when already disconnected.
func (m *Manager) Disconnect() {
	m.mx.Lock()
	dc, pc := m.dc, m.pc
	m.dc, m.pc = nil, nil
	m.pending = nil
	m.mx.Unlock()

	if dc != nil {
		if err := dc.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("data channel close failed")
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("peer connection close failed")
		}
	}

	m.status.Publish(model.StatusDisconnected)
	m.role.Publish(model.RoleNone)
	m.logger.Debug().Msg("disconnected")
}

// Close disconnects and shuts down all streams.
func (m *Manager) Close() {
	m.Disconnect()
	m.status.Close()
	m.role.Close()
	m.messages.Close()
}

// adoptSession installs pc as the active session. A leftover session is
// closed, not leaked; the wizard's step guards make this the exceptional
// path rather than the normal one.
func (m *Manager) adoptSession(pc *webrtc.PeerConnection) {
	m.mx.Lock()
	prevDC, prevPC := m.dc, m.pc
	m.pc = pc
	m.dc = nil
	m.pending = nil
	m.mx.Unlock()

	if prevDC != nil {
		if err := prevDC.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("stale data channel close failed")
		}
	}
	if prevPC != nil {
		if err := prevPC.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("stale peer connection close failed")
		}
		m.logger.Warn().Msg("previous session was still active, closed")
	}
}

// sessionIs reports whether pc is still the active session. Callbacks from a
// torn-down session check this and become no-ops.
func (m *Manager) sessionIs(pc *webrtc.PeerConnection) bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.pc == pc
}

func (m *Manager) setupSessionHandlers(pc *webrtc.PeerConnection) {
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if !m.sessionIs(pc) {
			return
		}
		m.logger.Debug().Str("state", state.String()).Msg("ice connection state changed")
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			m.status.Publish(model.StatusConnected)
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
			m.status.Publish(model.StatusError)
		case webrtc.ICEConnectionStateClosed:
			m.status.Publish(model.StatusDisconnected)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Debug().Str("state", state.String()).Msg("connection state changed")
	})
	pc.OnICEGatheringStateChange(func(state webrtc.ICEGathererState) {
		m.logger.Debug().Str("state", state.String()).Msg("ice gathering state changed")
	})
}

func (m *Manager) adoptDataChannel(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) {
	m.mx.Lock()
	if m.pc != pc {
		m.mx.Unlock()
		return
	}
	m.dc = dc
	m.mx.Unlock()

	dc.OnOpen(func() {
		if !m.sessionIs(pc) {
			return
		}
		m.logger.Debug().Str("label", dc.Label()).Msg("data channel opened")
		m.status.Publish(model.StatusConnected)
	})
	dc.OnClose(func() {
		if !m.sessionIs(pc) {
			return
		}
		m.logger.Debug().Str("label", dc.Label()).Msg("data channel closed")
		m.status.Publish(model.StatusDisconnected)
	})
	dc.OnError(func(err error) {
		if !m.sessionIs(pc) {
			return
		}
		m.logger.Error().Err(err).Msg("data channel error")
		m.status.Publish(model.StatusError)
	})
	dc.OnMessage(func(raw webrtc.DataChannelMessage) {
		if !m.sessionIs(pc) {
			return
		}
		var msg model.GameMessage
		if err := json.Unmarshal(raw.Data, &msg); err != nil {
			m.logger.Warn().Err(err).Msg("failed to unmarshal incoming message")
			return
		}
		m.messages.Publish(msg)
	})
}

// awaitGathering blocks until ICE gathering completes, the gather timeout
// elapses, or ctx is canceled. A timed-out description is still usable with
// a partial candidate set; a zero-candidate one is logged loudly since the
// resulting connection is unlikely to succeed.
func (m *Manager) awaitGathering(ctx context.Context, pc *webrtc.PeerConnection, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
		m.logger.Warn().Msg("ice gathering interrupted, proceeding with partial candidate set")
	case <-time.After(m.gatherTimeout):
		m.logger.Warn().
			Dur("timeout", m.gatherTimeout).
			Msg("ice gathering timed out, proceeding with partial candidate set")
	}
	if local := pc.LocalDescription(); local != nil &&
		!strings.Contains(local.SDP, "a=candidate") {
		m.logger.Warn().Msg("no ice candidates gathered, connection is unlikely to establish")
	}
}

func (m *Manager) flushPendingCandidates(pc *webrtc.PeerConnection) {
	m.mx.Lock()
	pending := m.pending
	m.pending = nil
	m.mx.Unlock()

	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			m.logger.Error().Err(err).Msg("failed to apply queued candidate")
		}
	}
	if len(pending) > 0 {
		m.logger.Debug().Int("count", len(pending)).Msg("queued candidates applied")
	}
}
