// Package wizard drives the multi-step manual connection handshake. Signaling
// blobs travel out-of-band (QR code or clipboard), so a human walks both
// peers through role selection, blob exchange and confirmation. The wizard
// sequences those steps, surfaces inline errors and tears the session down on
// a step back.
package wizard

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/adwski/peerchess/model"
	"github.com/adwski/peerchess/stream"
	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"
)

// Step is the wizard position. Steps progress strictly forward per role;
// GoBack is the only reverse transition and always tears down the session.
type Step string

const (
	StepChooseRole         Step = "choose-role"
	StepHostWaiting        Step = "host-waiting"
	StepGuestScanning      Step = "guest-scanning"
	StepGuestShowingAnswer Step = "guest-showing-answer"
	StepConnected          Step = "connected"
)

const (
	defaultReadyDelay = 1500 * time.Millisecond
	defaultQRSize     = 300
)

// User-facing inline messages.
const (
	msgPasteConnectionCode = "Please paste the connection code"
	msgPasteResponseCode   = "Please paste the response code"
	msgInvalidOffer        = "Invalid connection code. Please try again."
	msgInvalidAnswer       = "Invalid response code. Please try again."
	msgCreateFailed        = "Failed to create game. Please try again."
	msgConnectionFailed    = "Connection failed. Please try again."
)

type (
	// Connector is the slice of the peer connection manager the wizard
	// drives.
	Connector interface {
		CreateOffer(ctx context.Context) (string, error)
		CreateAnswer(ctx context.Context, offerText string) (string, error)
		ReceiveAnswer(answerText string) error
		Disconnect()
		CurrentRole() model.ConnectionRole
	}

	Config struct {
		Logger    *zerolog.Logger
		Connector Connector
		// OnReady is called once the session is established, after
		// ReadyDelay. Optional.
		OnReady    func(model.ConnectionRole)
		ReadyDelay time.Duration
		QRSize     int
	}

	Wizard struct {
		logger zerolog.Logger
		conn   Connector
		mx     *sync.Mutex

		steps      *stream.Broadcaster[Step]
		errMsg     string
		offerText  string
		answerText string
		offerQR    []byte
		answerQR   []byte

		onReady    func(model.ConnectionRole)
		readyDelay time.Duration
		qrSize     int
	}
)

func NewWizard(cfg Config) *Wizard {
	readyDelay := cfg.ReadyDelay
	if readyDelay == 0 {
		readyDelay = defaultReadyDelay
	}
	qrSize := cfg.QRSize
	if qrSize == 0 {
		qrSize = defaultQRSize
	}
	return &Wizard{
		logger:     cfg.Logger.With().Str("component", "wizard").Logger(),
		conn:       cfg.Connector,
		mx:         &sync.Mutex{},
		steps:      stream.NewReplay(cfg.Logger, StepChooseRole),
		onReady:    cfg.OnReady,
		readyDelay: readyDelay,
		qrSize:     qrSize,
	}
}

// Step returns the current wizard step.
func (w *Wizard) Step() Step { return w.steps.Latest() }

// Steps is the step stream, replay-latest for late subscribers.
func (w *Wizard) Steps() <-chan Step { return w.steps.Subscribe() }

// ErrorMessage returns the inline message for the current step, empty when
// there is none.
func (w *Wizard) ErrorMessage() string {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.errMsg
}

// OfferText returns the encoded offer blob for copy/paste transfer.
func (w *Wizard) OfferText() string {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.offerText
}

// AnswerText returns the encoded answer blob for copy/paste transfer.
func (w *Wizard) AnswerText() string {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.answerText
}

// OfferQR returns the offer blob rendered as a PNG, nil when rendering
// failed or no offer exists.
func (w *Wizard) OfferQR() []byte {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.offerQR
}

// AnswerQR returns the answer blob rendered as a PNG.
func (w *Wizard) AnswerQR() []byte {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.answerQR
}

// ChooseHost enters HostWaiting and creates the offer. On failure the wizard
// reverts to ChooseRole with an inline message and tears down the session;
// there is no automatic retry since the failure is usually environmental.
func (w *Wizard) ChooseHost(ctx context.Context) {
	if !w.stepAllows(StepChooseRole, "host selection") {
		return
	}
	w.setStep(StepHostWaiting)
	w.setError("")

	offerText, err := w.conn.CreateOffer(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to create offer")
		w.conn.Disconnect()
		w.setError(msgCreateFailed)
		w.setStep(StepChooseRole)
		return
	}

	w.mx.Lock()
	w.offerText = offerText
	w.offerQR = w.renderQR(offerText)
	w.mx.Unlock()
}

// ChooseGuest enters GuestScanning, waiting for a pasted/scanned offer.
func (w *Wizard) ChooseGuest() {
	if !w.stepAllows(StepChooseRole, "guest selection") {
		return
	}
	w.setError("")
	w.setStep(StepGuestScanning)
}

// SubmitOffer consumes the pasted offer blob on the guest side. An empty
// input or a failed answer creation keeps the wizard on GuestScanning with
// an inline message; the user must re-obtain a valid code.
func (w *Wizard) SubmitOffer(ctx context.Context, offerText string) {
	if !w.stepAllows(StepGuestScanning, "offer submission") {
		return
	}
	offerText = strings.TrimSpace(offerText)
	if offerText == "" {
		w.setError(msgPasteConnectionCode)
		return
	}
	w.setError("")

	answerText, err := w.conn.CreateAnswer(ctx, offerText)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to create answer")
		w.setError(msgInvalidOffer)
		return
	}

	w.mx.Lock()
	w.answerText = answerText
	w.answerQR = w.renderQR(answerText)
	w.mx.Unlock()
	w.setStep(StepGuestShowingAnswer)
}

// SubmitAnswer consumes the pasted answer blob on the host side. The wizard
// does not poll afterwards; it relies on the connection status stream to
// advance to Connected.
func (w *Wizard) SubmitAnswer(answerText string) {
	if !w.stepAllows(StepHostWaiting, "answer submission") {
		return
	}
	answerText = strings.TrimSpace(answerText)
	if answerText == "" {
		w.setError(msgPasteResponseCode)
		return
	}
	w.setError("")

	if err := w.conn.ReceiveAnswer(answerText); err != nil {
		w.logger.Error().Err(err).Msg("failed to apply answer")
		w.setError(msgInvalidAnswer)
	}
}

// GoBack returns to role selection from any step, unconditionally tearing
// down any in-progress session.
func (w *Wizard) GoBack() {
	w.conn.Disconnect()

	w.mx.Lock()
	w.errMsg = ""
	w.offerText = ""
	w.answerText = ""
	w.offerQR = nil
	w.answerQR = nil
	w.mx.Unlock()

	w.setStep(StepChooseRole)
}

// Run watches the connection status stream: Connected auto-advances the
// wizard and, after a short cosmetic delay, notifies OnReady; Error surfaces
// an inline message. Runs until ctx is done or the stream closes.
func (w *Wizard) Run(ctx context.Context, status <-chan model.ConnectionStatus) {
	defer w.logger.Debug().Msg("status watcher stopped")
watchLoop:
	for {
		select {
		case <-ctx.Done():
			break watchLoop
		case st, ok := <-status:
			if !ok {
				break watchLoop
			}
			switch st {
			case model.StatusConnected:
				if w.Step() == StepConnected {
					continue
				}
				w.setError("")
				w.setStep(StepConnected)
				w.notifyReady(ctx)
			case model.StatusError:
				w.setError(msgConnectionFailed)
			}
		}
	}
}

func (w *Wizard) notifyReady(ctx context.Context) {
	if w.onReady == nil {
		return
	}
	role := w.conn.CurrentRole()
	go func() {
		t := time.NewTimer(w.readyDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			w.onReady(role)
		}
	}()
}

func (w *Wizard) renderQR(text string) []byte {
	png, err := qrcode.Encode(text, qrcode.Medium, w.qrSize)
	if err != nil {
		// cosmetic failure, the text blob is still usable
		w.logger.Warn().Err(err).Msg("qr rendering failed")
		return nil
	}
	return png
}

// stepAllows enforces forward-only progression: negotiation calls are only
// valid from the one step that has no session in flight. GoBack is the sole
// way to restart.
func (w *Wizard) stepAllows(want Step, action string) bool {
	if step := w.Step(); step != want {
		w.logger.Warn().
			Str("step", string(step)).
			Str("action", action).
			Msg("ignored, not allowed from current step")
		return false
	}
	return true
}

func (w *Wizard) setStep(s Step) {
	w.steps.Publish(s)
	w.logger.Debug().Str("step", string(s)).Msg("step changed")
}

func (w *Wizard) setError(msg string) {
	w.mx.Lock()
	w.errMsg = msg
	w.mx.Unlock()
}
