package wizard_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adwski/peerchess/model"
	"github.com/adwski/peerchess/wizard"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnector struct {
	offerText  string
	answerText string
	offerErr   error
	answerErr  error
	receiveErr error
	role       model.ConnectionRole

	createOfferCalls   int
	createAnswerCalls  int
	receiveAnswerCalls int
	disconnectCalls    int
	receivedAnswer     string
}

func (f *fakeConnector) CreateOffer(context.Context) (string, error) {
	f.createOfferCalls++
	return f.offerText, f.offerErr
}

func (f *fakeConnector) CreateAnswer(_ context.Context, _ string) (string, error) {
	f.createAnswerCalls++
	return f.answerText, f.answerErr
}

func (f *fakeConnector) ReceiveAnswer(answerText string) error {
	f.receiveAnswerCalls++
	f.receivedAnswer = answerText
	return f.receiveErr
}

func (f *fakeConnector) Disconnect() {
	f.disconnectCalls++
}

func (f *fakeConnector) CurrentRole() model.ConnectionRole {
	return f.role
}

func newTestWizard(conn *fakeConnector, onReady func(model.ConnectionRole)) *wizard.Wizard {
	logger := zerolog.Nop()
	return wizard.NewWizard(wizard.Config{
		Logger:     &logger,
		Connector:  conn,
		OnReady:    onReady,
		ReadyDelay: 10 * time.Millisecond,
	})
}

func TestWizard_HostFlow(t *testing.T) {
	t.Run("choose host creates offer and renders qr", func(t *testing.T) {
		conn := &fakeConnector{offerText: `{"offer":{"type":"offer","sdp":"v=0"}}`}
		w := newTestWizard(conn, nil)

		w.ChooseHost(context.Background())

		assert.Equal(t, wizard.StepHostWaiting, w.Step())
		assert.Empty(t, w.ErrorMessage())
		assert.Equal(t, conn.offerText, w.OfferText())
		assert.NotEmpty(t, w.OfferQR())
		assert.Equal(t, 1, conn.createOfferCalls)
	})

	t.Run("offer failure reverts to role selection and tears down", func(t *testing.T) {
		conn := &fakeConnector{offerErr: errors.New("no transport support")}
		w := newTestWizard(conn, nil)

		w.ChooseHost(context.Background())

		assert.Equal(t, wizard.StepChooseRole, w.Step())
		assert.Equal(t, "Failed to create game. Please try again.", w.ErrorMessage())
		assert.Equal(t, 1, conn.disconnectCalls)
		assert.Empty(t, w.OfferText())
	})

	t.Run("empty answer input issues no transport calls", func(t *testing.T) {
		conn := &fakeConnector{offerText: "offer-blob"}
		w := newTestWizard(conn, nil)
		w.ChooseHost(context.Background())

		w.SubmitAnswer("   ")

		assert.Equal(t, "Please paste the response code", w.ErrorMessage())
		assert.Zero(t, conn.receiveAnswerCalls)
		assert.Equal(t, wizard.StepHostWaiting, w.Step())
	})

	t.Run("invalid answer keeps step with inline error", func(t *testing.T) {
		conn := &fakeConnector{offerText: "offer-blob", receiveErr: errors.New("bad answer")}
		w := newTestWizard(conn, nil)
		w.ChooseHost(context.Background())

		w.SubmitAnswer("garbage")

		assert.Equal(t, wizard.StepHostWaiting, w.Step())
		assert.Equal(t, "Invalid response code. Please try again.", w.ErrorMessage())
		assert.Equal(t, 1, conn.receiveAnswerCalls)
	})

	t.Run("valid answer is forwarded trimmed", func(t *testing.T) {
		conn := &fakeConnector{offerText: "offer-blob"}
		w := newTestWizard(conn, nil)
		w.ChooseHost(context.Background())

		w.SubmitAnswer("  answer-blob\n")

		assert.Empty(t, w.ErrorMessage())
		assert.Equal(t, "answer-blob", conn.receivedAnswer)
	})
}

func TestWizard_GuestFlow(t *testing.T) {
	t.Run("choose guest enters scanning", func(t *testing.T) {
		w := newTestWizard(&fakeConnector{}, nil)
		w.ChooseGuest()
		assert.Equal(t, wizard.StepGuestScanning, w.Step())
	})

	t.Run("empty offer input issues no transport calls", func(t *testing.T) {
		conn := &fakeConnector{}
		w := newTestWizard(conn, nil)
		w.ChooseGuest()

		w.SubmitOffer(context.Background(), "")

		assert.Equal(t, wizard.StepGuestScanning, w.Step())
		assert.Equal(t, "Please paste the connection code", w.ErrorMessage())
		assert.Zero(t, conn.createAnswerCalls)
	})

	t.Run("invalid offer stays on scanning with inline error", func(t *testing.T) {
		conn := &fakeConnector{answerErr: errors.New("invalid offer")}
		w := newTestWizard(conn, nil)
		w.ChooseGuest()

		w.SubmitOffer(context.Background(), "garbage")

		assert.Equal(t, wizard.StepGuestScanning, w.Step())
		assert.Equal(t, "Invalid connection code. Please try again.", w.ErrorMessage())
	})

	t.Run("valid offer advances to showing answer", func(t *testing.T) {
		conn := &fakeConnector{answerText: "answer-blob"}
		w := newTestWizard(conn, nil)
		w.ChooseGuest()

		w.SubmitOffer(context.Background(), "offer-blob")

		assert.Equal(t, wizard.StepGuestShowingAnswer, w.Step())
		assert.Equal(t, "answer-blob", w.AnswerText())
		assert.NotEmpty(t, w.AnswerQR())
	})
}

func TestWizard_StepGuards(t *testing.T) {
	t.Run("second choose host is ignored while negotiating", func(t *testing.T) {
		conn := &fakeConnector{offerText: "offer-blob"}
		w := newTestWizard(conn, nil)
		w.ChooseHost(context.Background())
		require.Equal(t, wizard.StepHostWaiting, w.Step())

		w.ChooseHost(context.Background())

		assert.Equal(t, 1, conn.createOfferCalls)
		assert.Equal(t, wizard.StepHostWaiting, w.Step())
		assert.Zero(t, conn.disconnectCalls)
	})

	t.Run("choose guest is ignored while hosting", func(t *testing.T) {
		conn := &fakeConnector{offerText: "offer-blob"}
		w := newTestWizard(conn, nil)
		w.ChooseHost(context.Background())

		w.ChooseGuest()

		assert.Equal(t, wizard.StepHostWaiting, w.Step())
	})

	t.Run("offer submission requires scanning step", func(t *testing.T) {
		conn := &fakeConnector{answerText: "answer-blob"}
		w := newTestWizard(conn, nil)

		w.SubmitOffer(context.Background(), "offer-blob")

		assert.Zero(t, conn.createAnswerCalls)
		assert.Equal(t, wizard.StepChooseRole, w.Step())
	})

	t.Run("answer submission requires host waiting step", func(t *testing.T) {
		conn := &fakeConnector{answerText: "answer-blob"}
		w := newTestWizard(conn, nil)
		w.ChooseGuest()

		w.SubmitAnswer("answer-blob")

		assert.Zero(t, conn.receiveAnswerCalls)
		assert.Equal(t, wizard.StepGuestScanning, w.Step())
	})

	t.Run("go back allows a fresh negotiation", func(t *testing.T) {
		conn := &fakeConnector{offerText: "offer-blob"}
		w := newTestWizard(conn, nil)
		w.ChooseHost(context.Background())
		w.GoBack()

		w.ChooseHost(context.Background())

		assert.Equal(t, 2, conn.createOfferCalls)
		assert.Equal(t, wizard.StepHostWaiting, w.Step())
	})
}

func TestWizard_GoBack(t *testing.T) {
	conn := &fakeConnector{offerText: "offer-blob"}
	w := newTestWizard(conn, nil)
	w.ChooseHost(context.Background())
	require.Equal(t, wizard.StepHostWaiting, w.Step())

	w.GoBack()

	assert.Equal(t, wizard.StepChooseRole, w.Step())
	assert.Equal(t, 1, conn.disconnectCalls)
	assert.Empty(t, w.OfferText())
	assert.Empty(t, w.AnswerText())
	assert.Empty(t, w.ErrorMessage())
	assert.Nil(t, w.OfferQR())
}

func TestWizard_Run(t *testing.T) {
	t.Run("connected status advances step and notifies after delay", func(t *testing.T) {
		conn := &fakeConnector{offerText: "offer-blob", role: model.RoleHost}
		ready := make(chan model.ConnectionRole, 1)
		w := newTestWizard(conn, func(r model.ConnectionRole) { ready <- r })
		w.ChooseHost(context.Background())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		status := make(chan model.ConnectionStatus, 1)
		go w.Run(ctx, status)

		status <- model.StatusConnected

		select {
		case r := <-ready:
			assert.Equal(t, model.RoleHost, r)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for ready notification")
		}
		assert.Equal(t, wizard.StepConnected, w.Step())
	})

	t.Run("error status surfaces inline message", func(t *testing.T) {
		w := newTestWizard(&fakeConnector{}, nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		status := make(chan model.ConnectionStatus, 1)
		go w.Run(ctx, status)

		status <- model.StatusError

		require.Eventually(t, func() bool {
			return w.ErrorMessage() == "Connection failed. Please try again."
		}, time.Second, 10*time.Millisecond)
	})
}
