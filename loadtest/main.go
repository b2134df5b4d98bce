// Command loadtest drives pairs of users against a running server: both
// sides sign up over the socket, open a private chat and exchange messages.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relay/internal/apperr"
	"relay/internal/logger"
	"relay/internal/protocol"
)

const callTimeout = 10 * time.Second

type stats struct {
	sent      atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "websocket endpoint")
	pairs := flag.Int("pairs", 50, "number of user pairs")
	messages := flag.Int("messages", 20, "messages per user")
	parallel := flag.Int("parallel", 32, "pairs running at once")
	flag.Parse()

	log, err := logger.New("info", true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log.Info("starting load test", zap.Int("users", *pairs*2), zap.Int("messages_per_user", *messages))
	started := time.Now()

	var st stats
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(*parallel)
	for i := range *pairs {
		g.Go(func() error {
			if err := runPair(ctx, *url, i, *messages, &st); err != nil {
				st.failed.Add(1)
				log.Warn("pair failed", zap.Int("pair", i), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info("load test complete",
		zap.Duration("elapsed", time.Since(started)),
		zap.Int64("sent", st.sent.Load()),
		zap.Int64("delivered", st.delivered.Load()),
		zap.Int64("failed_pairs", st.failed.Load()))
}

func runPair(ctx context.Context, url string, pairID, messages int, st *stats) error {
	a, err := dial(url, st)
	if err != nil {
		return err
	}
	defer a.close()
	b, err := dial(url, st)
	if err != nil {
		return err
	}
	defer b.close()

	// pairID is part of the device id so reruns of the same pair reuse devices.
	if err := a.authenticate(fmt.Sprintf("u%da", pairID), fmt.Sprintf("lt-%d-a", pairID)); err != nil {
		return err
	}
	if err := b.authenticate(fmt.Sprintf("u%db", pairID), fmt.Sprintf("lt-%d-b", pairID)); err != nil {
		return err
	}

	var created struct {
		ChatID int64 `json:"chatId"`
	}
	if err := a.call(protocol.EventCreateChat, map[string]any{"token": a.token, "invited": []int64{b.userID}}, &created); err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	// Both sides open the chat so messages arrive as room events.
	for _, s := range []*session{a, b} {
		if err := s.call(protocol.EventGetChatMessages, map[string]any{"token": s.token, "chatId": created.ChatID}, nil); err != nil {
			return fmt.Errorf("open chat: %w", err)
		}
	}

	g, _ := errgroup.WithContext(ctx)
	for _, s := range []*session{a, b} {
		g.Go(func() error {
			for i := range messages {
				payload := map[string]any{"token": s.token, "chatId": created.ChatID, "text": fmt.Sprintf("load test message %d from %s", i, s.login)}
				if err := s.call(protocol.EventSendMessage, payload, nil); err != nil {
					return fmt.Errorf("send message: %w", err)
				}
				st.sent.Add(1)
				// Simulate real network pacing.
				time.Sleep(10 * time.Millisecond)
			}
			return nil
		})
	}
	return g.Wait()
}

// session is one socket with a reader that routes responses to the pending
// call and counts server-initiated events.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	pending chan protocol.Envelope
	st      *stats

	login  string
	token  string
	userID int64
}

type rawEnvelope struct {
	Event   string          `json:"event"`
	Info    string          `json:"info"`
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload"`
	Details string          `json:"details"`
}

func dial(url string, st *stats) (*session, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	s := &session{conn: conn, pending: make(chan protocol.Envelope, 1), st: st}
	go s.readLoop()
	return s, nil
}

func (s *session) close() { _ = s.conn.Close() }

func (s *session) readLoop() {
	defer close(s.pending)
	for {
		var env rawEnvelope
		if err := s.conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Event {
		case protocol.EventIncomingChatMessage:
			s.st.delivered.Add(1)
		case protocol.EventIncomingLatestMsg, protocol.EventIncomingNewChat, protocol.EventIncomingShowHidden,
			protocol.EventUserConnected, protocol.EventUserDisconnected,
			protocol.EventDeviceConnected, protocol.EventDeviceDisconnected:
		default:
			s.pending <- protocol.Envelope{Event: env.Event, Info: env.Info, Status: env.Status, Payload: env.Payload, Details: env.Details}
		}
	}
}

var errClosed = errors.New("connection closed")

// call sends one event and waits for its response. Calls on one session
// must not overlap.
func (s *session) call(event string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	err = s.conn.WriteJSON(protocol.Frame{Event: event, Payload: raw})
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	select {
	case env, ok := <-s.pending:
		if !ok {
			return errClosed
		}
		if env.Info != apperr.InfoOK {
			return &apperr.Error{Info: env.Info, Status: env.Status, Details: env.Details}
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(env.Payload.(json.RawMessage), out)
	case <-time.After(callTimeout):
		return fmt.Errorf("%s: timed out", event)
	}
}

func (s *session) authenticate(login, deviceID string) error {
	const password = "password123"
	var res struct {
		Token string `json:"token"`
		User  struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}

	err := s.call(protocol.EventSignUp, map[string]string{
		"login": login, "password": password, "deviceId": deviceID, "deviceName": "loadtest",
		"recoveryQuestion": "load?", "recoveryAnswer": "test",
	}, &res)
	if errors.Is(err, apperr.ErrLoginAlreadyInUse) {
		err = s.call(protocol.EventSignIn, map[string]string{
			"login": login, "password": password, "deviceId": deviceID, "deviceName": "loadtest",
		}, &res)
	}
	if err != nil {
		return fmt.Errorf("authenticate %s: %w", login, err)
	}

	s.login, s.token, s.userID = login, res.Token, res.User.ID
	return nil
}
