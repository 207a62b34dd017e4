// Copyright 2024-2026 Aiku AI

package callbacks

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	testBotID     = id.UserID("@bot:example.com")
	testAliceID   = id.UserID("@alice:example.com")
	testMalloryID = id.UserID("@mallory:example.com")
	testRoomID    = id.RoomID("!room:example.com")
	testTxnID     = id.VerificationTransactionID("txn-1")
)

var errFakeJoin = errors.New("fake join failure")

type sentNotice struct {
	roomID id.RoomID
	text   string
}

type sentToDevice struct {
	eventType event.Type
	req       *mautrix.ReqSendToDevice
}

// fakeRoomClient records every call and fails the first joinFailures joins.
type fakeRoomClient struct {
	mu           sync.Mutex
	joinFailures int
	joinErr      error
	noticeErr    error
	joins        []id.RoomID
	notices      []sentNotice
	toDevice     []sentToDevice
}

func (c *fakeRoomClient) JoinRoomByID(_ context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins = append(c.joins, roomID)
	if len(c.joins) <= c.joinFailures {
		if c.joinErr != nil {
			return nil, c.joinErr
		}
		return nil, errFakeJoin
	}
	return &mautrix.RespJoinRoom{RoomID: roomID}, nil
}

func (c *fakeRoomClient) SendNotice(_ context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, sentNotice{roomID: roomID, text: text})
	if c.noticeErr != nil {
		return nil, c.noticeErr
	}
	return &mautrix.RespSendEvent{EventID: "$notice"}, nil
}

func (c *fakeRoomClient) SendToDevice(_ context.Context, eventType event.Type, req *mautrix.ReqSendToDevice) (*mautrix.RespSendToDevice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toDevice = append(c.toDevice, sentToDevice{eventType: eventType, req: req})
	return &mautrix.RespSendToDevice{}, nil
}

type registration struct {
	eventType event.Type
	handler   mautrix.EventHandler
}

type fakeRegistrar struct {
	syncHandlers []mautrix.SyncHandler
	registered   []registration
}

func (r *fakeRegistrar) OnSync(handler mautrix.SyncHandler) {
	r.syncHandlers = append(r.syncHandlers, handler)
}

func (r *fakeRegistrar) OnEventType(eventType event.Type, handler mautrix.EventHandler) {
	r.registered = append(r.registered, registration{eventType: eventType, handler: handler})
}

// dispatch calls every handler registered for evt.Type, like
// mautrix.DefaultSyncer does.
func (r *fakeRegistrar) dispatch(ctx context.Context, evt *event.Event) {
	for _, reg := range r.registered {
		if reg.eventType == evt.Type {
			reg.handler(ctx, evt)
		}
	}
}

func (r *fakeRegistrar) types() []event.Type {
	out := make([]event.Type, len(r.registered))
	for i, reg := range r.registered {
		out[i] = reg.eventType
	}
	return out
}

type fakeSAS struct {
	shareKey    *ToDeviceMessage
	shareKeyErr error
	emoji       []Emoji
	mac         *ToDeviceMessage
	macErr      error
	state       SASState
	panicOnKey  bool
}

func (s *fakeSAS) ShareKey() (*ToDeviceMessage, error) {
	if s.panicOnKey {
		panic("share key exploded")
	}
	return s.shareKey, s.shareKeyErr
}

func (s *fakeSAS) Emoji() []Emoji                 { return s.emoji }
func (s *fakeSAS) MAC() (*ToDeviceMessage, error) { return s.mac, s.macErr }
func (s *fakeSAS) State() SASState                { return s.state }

type cancelCall struct {
	txnID  id.VerificationTransactionID
	reject bool
}

type fakeVerifier struct {
	acceptErr error
	sas       map[id.VerificationTransactionID]*fakeSAS
	accepted  []id.VerificationTransactionID
	confirmed []id.VerificationTransactionID
	cancelled []cancelCall
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{sas: make(map[id.VerificationTransactionID]*fakeSAS)}
}

func (v *fakeVerifier) AcceptKeyVerification(_ context.Context, txnID id.VerificationTransactionID) error {
	v.accepted = append(v.accepted, txnID)
	return v.acceptErr
}

func (v *fakeVerifier) ConfirmShortAuthString(_ context.Context, txnID id.VerificationTransactionID) error {
	v.confirmed = append(v.confirmed, txnID)
	return nil
}

func (v *fakeVerifier) CancelKeyVerification(_ context.Context, txnID id.VerificationTransactionID, reject bool) error {
	v.cancelled = append(v.cancelled, cancelCall{txnID: txnID, reject: reject})
	return nil
}

func (v *fakeVerifier) KeyVerification(txnID id.VerificationTransactionID) (SAS, bool) {
	sas, ok := v.sas[txnID]
	if !ok {
		return nil, false
	}
	return sas, true
}

type fakePrompter struct {
	requests []DecisionRequest
}

func (p *fakePrompter) RequestDecision(_ context.Context, req DecisionRequest) {
	p.requests = append(p.requests, req)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeRoomClient, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	client := &fakeRoomClient{}
	d := NewDispatcher(client, testBotID, zerolog.New(&buf))
	return d, client, &buf
}

func inviteEvent(target id.UserID, membership event.Membership) *event.Event {
	stateKey := string(target)
	return &event.Event{
		Type:     event.StateMember,
		Sender:   testAliceID,
		RoomID:   testRoomID,
		StateKey: &stateKey,
		Content: event.Content{
			Parsed: &event.MemberEventContent{Membership: membership},
		},
	}
}

func toDeviceEvent(evtType event.Type, content any) *event.Event {
	return &event.Event{
		Type:    evtType,
		Sender:  testAliceID,
		Content: event.Content{Parsed: content},
	}
}

func startEvent(txnID id.VerificationTransactionID, methods ...event.SASMethod) *event.Event {
	return toDeviceEvent(event.ToDeviceVerificationStart, &event.VerificationStartEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: txnID},
		ShortAuthenticationString: methods,
	})
}

func keyEvent(txnID id.VerificationTransactionID) *event.Event {
	return toDeviceEvent(event.ToDeviceVerificationKey, &event.VerificationKeyEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: txnID},
	})
}

func macEvent(txnID id.VerificationTransactionID) *event.Event {
	return toDeviceEvent(event.ToDeviceVerificationMAC, &event.VerificationMACEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: txnID},
	})
}

func cancelEvent(txnID id.VerificationTransactionID) *event.Event {
	return toDeviceEvent(event.ToDeviceVerificationCancel, &event.VerificationCancelEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: txnID},
		Code:                      event.VerificationCancelCodeUser,
		Reason:                    "user cancelled",
	})
}
