package coordinate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// background sync with an external agent endpoint.
// the relay forwards local mutations as JSON frames over a websocket and
// applies inbound remote mutations into the store tagged with the agent's
// provenance, which is also how its own writes are suppressed from echoing
// back out.

const RelaySendBufferSize = 32

type SyncFrameType string

const (
	SyncFrameTypeAuth   SyncFrameType = "auth"
	SyncFrameTypeUpsert SyncFrameType = "upsert"
	SyncFrameTypeDelete SyncFrameType = "delete"
)

type SyncFrame struct {
	FrameId  Id            `json:"frameId"`
	Type     SyncFrameType `json:"type"`
	Source   UpdateSource  `json:"source,omitempty"`
	Entity   *Entity       `json:"entity,omitempty"`
	EntityId string        `json:"entityId,omitempty"`
	// auth frames only
	AgentJwt string `json:"agentJwt,omitempty"`
}

func DefaultAgentRelaySettings() *AgentRelaySettings {
	return &AgentRelaySettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type AgentRelaySettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

type AgentRelay struct {
	ctx    context.Context
	cancel context.CancelFunc

	store *VersionedEntityStore

	syncUrl  string
	agentJwt string
	source   UpdateSource

	settings *AgentRelaySettings
}

func NewAgentRelayWithDefaults(
	ctx context.Context,
	store *VersionedEntityStore,
	syncUrl string,
	agentJwt string,
) (*AgentRelay, error) {
	return NewAgentRelay(ctx, store, syncUrl, agentJwt, DefaultAgentRelaySettings())
}

func NewAgentRelay(
	ctx context.Context,
	store *VersionedEntityStore,
	syncUrl string,
	agentJwt string,
	settings *AgentRelaySettings,
) (*AgentRelay, error) {
	claims, err := ParseAgentJwtUnverified(agentJwt)
	if err != nil {
		return nil, fmt.Errorf("relay auth: %w", err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	relay := &AgentRelay{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		syncUrl:  syncUrl,
		agentJwt: agentJwt,
		source:   claims.Source(),
		settings: settings,
	}
	go HandleError(relay.run, relay.cancel)
	return relay, nil
}

func (self *AgentRelay) Source() UpdateSource {
	return self.source
}

func (self *AgentRelay) Close() {
	self.cancel()
}

func (self *AgentRelay) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.syncUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			authBytes, err := json.Marshal(&SyncFrame{
				FrameId:  NewId(),
				Type:     SyncFrameTypeAuth,
				Source:   self.source,
				AgentJwt: self.agentJwt,
			})
			if err != nil {
				return nil, err
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if _, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				var ack SyncFrame
				if err := json.Unmarshal(message, &ack); err != nil {
					return nil, err
				}
				if ack.Type != SyncFrameTypeAuth {
					return nil, fmt.Errorf("auth response error: %s", ack.Type)
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[relay]auth error %s = %s\n", self.source, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.handle(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *AgentRelay) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan *SyncFrame, RelaySendBufferSize)

	storeUnsub := self.store.SubscribeAll(func(entity *Entity, source UpdateSource) {
		if source == self.source {
			// this relay applied it; do not echo it back
			return
		}
		frame := &SyncFrame{
			FrameId: NewId(),
			Type:    SyncFrameTypeUpsert,
			Source:  source,
			Entity:  entity,
		}
		if !self.store.Has(entity.Id) {
			frame.Type = SyncFrameTypeDelete
			frame.Entity = nil
			frame.EntityId = entity.Id
		}
		select {
		case send <- frame:
		default:
			glog.Infof("[relay]send backpressure, dropped %s\n", entity.Id)
		}
	})
	defer storeUnsub()

	// write pump
	go HandleError(func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame, ok := <-send:
				if !ok {
					return
				}
				frameBytes, err := json.Marshal(frame)
				if err != nil {
					glog.Infof("[relay]encode error = %s\n", err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
					glog.Infof("[relay]%s-> error = %s\n", self.source, err)
					return
				}
				glog.V(2).Infof("[relay]%s->\n", self.source)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})

	// read pump
	go HandleError(func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[relay]%s<- error = %s\n", self.source, err)
				return
			}
			if len(message) == 0 {
				// ping
				continue
			}

			var frame SyncFrame
			if err := json.Unmarshal(message, &frame); err != nil {
				glog.Infof("[relay]decode error = %s\n", err)
				continue
			}
			self.apply(&frame)
		}
	})

	<-handleCtx.Done()
}

func (self *AgentRelay) apply(frame *SyncFrame) {
	switch frame.Type {
	case SyncFrameTypeUpsert:
		if frame.Entity == nil {
			return
		}
		self.store.Set(frame.Entity, self.source, false)
		glog.V(2).Infof("[relay]<-upsert %s\n", frame.Entity.Id)
	case SyncFrameTypeDelete:
		if frame.EntityId == "" {
			return
		}
		self.store.Delete(frame.EntityId, self.source)
		glog.V(2).Infof("[relay]<-delete %s\n", frame.EntityId)
	}
}
