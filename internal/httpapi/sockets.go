package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/socialhost/internal/frameworker"
	"github.com/agentworkforce/socialhost/internal/social"
)

const (
	SubprotocolJSON = "socialport.json"
	SubprotocolCBOR = "socialport.cbor"
)

// frameCodec converts port messages to and from websocket frames.
type frameCodec interface {
	messageType() websocket.MessageType
	encode(msg frameworker.Message) ([]byte, error)
	decode(frame []byte) (frameworker.Message, error)
}

func codecFor(subprotocol string) frameCodec {
	if subprotocol == SubprotocolCBOR {
		return cborCodec{}
	}
	return jsonCodec{}
}

type jsonCodec struct{}

func (jsonCodec) messageType() websocket.MessageType { return websocket.MessageText }

func (jsonCodec) encode(msg frameworker.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) decode(frame []byte) (frameworker.Message, error) {
	var msg frameworker.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return frameworker.Message{}, err
	}
	return msg, nil
}

type cborFrame struct {
	Topic string `cbor:"topic"`
	Data  any    `cbor:"data,omitempty"`
}

var cborDecMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

type cborCodec struct{}

func (cborCodec) messageType() websocket.MessageType { return websocket.MessageBinary }

func (cborCodec) encode(msg frameworker.Message) ([]byte, error) {
	frame := cborFrame{Topic: msg.Topic}
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &frame.Data); err != nil {
			return nil, err
		}
	}
	return cbor.Marshal(frame)
}

func (cborCodec) decode(raw []byte) (frameworker.Message, error) {
	var frame cborFrame
	if err := cborDecMode.Unmarshal(raw, &frame); err != nil {
		return frameworker.Message{}, err
	}
	return frameworker.NewMessage(frame.Topic, frame.Data)
}

// handlePortSocket bridges a websocket onto a fresh port of the provider's
// worker. Closing the socket closes the port only; the worker keeps running.
func (s *Server) handlePortSocket(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProvider(w, r)
	if !ok {
		return
	}
	handle, err := p.MakeWorker(nil)
	if err != nil {
		s.writeDomainError(w, err, getCorrelationID(r))
		return
	}
	port := handle.Port
	defer port.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{SubprotocolCBOR, SubprotocolJSON},
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("port socket upgrade failed", "origin", p.Origin(), "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	codec := codecFor(conn.Subprotocol())
	logger := s.logger.With("origin", p.Origin(), "port", port.String(), "subprotocol", conn.Subprotocol())

	port.SetOnMessage(func(msg frameworker.Message) {
		frame, err := codec.encode(msg)
		if err != nil {
			logger.Warn("dropping unencodable port message", "topic", msg.Topic, "error", err)
			return
		}
		if err := conn.Write(ctx, codec.messageType(), frame); err != nil {
			logger.Debug("port socket write failed", "error", err)
			cancel()
		}
	})

	go func() {
		select {
		case <-port.Done():
			conn.Close(websocket.StatusGoingAway, "worker port closed")
		case <-ctx.Done():
		}
	}()

	for {
		typ, frame, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				logger.Debug("port socket read ended", "error", err)
			}
			return
		}
		if typ != codec.messageType() {
			conn.Close(websocket.StatusUnsupportedData, fmt.Sprintf("expected %s frames", codec.messageType()))
			return
		}
		msg, err := codec.decode(frame)
		if err != nil || strings.TrimSpace(msg.Topic) == "" {
			conn.Close(websocket.StatusUnsupportedData, "invalid port message")
			return
		}
		if err := port.PostMessage(msg); err != nil {
			conn.Close(websocket.StatusGoingAway, "worker port closed")
			return
		}
	}
}

// handleEventSocket streams registry events as JSON text frames. The
// optional category query parameter narrows the stream.
func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	category := social.Category(r.URL.Query().Get("category"))
	switch category {
	case "", social.CategoryBrowsing, social.CategoryService:
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown event category", correlationID)
		return
	}

	// Subscribe before the handshake completes so a client never misses
	// events published right after it connects.
	sub := s.deps.Registry.Bus().Subscribe(category, 0)
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("event socket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			if dropped := sub.Dropped(); dropped > 0 {
				s.logger.Info("event socket closed with dropped events", "dropped", dropped)
			}
			return
		case event, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}
