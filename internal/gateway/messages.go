package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/goswarm/internal/mailbox"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

func (g *Gateway) registerMessageTools() {
	g.register(protocol.ToolSendMessage,
		`{"channel": string, "sender": string, "body": string, "recipients"?: [string], "payload"?: {...}, "ttlSeconds"?: number, "persistent"?: bool}`,
		g.sendMessage)
	g.register(protocol.ToolReadMessages,
		`{"channel"?: string, "reader": string, "unreadOnly"?: bool, "includeRead"?: bool, "markRead"?: bool, "limit"?: number}`,
		g.readMessages)
	g.register(protocol.ToolListChannels, `{}`, g.listChannels)
	g.register(protocol.ToolAckMessages, `{"messageIds": [string], "reader": string}`, g.ackMessages)
	g.register(protocol.ToolMessageStats, `{}`, g.messageStats)
	g.register(protocol.ToolGetMessage, `{"messageId": string}`, g.getMessage)
	g.register(protocol.ToolUpdateMessage,
		`{"messageId": string, "patch": {"body"?, "payload"?, "recipients"?, "ttlSeconds"?, "persistent"?}}`,
		g.updateMessage)
	g.register(protocol.ToolPurgeMessages, `{"all"?: bool, "channel"?: string, "messageIds"?: [string]}`, g.purgeMessages)
}

func (g *Gateway) mailbox() (*mailbox.Store, error) {
	if g.deps.Mailbox == nil {
		return nil, errUnavailable("mailbox")
	}
	return g.deps.Mailbox, nil
}

func (g *Gateway) sendMessage(ctx context.Context, args json.RawMessage) (interface{}, error) {
	m, err := g.mailbox()
	if err != nil {
		return nil, err
	}
	var opts mailbox.SendOptions
	if err := decode(args, &opts); err != nil {
		return nil, err
	}
	id, err := m.Send(opts)
	if err != nil {
		return nil, err
	}
	return map[string]string{"messageId": id}, nil
}

func (g *Gateway) readMessages(ctx context.Context, args json.RawMessage) (interface{}, error) {
	m, err := g.mailbox()
	if err != nil {
		return nil, err
	}
	var opts mailbox.ReadOptions
	if err := decode(args, &opts); err != nil {
		return nil, err
	}
	return m.Read(opts), nil
}

func (g *Gateway) listChannels(ctx context.Context, args json.RawMessage) (interface{}, error) {
	m, err := g.mailbox()
	if err != nil {
		return nil, err
	}
	return m.ListChannels(), nil
}

func (g *Gateway) ackMessages(ctx context.Context, args json.RawMessage) (interface{}, error) {
	m, err := g.mailbox()
	if err != nil {
		return nil, err
	}
	var in struct {
		MessageIDs []string `json:"messageIds"`
		Reader     string   `json:"reader"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.Reader == "" {
		return nil, fmt.Errorf("reader required")
	}
	return map[string]int{"acked": m.Ack(in.MessageIDs, in.Reader)}, nil
}

func (g *Gateway) messageStats(ctx context.Context, args json.RawMessage) (interface{}, error) {
	m, err := g.mailbox()
	if err != nil {
		return nil, err
	}
	return m.GetStats(), nil
}

func (g *Gateway) getMessage(ctx context.Context, args json.RawMessage) (interface{}, error) {
	m, err := g.mailbox()
	if err != nil {
		return nil, err
	}
	var in struct {
		MessageID string `json:"messageId"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	msg, ok := m.Get(in.MessageID)
	if !ok {
		return nil, fmt.Errorf("message %q not found", in.MessageID)
	}
	return msg, nil
}

func (g *Gateway) updateMessage(ctx context.Context, args json.RawMessage) (interface{}, error) {
	m, err := g.mailbox()
	if err != nil {
		return nil, err
	}
	var in struct {
		MessageID string        `json:"messageId"`
		Patch     mailbox.Patch `json:"patch"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	return m.Update(in.MessageID, in.Patch)
}

func (g *Gateway) purgeMessages(ctx context.Context, args json.RawMessage) (interface{}, error) {
	m, err := g.mailbox()
	if err != nil {
		return nil, err
	}
	var in struct {
		All        bool     `json:"all"`
		Channel    string   `json:"channel"`
		MessageIDs []string `json:"messageIds"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	switch {
	case in.All:
		return map[string]int{"purged": m.PurgeAll()}, nil
	case in.Channel != "":
		return map[string]int{"purged": m.PurgeChannel(in.Channel)}, nil
	case len(in.MessageIDs) > 0:
		return map[string]int{"purged": m.Delete(in.MessageIDs)}, nil
	}
	return nil, fmt.Errorf("one of all, channel, messageIds required")
}
