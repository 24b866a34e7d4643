package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// CommandReply answers a command received over NATS request/reply.
type CommandReply struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Status Status `json:"status"`
}

// CommandListener feeds start/stop messages published on
// <prefix>.cmd.start and <prefix>.cmd.stop into a Service.
type CommandListener struct {
	svc     *Service
	timeout time.Duration
	subs    []*nats.Subscription
}

func SubscribeCommands(nc *nats.Conn, prefix string, svc *Service) (*CommandListener, error) {
	l := &CommandListener{svc: svc, timeout: 10 * time.Second}
	for _, verb := range []string{"start", "stop"} {
		subject := prefix + ".cmd." + verb
		sub, err := nc.Subscribe(subject, l.onMsg)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		l.subs = append(l.subs, sub)
	}
	log.Printf("listening for commands on %s.cmd.>", prefix)
	return l, nil
}

func (l *CommandListener) Close() {
	for _, sub := range l.subs {
		_ = sub.Unsubscribe()
	}
	l.subs = nil
}

func (l *CommandListener) onMsg(m *nats.Msg) {
	verb := m.Subject[strings.LastIndexByte(m.Subject, '.')+1:]
	reply := l.handle(verb, m.Data)
	if !reply.OK {
		log.Printf("command %s failed: %s", m.Subject, reply.Error)
	}
	if m.Reply == "" {
		return
	}
	b, err := json.Marshal(reply)
	if err != nil {
		log.Printf("marshal command reply: %v", err)
		return
	}
	if err := m.Respond(b); err != nil {
		log.Printf("respond to %s: %v", m.Subject, err)
	}
}

func (l *CommandListener) handle(verb string, data []byte) CommandReply {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	var cmd any
	switch verb {
	case "start":
		var c StartCommand
		if err := json.Unmarshal(data, &c); err != nil {
			return CommandReply{Error: fmt.Sprintf("decode start command: %v", err), Status: l.svc.Status()}
		}
		cmd = c
	case "stop":
		cmd = StopCommand{}
	default:
		return CommandReply{Error: fmt.Sprintf("unknown command %q", verb), Status: l.svc.Status()}
	}
	if err := l.svc.Send(ctx, cmd); err != nil {
		return CommandReply{Error: err.Error(), Status: l.svc.Status()}
	}
	return CommandReply{OK: true, Status: l.svc.Status()}
}
