package sink

import (
	"strings"
	"time"

	"github.com/sorintlab/pgcoord/changefeed"
	slog "github.com/sorintlab/pgcoord/log"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

var log = slog.S()

const DefaultSubjectPrefix = "pgcoord"

// Publisher publishes a message on a subject. It's implemented by *nats.Conn
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the json representation of a change event
type Message struct {
	Table     string                 `json:"table"`
	Operation string                 `json:"operation"`
	Timestamp time.Time              `json:"timestamp"`
	New       map[string]interface{} `json:"new,omitempty"`
	Old       map[string]interface{} `json:"old,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func Encode(ev *changefeed.ChangeEvent) ([]byte, error) {
	return json.Marshal(&Message{
		Table:     ev.Table,
		Operation: ev.Operation.String(),
		Timestamp: ev.Timestamp,
		New:       ev.NewValues,
		Old:       ev.OldValues,
		Metadata:  ev.Metadata,
	})
}

// Subject returns the subject of the events of table with operation op:
// <prefix>.<schema>.<table>.<operation>
func Subject(prefix, table string, op changefeed.Operation) string {
	return strings.Join([]string{prefix, table, strings.ToLower(op.String())}, ".")
}

// NatsSink forwards change events to NATS
type NatsSink struct {
	pub    Publisher
	nc     *nats.Conn
	prefix string
}

// NewNatsSink connects to the NATS server at url
func NewNatsSink(url, prefix string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to nats")
	}
	s := NewSink(nc, prefix)
	s.nc = nc
	return s, nil
}

func NewSink(pub Publisher, prefix string) *NatsSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NatsSink{pub: pub, prefix: prefix}
}

func (s *NatsSink) Send(ev *changefeed.ChangeEvent) error {
	data, err := Encode(ev)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}
	subject := Subject(s.prefix, ev.Table, ev.Operation)
	if err := s.pub.Publish(subject, data); err != nil {
		return errors.Wrapf(err, "failed to publish to %s", subject)
	}
	return nil
}

// Callback returns a stream callback forwarding every event.
func (s *NatsSink) Callback() changefeed.EventCallback {
	return s.Send
}

// Close flushes the pending messages and closes the connection.
func (s *NatsSink) Close() error {
	if s.nc == nil {
		return nil
	}
	err := s.nc.Flush()
	s.nc.Close()
	return err
}
