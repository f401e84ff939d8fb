package listennotify

import (
	"context"
	"strings"

	"github.com/sorintlab/pgcoord/db"
	slog "github.com/sorintlab/pgcoord/log"
	"github.com/sorintlab/pgcoord/util"
)

var log = slog.S()

type Notification struct {
	Channel string
	Payload string
}

type Notifier interface {
	Notify(ctx context.Context, channel string, payload string) error
}

// TxNotifier sends notifications inside a transaction. Postgres delivers
// them only when (and if) the transaction commits.
type TxNotifier interface {
	Notifier
	BindTx(tx *db.Tx)
}

type NotifierFactory interface {
	NewNotifier() Notifier
}

// Listener is a single connection in the listening state.
//
// Notifications are delivered on NotificationChannel in the order the engine
// emits them. A connection failure is reported once on ErrorChannel; the
// Listener doesn't resume delivery after that.
type Listener interface {
	// ID identifies the connection endpoint. Listeners created by the same
	// factory share the same ID.
	ID() string
	Connect(ctx context.Context) error
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *Notification
	ErrorChannel() <-chan error
	Ping() error
	Close() error
}

type ListenerFactory interface {
	NewListener() Listener
}

// normalizeChannels returns the sorted set of the provided channels, dropping
// empty names.
func normalizeChannels(channels []string) []string {
	return util.UniqueSortedStrings(channels)
}

func subscriptionID(listenerID string, channels []string) string {
	return listenerID + "/" + strings.Join(channels, ",")
}
