package changefeed

import (
	"strings"
	"time"

	slog "github.com/sorintlab/pgcoord/log"

	"github.com/pkg/errors"
)

var log = slog.S()

type Operation int

const (
	OperationUnknown Operation = iota
	OperationInsert
	OperationUpdate
	OperationDelete
)

func (o Operation) String() string {
	switch o {
	case OperationInsert:
		return "INSERT"
	case OperationUpdate:
		return "UPDATE"
	case OperationDelete:
		return "DELETE"
	}
	return "UNKNOWN"
}

func ParseOperation(s string) Operation {
	switch strings.ToUpper(s) {
	case "INSERT", "I":
		return OperationInsert
	case "UPDATE", "U":
		return OperationUpdate
	case "DELETE", "D":
		return OperationDelete
	}
	return OperationUnknown
}

// ChangeEvent is a row level change. A nil value in NewValues or OldValues
// is a SQL NULL.
//
// Insert events carry only NewValues, Delete events only OldValues, Update
// events NewValues and, when the table replica identity provides them,
// OldValues.
type ChangeEvent struct {
	Table     string
	Operation Operation
	Timestamp time.Time
	NewValues map[string]interface{}
	OldValues map[string]interface{}
	// Metadata contains diagnostic data like the feed position and the raw
	// record.
	Metadata map[string]interface{}
}

// Metadata keys
const (
	MetadataLSN     = "lsn"
	MetadataXID     = "xid"
	MetadataRaw     = "raw"
	MetadataChannel = "channel"
	// set on trigger payloads carrying only the primary key of the row
	MetadataTruncated = "truncated"
)

func NewChangeEvent(table string, op Operation, ts time.Time, newValues, oldValues map[string]interface{}) (*ChangeEvent, error) {
	ev := &ChangeEvent{
		Table:     table,
		Operation: op,
		Timestamp: ts,
		NewValues: newValues,
		OldValues: oldValues,
		Metadata:  map[string]interface{}{},
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func (ev *ChangeEvent) Validate() error {
	if ev.Table == "" {
		return errors.New("empty table name")
	}
	switch ev.Operation {
	case OperationInsert:
		if ev.NewValues == nil {
			return errors.New("insert without new values")
		}
		if ev.OldValues != nil {
			return errors.New("insert with old values")
		}
	case OperationDelete:
		if ev.OldValues == nil {
			return errors.New("delete without old values")
		}
		if ev.NewValues != nil {
			return errors.New("delete with new values")
		}
	}
	return nil
}
