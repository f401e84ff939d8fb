package changefeed

import (
	"strings"
	"time"

	"github.com/sorintlab/pgcoord/util"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

const PluginWal2JSON = "wal2json"

type wal2jsonColumn struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

type wal2jsonRecord struct {
	Action    string           `json:"action"`
	XID       uint32           `json:"xid"`
	Timestamp string           `json:"timestamp"`
	Schema    string           `json:"schema"`
	Table     string           `json:"table"`
	Columns   []wal2jsonColumn `json:"columns"`
	Identity  []wal2jsonColumn `json:"identity"`
}

// Wal2JSONDecoder decodes the wal2json plugin output using format version 2,
// one json object per record.
type Wal2JSONDecoder struct{}

func (d *Wal2JSONDecoder) Plugin() string {
	return PluginWal2JSON
}

func (d *Wal2JSONDecoder) Options() []string {
	return []string{"format-version", "2", "include-xids", "1", "include-timestamp", "1"}
}

func (d *Wal2JSONDecoder) Kind(rec RawRecord) RecordKind {
	var r struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal([]byte(rec.Data), &r); err != nil {
		// let Parse report it
		return KindChange
	}
	switch r.Action {
	case "B":
		return KindBegin
	case "C":
		return KindCommit
	case "I", "U", "D", "T":
		return KindChange
	}
	return KindOther
}

func (d *Wal2JSONDecoder) CommitTime(rec RawRecord) (time.Time, bool) {
	var r wal2jsonRecord
	if err := json.Unmarshal([]byte(rec.Data), &r); err != nil || r.Timestamp == "" {
		return time.Time{}, false
	}
	for _, layout := range commitTimeLayouts {
		if t, err := time.Parse(layout, r.Timestamp); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (d *Wal2JSONDecoder) Parse(rec RawRecord) (*ChangeEvent, error) {
	ev, err := parseWal2JSON(rec.Data)
	if err != nil {
		return nil, util.NewParseError(rec.LSN.String(), rec.Data, err)
	}
	return ev, nil
}

func parseWal2JSON(data string) (*ChangeEvent, error) {
	var r wal2jsonRecord
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return nil, errors.Wrap(err, "failed to decode record")
	}
	if r.Table == "" {
		return nil, errors.New("record without table")
	}
	table := r.Table
	if r.Schema != "" {
		table = r.Schema + "." + r.Table
	}

	ev := &ChangeEvent{Table: table, Operation: ParseOperation(r.Action), Metadata: map[string]interface{}{}}
	switch ev.Operation {
	case OperationInsert:
		ev.NewValues = wal2jsonValues(r.Columns)
	case OperationUpdate:
		ev.NewValues = wal2jsonValues(r.Columns)
		if r.Identity != nil {
			ev.OldValues = wal2jsonValues(r.Identity)
		}
	case OperationDelete:
		ev.OldValues = wal2jsonValues(r.Identity)
	default:
		ev.Metadata["operation"] = r.Action
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func wal2jsonValues(cols []wal2jsonColumn) map[string]interface{} {
	values := make(map[string]interface{}, len(cols))
	for _, c := range cols {
		values[c.Name] = normalizeNumber(c.Value)
	}
	return values
}
