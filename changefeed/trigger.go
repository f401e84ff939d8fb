package changefeed

import (
	"fmt"
	"strings"
	"time"

	"github.com/sorintlab/pgcoord/db"
	"github.com/sorintlab/pgcoord/util"

	"github.com/goccy/go-json"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const notifyFunctionName = "pgcoord_notify_change"

// MaxNotifyPayload is the largest payload accepted by pg_notify (8000 bytes
// with the default block size, minus the terminator).
const MaxNotifyPayload = 7999

// Rows whose json doesn't fit in a notification are sent with only their
// primary key columns and "truncated" set, the receiver must read the row
// from the table.
const notifyFunctionDDL = `
create or replace function pgcoord_notify_change() returns trigger as $$
declare
	payload text;
	pk text[];
begin
	payload := json_build_object(
		'table', TG_TABLE_SCHEMA || '.' || TG_TABLE_NAME,
		'operation', TG_OP,
		'timestamp', now(),
		'new', case when TG_OP in ('INSERT', 'UPDATE') then row_to_json(NEW) end,
		'old', case when TG_OP in ('UPDATE', 'DELETE') then row_to_json(OLD) end
	)::text;
	if octet_length(payload) > 7999 then
		select coalesce(array_agg(a.attname::text), '{}') into pk
		from pg_index i
		join pg_attribute a on a.attrelid = i.indrelid and a.attnum = any(i.indkey)
		where i.indrelid = TG_RELID and i.indisprimary;

		payload := json_build_object(
			'table', TG_TABLE_SCHEMA || '.' || TG_TABLE_NAME,
			'operation', TG_OP,
			'timestamp', now(),
			'truncated', true,
			'new', case when TG_OP in ('INSERT', 'UPDATE') then
				(select coalesce(json_object_agg(e.key, e.value), '{}'::json) from json_each(row_to_json(NEW)) e where e.key = any(pk)) end,
			'old', case when TG_OP in ('UPDATE', 'DELETE') then
				(select coalesce(json_object_agg(e.key, e.value), '{}'::json) from json_each(row_to_json(OLD)) e where e.key = any(pk)) end
		)::text;
	end if;
	perform pg_notify(TG_ARGV[0], payload);
	return null;
end;
$$ language plpgsql
`

// Migrations installs the notify trigger function.
var Migrations = []db.Migration{
	{Description: "notify change trigger function", Stmts: []string{notifyFunctionDDL}},
}

// NotifyFunctionDDL returns the statement creating the trigger function that
// publishes row changes as json on the channel passed as trigger argument.
func NotifyFunctionDDL() string {
	return notifyFunctionDDL
}

// NotifyTriggerDDL returns the statements (re)creating the trigger that
// publishes the changes of schema.table on channel. Changes of rows larger
// than MaxNotifyPayload carry only the primary key values, see
// MetadataTruncated.
func NotifyTriggerDDL(schema, table, channel string) []string {
	name := pq.QuoteIdentifier(fmt.Sprintf("%s_%s", notifyFunctionName, table))
	target := pq.QuoteIdentifier(table)
	if schema != "" {
		target = pq.QuoteIdentifier(schema) + "." + target
	}
	return []string{
		fmt.Sprintf("drop trigger if exists %s on %s", name, target),
		fmt.Sprintf("create trigger %s after insert or update or delete on %s for each row execute procedure %s(%s)",
			name, target, notifyFunctionName, pq.QuoteLiteral(channel)),
	}
}

type triggerPayload struct {
	Table     string                 `json:"table"`
	Operation string                 `json:"operation"`
	Timestamp string                 `json:"timestamp"`
	New       map[string]interface{} `json:"new"`
	Old       map[string]interface{} `json:"old"`
	Truncated bool                   `json:"truncated"`
}

// ParseTriggerPayload decodes the notification payload sent by the notify
// trigger function.
func ParseTriggerPayload(payload string) (*ChangeEvent, error) {
	ev, err := parseTriggerPayload(payload)
	if err != nil {
		return nil, util.NewParseError("", payload, err)
	}
	return ev, nil
}

func parseTriggerPayload(payload string) (*ChangeEvent, error) {
	var p triggerPayload
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, errors.Wrap(err, "failed to decode payload")
	}

	op := ParseOperation(p.Operation)
	if op == OperationUnknown {
		return nil, errors.Errorf("unknown operation %q", p.Operation)
	}

	var ts time.Time
	if p.Timestamp != "" {
		var err error
		if ts, err = time.Parse(time.RFC3339Nano, p.Timestamp); err != nil {
			return nil, errors.Wrapf(err, "invalid timestamp %q", p.Timestamp)
		}
	}

	ev, err := NewChangeEvent(p.Table, op, ts, normalizeNumbers(p.New), normalizeNumbers(p.Old))
	if err != nil {
		return nil, err
	}
	if p.Truncated {
		ev.Metadata[MetadataTruncated] = true
	}
	return ev, nil
}

// normalizeNumbers converts json numbers to int64 when integral, float64
// otherwise.
func normalizeNumbers(values map[string]interface{}) map[string]interface{} {
	for k, v := range values {
		values[k] = normalizeNumber(v)
	}
	return values
}

func normalizeNumber(v interface{}) interface{} {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
