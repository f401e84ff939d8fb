package changefeed

import (
	"strconv"
	"strings"
	"time"

	"github.com/sorintlab/pgcoord/util"

	"github.com/pkg/errors"
)

const PluginTestDecoding = "test_decoding"

const unchangedToastDatum = "unchanged-toast-datum"

var commitTimeLayouts = []string{
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
}

// TestDecodingDecoder decodes the text output of the test_decoding plugin:
//
//	BEGIN 529
//	table public.orders: INSERT: id[integer]:1 note[text]:'first'
//	table public.orders: UPDATE: old-key: id[integer]:1 new-tuple: id[integer]:2 note[text]:null
//	COMMIT 529 (at 2024-01-02 03:04:05.123456+00)
type TestDecodingDecoder struct{}

func (d *TestDecodingDecoder) Plugin() string {
	return PluginTestDecoding
}

func (d *TestDecodingDecoder) Options() []string {
	return []string{"include-timestamp", "on"}
}

func (d *TestDecodingDecoder) Kind(rec RawRecord) RecordKind {
	switch {
	case strings.HasPrefix(rec.Data, "BEGIN"):
		return KindBegin
	case strings.HasPrefix(rec.Data, "COMMIT"):
		return KindCommit
	case strings.HasPrefix(rec.Data, "table "):
		return KindChange
	}
	return KindOther
}

func (d *TestDecodingDecoder) CommitTime(rec RawRecord) (time.Time, bool) {
	i := strings.Index(rec.Data, "(at ")
	if i < 0 || !strings.HasSuffix(rec.Data, ")") {
		return time.Time{}, false
	}
	s := rec.Data[i+len("(at ") : len(rec.Data)-1]
	for _, layout := range commitTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (d *TestDecodingDecoder) Parse(rec RawRecord) (*ChangeEvent, error) {
	ev, err := parseTestDecoding(rec.Data)
	if err != nil {
		return nil, util.NewParseError(rec.LSN.String(), rec.Data, err)
	}
	return ev, nil
}

func parseTestDecoding(data string) (*ChangeEvent, error) {
	if !strings.HasPrefix(data, "table ") {
		return nil, errors.New("not a change record")
	}
	rest := data[len("table "):]

	i := strings.Index(rest, ": ")
	if i < 0 {
		return nil, errors.New("missing table name terminator")
	}
	table := rest[:i]
	rest = rest[i+2:]

	i = strings.Index(rest, ":")
	if i < 0 {
		return nil, errors.New("missing operation")
	}
	opName := rest[:i]
	rest = strings.TrimPrefix(rest[i+1:], " ")

	op := ParseOperation(opName)
	ev := &ChangeEvent{Table: table, Operation: op, Metadata: map[string]interface{}{}}

	switch op {
	case OperationInsert:
		values, err := parseTuple(rest)
		if err != nil {
			return nil, err
		}
		ev.NewValues = values

	case OperationUpdate:
		if strings.HasPrefix(rest, "old-key: ") {
			old, next, found, err := parseTupleUntil(rest[len("old-key: "):], "new-tuple: ")
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, errors.New("old-key without new-tuple")
			}
			ev.OldValues = old
			rest = next
		}
		values, err := parseTuple(rest)
		if err != nil {
			return nil, err
		}
		ev.NewValues = values

	case OperationDelete:
		if strings.HasPrefix(rest, "(no-tuple data)") {
			ev.OldValues = map[string]interface{}{}
			break
		}
		values, err := parseTuple(rest)
		if err != nil {
			return nil, err
		}
		ev.OldValues = values

	default:
		// TRUNCATE and future operations
		ev.Metadata["operation"] = opName
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// parseTuple parses a sequence of name[type]:value columns.
func parseTuple(s string) (map[string]interface{}, error) {
	values, _, _, err := parseTupleUntil(s, "")
	return values, err
}

// parseTupleUntil parses columns until the end of s or, when stop isn't
// empty, until a column starts with stop. It returns the text after stop and
// whether stop was found.
func parseTupleUntil(s, stop string) (map[string]interface{}, string, bool, error) {
	values := map[string]interface{}{}
	for {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			return values, "", false, nil
		}
		if stop != "" && strings.HasPrefix(s, stop) {
			return values, s[len(stop):], true, nil
		}

		name, rest, err := parseColumnName(s)
		if err != nil {
			return nil, "", false, err
		}

		// types can contain brackets (integer[]), the type ends at "]:"
		i := strings.Index(rest, "]:")
		if i < 0 {
			return nil, "", false, errors.Errorf("column %q: missing type", name)
		}
		typ := rest[:i]
		rest = rest[i+2:]

		raw, quoted, rest, err := parseValue(rest)
		if err != nil {
			return nil, "", false, errors.Wrapf(err, "column %q", name)
		}
		s = rest

		if !quoted && raw == unchangedToastDatum {
			continue
		}
		v, err := convertValue(typ, raw, quoted)
		if err != nil {
			return nil, "", false, errors.Wrapf(err, "column %q", name)
		}
		values[name] = v
	}
}

func parseColumnName(s string) (string, string, error) {
	if strings.HasPrefix(s, `"`) {
		var b strings.Builder
		for i := 1; i < len(s); i++ {
			if s[i] == '"' {
				if i+1 < len(s) && s[i+1] == '"' {
					b.WriteByte('"')
					i++
					continue
				}
				if i+1 >= len(s) || s[i+1] != '[' {
					return "", "", errors.New("quoted column name not followed by a type")
				}
				return b.String(), s[i+2:], nil
			}
			b.WriteByte(s[i])
		}
		return "", "", errors.New("unterminated quoted column name")
	}
	i := strings.Index(s, "[")
	if i <= 0 {
		return "", "", errors.Errorf("invalid column %q", s)
	}
	return s[:i], s[i+1:], nil
}

func parseValue(s string) (string, bool, string, error) {
	if strings.HasPrefix(s, "'") {
		var b strings.Builder
		for i := 1; i < len(s); i++ {
			if s[i] == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					b.WriteByte('\'')
					i++
					continue
				}
				return b.String(), true, s[i+1:], nil
			}
			b.WriteByte(s[i])
		}
		return "", false, "", errors.New("unterminated quoted value")
	}
	i := strings.Index(s, " ")
	if i < 0 {
		return s, false, "", nil
	}
	return s[:i], false, s[i:], nil
}

func convertValue(typ, raw string, quoted bool) (interface{}, error) {
	if !quoted && raw == "null" {
		return nil, nil
	}
	switch typ {
	case "smallint", "integer", "bigint", "oid":
		return strconv.ParseInt(raw, 10, 64)
	case "real", "double precision":
		return strconv.ParseFloat(raw, 64)
	case "boolean":
		return strconv.ParseBool(raw)
	}
	// numeric and everything else keep the textual representation
	return raw, nil
}
