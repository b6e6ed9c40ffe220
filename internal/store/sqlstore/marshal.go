package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/value"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// marshalProps encodes the non-relation property values of r as a JSON
// object. encoding/json sorts map keys, so equal records encode equally.
func marshalProps(m *meta.EntityMeta, r *meta.Record) (string, error) {
	doc := make(map[string]any)
	for _, p := range m.Properties() {
		if p.IsRelation() {
			continue
		}
		doc[p.Name] = value.Encode(r.Get(p.Name))
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal %s properties: %w", m.Name(), err)
	}
	return string(data), nil
}

// unmarshalRecord decodes a props document into a record of m. Values are
// coerced to their property kinds; absent properties read as null.
func unmarshalRecord(m *meta.EntityMeta, version int64, props string) (*meta.Record, error) {
	dec := json.NewDecoder(strings.NewReader(props))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("unmarshal %s properties: %w", m.Name(), err)
	}

	idp := m.IDProperty()
	id, err := decodeValue(idp, doc[idp.Name])
	if err != nil {
		return nil, err
	}
	r := m.New(id)
	r.SetVersion(version)
	for _, p := range m.Properties() {
		if p.IsRelation() {
			continue
		}
		v, err := decodeValue(p, doc[p.Name])
		if err != nil {
			return nil, err
		}
		r.Put(p.Name, v)
	}
	return r, nil
}

func decodeValue(p *meta.Property, raw any) (value.Value, error) {
	v, err := value.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.Name, err)
	}
	if value.IsNull(v) && !p.Nullable {
		return nil, fmt.Errorf("decode %s: missing required value", p.Name)
	}
	return p.Coerce(v)
}

// row is one scanned entities row.
type row struct {
	typ     string
	version int64
	props   string
}

// scanRows reads every row and closes rows. Rows must be drained before
// the next statement runs on the single connection.
func scanRows(rows *sql.Rows) ([]row, error) {
	defer rows.Close()
	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.typ, &r.version, &r.props); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
