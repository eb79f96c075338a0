package database

import (
	"database/sql"
	"errors"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// tagName is the struct tag naming the result column of a field.
const tagName = "db"

func scanRow(rows *sql.Rows, cols []string) (map[string]any, error) {
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))

	for i := range vals {
		ptrs[i] = &vals[i]
	}

	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scanning row: %w", err)
	}

	row := make(map[string]any, len(cols))

	for i, col := range cols {
		// Drivers may reuse byte buffers between rows.
		if b, ok := vals[i].([]byte); ok {
			row[col] = string(b)

			continue
		}

		row[col] = vals[i]
	}

	return row, nil
}

func decodeRow(row map[string]any, cols []string, dest any) error {
	elem, err := pointerElem(dest)
	if err != nil {
		return err
	}

	if isComposite(elem) {
		return decode(row, dest)
	}

	if len(cols) == 0 {
		return errors.New("decoding scalar: query returned no columns")
	}

	return decode(row[cols[0]], dest)
}

func decodeRows(rows []map[string]any, dest any) error {
	elem, err := pointerElem(dest)
	if err != nil {
		return err
	}

	if elem.Kind() != reflect.Slice {
		return fmt.Errorf("decoding rows: destination must point to a slice, got %s", elem)
	}

	if isComposite(elem.Elem()) {
		return decode(rows, dest)
	}

	scalars := make([]any, 0, len(rows))

	for _, row := range rows {
		if len(row) != 1 {
			return fmt.Errorf("decoding rows: scalar slice needs one column, got %d", len(row))
		}

		for _, v := range row {
			scalars = append(scalars, v)
		}
	}

	return decode(scalars, dest)
}

func decode(input, dest any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		TagName:          tagName,
		Result:           dest,
	})
	if err != nil {
		return fmt.Errorf("building decoder: %w", err)
	}

	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("decoding row: %w", err)
	}

	return nil
}

func pointerElem(dest any) (reflect.Type, error) {
	t := reflect.TypeOf(dest)
	if t == nil || t.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("destination must be a non-nil pointer, got %T", dest)
	}

	return t.Elem(), nil
}

func isComposite(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	return t.Kind() == reflect.Struct || t.Kind() == reflect.Map
}
