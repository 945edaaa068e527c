package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// UpdateWarningMessages upserts operator-facing messages for issue codes.
// The metadata document maps codes to messages: {"codes": {"6001": "..."}}.
func UpdateWarningMessages(ctx context.Context, db *DB, metadata []byte) error {
	var doc struct {
		Codes map[string]string `json:"codes"`
	}
	if err := json.Unmarshal(metadata, &doc); err != nil {
		return fmt.Errorf("parsing warning messages metadata: %w", err)
	}

	type warning struct {
		code    int
		message string
	}
	warnings := make([]warning, 0, len(doc.Codes))
	for codeText, message := range doc.Codes {
		var code int
		if _, err := fmt.Sscanf(codeText, "%d", &code); err != nil {
			return fmt.Errorf("bad warning code %q: %w", codeText, err)
		}
		warnings = append(warnings, warning{code: code, message: message})
	}
	sort.Slice(warnings, func(i, j int) bool { return warnings[i].code < warnings[j].code })

	conn, err := db.Session(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	for _, w := range warnings {
		var existing string
		err := conn.QueryRowContext(ctx,
			"SELECT message FROM warning_messages WHERE code = ?", w.code).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := conn.ExecContext(ctx,
				"INSERT INTO warning_messages (code, message) VALUES (?, ?)", w.code, w.message); err != nil {
				return wrapDBError("inserting warning message", err)
			}
			log.WithFields(map[string]any{"code": w.code}).Info("Added warning message")
		case err != nil:
			return wrapDBError("reading warning message", err)
		case existing != w.message:
			if _, err := conn.ExecContext(ctx,
				"UPDATE warning_messages SET message = ? WHERE code = ?", w.message, w.code); err != nil {
				return wrapDBError("updating warning message", err)
			}
			log.WithFields(map[string]any{"code": w.code}).Info("Updated warning message")
		}
	}
	return nil
}
